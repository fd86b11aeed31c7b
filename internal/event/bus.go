package event

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wrenbot/wren/internal/event/topic"
)

// Subscription is the bus's record of one registered handler.
type Subscription struct {
	id         string
	pattern    topic.Topic
	subscriber string
	handler    Handler
	seq        uint64 // registration order, tie-break within a tier
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subscribed pattern.
func (s *Subscription) Pattern() topic.Topic { return s.pattern }

// Subscriber returns the owning subscriber's name.
func (s *Subscription) Subscriber() string { return s.subscriber }

// Bus is the pub/sub channel shared by all plugins. It is created by
// the plugin manager and handed to each plugin by reference; it is not
// a process-wide singleton, so independent bot instances do not share
// state.
type Bus struct {
	mu      sync.RWMutex
	subs    map[topic.Topic][]*Subscription
	matcher *topic.Matcher
	nextSeq uint64

	hist   *history
	logger *slog.Logger

	published     atomic.Uint64
	dispatched    atomic.Uint64
	handlerErrors atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistoryCapacity sets the event history ring buffer size.
func WithHistoryCapacity(n int) BusOption {
	return func(b *Bus) {
		b.hist = newHistory(n)
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus with an empty subscription table.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[topic.Topic][]*Subscription),
		matcher: topic.NewMatcher(),
		hist:    newHistory(DefaultHistoryCapacity),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "eventbus")
	return b
}

// Subscribe registers a handler for every event whose name matches the
// pattern. Multiple subscribers may share a pattern; registration order
// is preserved as the tie-break within a priority tier.
func (b *Bus) Subscribe(pattern topic.Topic, handler Handler, subscriber string) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	sub := &Subscription{
		id:         uuid.NewString(),
		pattern:    pattern,
		subscriber: subscriber,
		handler:    handler,
		seq:        b.nextSeq,
	}

	b.subs[pattern] = append(b.subs[pattern], sub)
	b.matcher.Add(pattern)
	return sub, nil
}

// Unsubscribe removes all of a subscriber's handlers on one pattern.
func (b *Bus) Unsubscribe(pattern topic.Topic, subscriber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[pattern]
	kept := subs[:0]
	removed := 0
	for _, s := range subs {
		if s.subscriber == subscriber {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s on %q", ErrSubscriptionNotFound, subscriber, pattern)
	}

	if len(kept) == 0 {
		delete(b.subs, pattern)
		b.matcher.Remove(pattern)
	} else {
		b.subs[pattern] = kept
	}
	return nil
}

// UnsubscribeAll removes every subscription owned by the subscriber.
// The plugin manager calls this during teardown so no handler outlives
// its owning plugin.
func (b *Bus) UnsubscribeAll(subscriber string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for pattern, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.subscriber == subscriber {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.subs, pattern)
			b.matcher.Remove(pattern)
		} else {
			b.subs[pattern] = kept
		}
	}
	return removed
}

// Publish records the event in history and dispatches it to every
// matching handler before returning. Handlers run in tier order (high,
// normal, low); the tier is taken from the event itself, so one publish
// populates a single tier and order within it reduces to registration
// order. A handler error or panic is counted and logged; it never stops
// dispatch or surfaces to the publisher.
func (b *Bus) Publish(e Event) error {
	return b.PublishContext(context.Background(), e)
}

// PublishContext is Publish with the publisher's context threaded to
// every handler. Script runtimes publish with a context identifying the
// interpreter currently executing, so a handler owned by the same
// plugin can run without self-deadlocking.
func (b *Bus) PublishContext(ctx context.Context, e Event) error {
	if !e.Name.IsValid() || e.Name.IsPattern() {
		return fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	switch e.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		// Dispatch only visits the defined tiers; anything else would be
		// bucketed where no tier ever looks.
		e.Priority = PriorityNormal
	}

	b.hist.add(e)
	b.published.Add(1)

	buckets := b.match(e)
	for _, tier := range tiers {
		for _, sub := range buckets[tier] {
			b.invoke(ctx, sub, e)
		}
	}
	return nil
}

// match snapshots the matching subscriptions grouped into priority
// buckets, ordered by registration within each bucket.
func (b *Bus) match(e Event) map[Priority][]*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*Subscription
	for _, pattern := range b.matcher.Match(e.Name) {
		matched = append(matched, b.subs[pattern]...)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq < matched[j].seq
	})

	buckets := make(map[Priority][]*Subscription, 1)
	buckets[e.Priority] = matched
	return buckets
}

// invoke runs one handler with error and panic isolation.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("event handler panicked",
				"event", e.Name, "subscriber", sub.subscriber, "pattern", sub.pattern, "panic", r)
		}
	}()

	if err := sub.handler(ctx, e); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Error("event handler failed",
			"event", e.Name, "subscriber", sub.subscriber, "pattern", sub.pattern, "error", err)
		return
	}
	b.dispatched.Add(1)
}

// History returns up to count retained events, most recent first,
// optionally filtered with the same glob matching used for dispatch.
// count <= 0 returns all retained events; an empty pattern matches all.
func (b *Bus) History(count int, pattern topic.Topic) []Event {
	return b.hist.recent(count, pattern)
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Dispatched:    b.dispatched.Load(),
		HandlerErrors: b.handlerErrors.Load(),
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Subscriptions returns a snapshot of live subscriptions, for
// diagnostics.
func (b *Bus) Subscriptions() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Subscription
	for _, subs := range b.subs {
		out = append(out, subs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
