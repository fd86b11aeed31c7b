package event

import (
	"sync"

	"github.com/wrenbot/wren/internal/event/topic"
)

// DefaultHistoryCapacity is the ring buffer size used when no capacity
// is configured.
const DefaultHistoryCapacity = 100

// history is a fixed-capacity ring buffer of published events. The
// oldest entry is evicted silently on overflow. Nothing is persisted
// across restarts.
type history struct {
	mu    sync.RWMutex
	buf   []Event
	next  int // index of the next write
	count int // number of valid entries, <= cap(buf)
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &history{buf: make([]Event, capacity)}
}

// add records an event, evicting the oldest entry if full.
func (h *history) add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// recent returns up to count events, most recent first, optionally
// filtered by a glob pattern. count <= 0 means no limit.
func (h *history) recent(count int, pattern topic.Topic) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if count <= 0 || count > h.count {
		count = h.count
	}

	var out []Event
	for i := 1; i <= h.count && len(out) < count; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		e := h.buf[idx]
		if pattern != "" && !e.Name.Matches(pattern) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// len returns the number of retained events.
func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
