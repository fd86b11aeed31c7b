// Package topic defines dot-segmented event names and glob pattern
// matching over them.
//
// Patterns use a single wildcard: "*" matches any non-empty sequence of
// segments. "trivia.*" matches "trivia.started" and "trivia.round.ended"
// but not "trivia" itself; a bare "*" matches every topic.
package topic

import "strings"

// Topic is a hierarchical event name using dot notation.
// Examples: "chat.message", "trivia.started", "plugin.greeter.enabled".
type Topic string

// Pattern syntax constants.
const (
	// Wildcard matches one or more segments.
	Wildcard = "*"

	// Separator divides topic segments.
	Separator = "."
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// IsPattern reports whether the topic contains a wildcard.
func (t Topic) IsPattern() bool {
	return strings.Contains(string(t), Wildcard)
}

// IsValid reports whether the topic is well formed: non-empty, no
// leading/trailing separator, no empty segments.
func (t Topic) IsValid() bool {
	s := string(t)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return false
	}
	return !strings.Contains(s, Separator+Separator)
}

// Matches reports whether this concrete topic matches the given pattern.
func (t Topic) Matches(pattern Topic) bool {
	return matchSegments(t.Segments(), pattern.Segments())
}

// matchSegments performs recursive glob matching on segments.
func matchSegments(topic, pattern []string) bool {
	ti, pi := 0, 0

	for pi < len(pattern) {
		if pattern[pi] == Wildcard {
			// The wildcard must consume at least one segment; try every
			// possible split of the remainder.
			for next := ti + 1; next <= len(topic); next++ {
				if matchSegments(topic[next:], pattern[pi+1:]) {
					return true
				}
			}
			return false
		}

		if ti >= len(topic) || pattern[pi] != topic[ti] {
			return false
		}
		ti++
		pi++
	}

	return ti == len(topic)
}

// Join joins segments into a topic.
func Join(segments ...string) Topic {
	return Topic(strings.Join(segments, Separator))
}
