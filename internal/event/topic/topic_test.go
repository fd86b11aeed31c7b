package topic

import "testing"

func TestSegments(t *testing.T) {
	tests := []struct {
		topic Topic
		want  []string
	}{
		{"", nil},
		{"chat", []string{"chat"}},
		{"chat.message", []string{"chat", "message"}},
		{"trivia.round.ended", []string{"trivia", "round", "ended"}},
	}

	for _, tt := range tests {
		got := tt.topic.Segments()
		if len(got) != len(tt.want) {
			t.Errorf("Segments(%q) = %v, want %v", tt.topic, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Segments(%q) = %v, want %v", tt.topic, got, tt.want)
				break
			}
		}
	}
}

func TestIsValid(t *testing.T) {
	valid := []Topic{"chat", "chat.message", "a.b.c", "*", "chat.*"}
	for _, tp := range valid {
		if !tp.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", tp)
		}
	}

	invalid := []Topic{"", ".chat", "chat.", "chat..message"}
	for _, tp := range invalid {
		if tp.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", tp)
		}
	}
}

func TestIsPattern(t *testing.T) {
	if Topic("chat.message").IsPattern() {
		t.Error("chat.message should not be a pattern")
	}
	if !Topic("chat.*").IsPattern() {
		t.Error("chat.* should be a pattern")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		// Literal matching.
		{"trivia.started", "trivia.started", true},
		{"trivia.started", "trivia.stopped", false},
		{"trivia", "trivia", true},

		// Trailing wildcard consumes one or more segments.
		{"trivia.started", "trivia.*", true},
		{"trivia.round.ended", "trivia.*", true},
		{"trivia", "trivia.*", false},
		{"quiz.started", "trivia.*", false},

		// Bare wildcard matches everything.
		{"trivia", "*", true},
		{"trivia.started", "*", true},
		{"a.b.c.d", "*", true},

		// Interior wildcard.
		{"plugin.greeter.enabled", "plugin.*.enabled", true},
		{"plugin.a.b.enabled", "plugin.*.enabled", true},
		{"plugin.enabled", "plugin.*.enabled", false},

		// Empty pattern matches nothing.
		{"chat", "", false},
	}

	for _, tt := range tests {
		if got := tt.topic.Matches(tt.pattern); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.topic, tt.pattern, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("chat", "message"); got != "chat.message" {
		t.Errorf("Join = %q, want chat.message", got)
	}
}
