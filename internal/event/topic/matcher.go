package topic

import "sync"

// Matcher indexes patterns in a trie for efficient lookup of every
// pattern matching a concrete topic. Safe for concurrent use.
type Matcher struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode is one segment level of the pattern trie.
type trieNode struct {
	children map[string]*trieNode
	patterns []Topic // patterns terminating at this node
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{root: newTrieNode()}
}

// Add indexes a pattern. Adding the same pattern twice is a no-op.
func (m *Matcher) Add(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			node.children[seg] = newTrieNode()
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return
		}
	}
	node.patterns = append(node.patterns, pattern)
}

// Remove drops a pattern from the index.
func (m *Matcher) Remove(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return
		}
		node = node.children[seg]
	}

	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			return
		}
	}
}

// Match returns every indexed pattern that matches the concrete topic.
func (m *Matcher) Match(eventTopic Topic) []Topic {
	if eventTopic == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Topic
	m.matchRecursive(m.root, eventTopic.Segments(), 0, &matches)
	return matches
}

// matchRecursive walks the trie against the topic segments. A wildcard
// child consumes one or more segments.
func (m *Matcher) matchRecursive(node *trieNode, segments []string, depth int, matches *[]Topic) {
	if node == nil {
		return
	}

	if depth == len(segments) {
		*matches = append(*matches, node.patterns...)
		return
	}

	if child := node.children[segments[depth]]; child != nil {
		m.matchRecursive(child, segments, depth+1, matches)
	}

	if child := node.children[Wildcard]; child != nil {
		for next := depth + 1; next <= len(segments); next++ {
			m.matchRecursive(child, segments, next, matches)
		}
	}
}

// Patterns returns all indexed patterns.
func (m *Matcher) Patterns() []Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var patterns []Topic
	collectPatterns(m.root, &patterns)
	return patterns
}

func collectPatterns(node *trieNode, patterns *[]Topic) {
	if node == nil {
		return
	}
	*patterns = append(*patterns, node.patterns...)
	for _, child := range node.children {
		collectPatterns(child, patterns)
	}
}

// Count returns the number of indexed patterns.
func (m *Matcher) Count() int {
	return len(m.Patterns())
}

// Clear removes all patterns.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = newTrieNode()
}
