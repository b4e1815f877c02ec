package transcript

import (
	"strings"
	"sync"
)

// DefaultHistorySize is how many committed sentences a session keeps for
// recognition priming when no size is configured.
const DefaultHistorySize = 30

// Context is the session-scoped conversation memory. Finalized segment text
// from every stream is committed into one rolling sentence history, and the
// most recent sentences are handed back to recognition requests as priming
// context alongside an optional static prompt. Safe for concurrent use.
type Context struct {
	prompt string
	size   int

	mu      sync.Mutex
	history []string
}

// NewContext returns a Context that keeps the last size sentences. A size
// of zero or less selects DefaultHistorySize.
func NewContext(prompt string, size int) *Context {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Context{prompt: prompt, size: size}
}

// Commit appends one finalized segment's text to the rolling history. Blank
// text and gap markers contribute nothing.
func (c *Context) Commit(seg Segment) {
	if seg.GapMarker {
		return
	}
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, text)
	if excess := len(c.history) - c.size; excess > 0 {
		c.history = append(c.history[:0], c.history[excess:]...)
	}
}

// RecognitionContext returns the static prompt and a copy of the recent
// sentence history. The history is shared across streams; the stream id is
// accepted for interface compatibility and ignored.
func (c *Context) RecognitionContext(string) (prompt string, history []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.history))
	copy(out, c.history)
	return c.prompt, out
}

// Reset clears the history, typically between sessions.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
}
