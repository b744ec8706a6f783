package run

import "sync"

// Token is a per-run cancellation signal. The runner selects on Done
// at suspension points; Reason is valid after Done closes.
type Token struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	reason string
}

// NewToken creates an unsignaled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Done returns a channel closed when the run is cancelled.
func (t *Token) Done() <-chan struct{} { return t.done }

// Cancelled reports whether the token has been signaled.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, empty if not cancelled.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Token) signal(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// CancelRegistry tracks cancellation tokens for in-flight runs.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{tokens: make(map[string]*Token)}
}

// Register creates and tracks a token for a run. Registering an
// already-tracked run returns the existing token.
func (c *CancelRegistry) Register(runID string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tokens[runID]; ok {
		return t
	}
	t := NewToken()
	c.tokens[runID] = t
	return t
}

// Signal cancels the run's token if one is registered. Signaling an
// unknown run registers a pre-cancelled token so a runner that starts
// afterwards observes it immediately.
func (c *CancelRegistry) Signal(runID, reason string) {
	c.mu.Lock()
	t, ok := c.tokens[runID]
	if !ok {
		t = NewToken()
		c.tokens[runID] = t
	}
	c.mu.Unlock()
	t.signal(reason)
}

// Release drops the run's token once the run reaches a terminal state.
func (c *CancelRegistry) Release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, runID)
}

// Active returns the number of tracked tokens.
func (c *CancelRegistry) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}
