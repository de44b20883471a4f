package coordinator

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// SessionState is the lifecycle stage of one worker connection.
type SessionState string

const (
	// StateHandshaking means the connection is accepted and not yet authenticated
	StateHandshaking SessionState = "handshaking"
	// StateAuthenticated means both sides proved the shared secret
	StateAuthenticated SessionState = "authenticated"
	// StateDistributed means every configured function was sent and the
	// connection was closed cleanly
	StateDistributed SessionState = "distributed"
	// StateFailed means the connection closed with an error
	StateFailed SessionState = "failed"
)

// Session records what happened on one accepted connection.
// Thread-safe: Protected by Tracker's mutex when accessed.
type Session struct {
	Opened        time.Time    `json:"opened" yaml:"opened"`                           // When the connection was accepted
	Closed        time.Time    `json:"closed,omitempty" yaml:"closed,omitempty"`       // Zero while the connection is open
	ID            string       `json:"id" yaml:"id"`                                   // Connection id, shared with the conn logger
	Remote        string       `json:"remote" yaml:"remote"`                           // Peer address
	State         SessionState `json:"state" yaml:"state"`                             // Current lifecycle stage
	Err           string       `json:"error,omitempty" yaml:"error,omitempty"`         // Why the session failed
	Functions     []string     `json:"functions,omitempty" yaml:"functions,omitempty"` // Names sent, in distribution order
	Authenticated bool         `json:"authenticated" yaml:"authenticated"`             // Whether the handshake completed
}

// Summary aggregates all sessions a server has seen.
type Summary struct {
	Accepted      int `json:"accepted" yaml:"accepted"`
	Authenticated int `json:"authenticated" yaml:"authenticated"`
	Distributed   int `json:"distributed" yaml:"distributed"`
	Failed        int `json:"failed" yaml:"failed"`
	Active        int `json:"active" yaml:"active"`
}

// DefaultHistory is the number of closed sessions a Tracker retains.
const DefaultHistory = 1024

// Tracker keeps one Session per connection the server accepted. Open
// sessions are always kept; closed ones are retained up to a history
// limit, oldest evicted first. Counts survive eviction.
// Thread-safe: All methods are safe for concurrent access.
type Tracker struct {
	sessions map[string]*Session // Open and retained closed sessions
	closed   []string            // Retained closed ids, oldest first
	history  int                 // Closed sessions to retain
	totals   Summary             // Running counts, Active derived on read
	onClose  func(Session)       // Callback invoked as each session closes
	mu       sync.RWMutex        // Protects all fields
}

// NewTracker creates an empty tracker retaining DefaultHistory closed
// sessions.
func NewTracker() *Tracker {
	return NewBoundedTracker(DefaultHistory)
}

// NewBoundedTracker creates an empty tracker that retains at most history
// closed sessions. A non-positive history retains none; Summary still
// counts every session.
//
// Parameters:
//   - history: Closed sessions kept for Get and All
//
// Returns:
//   - *Tracker: Tracker ready to pass to WithTracker
//
// Example:
//
//	srv := coordinator.New(cfg, coordinator.WithTracker(coordinator.NewBoundedTracker(100)))
func NewBoundedTracker(history int) *Tracker {
	if history < 0 {
		history = 0
	}
	return &Tracker{
		sessions: make(map[string]*Session),
		history:  history,
	}
}

// SetOnClose registers a callback invoked with a copy of each session as it
// closes. The callback runs without the tracker lock held.
//
// Example:
//
//	tracker.SetOnClose(func(s coordinator.Session) {
//	    log.Info("session closed", zap.String("id", s.ID), zap.String("state", string(s.State)))
//	})
func (t *Tracker) SetOnClose(fn func(Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Open starts tracking a connection. Opening an id twice is a no-op.
func (t *Tracker) Open(id, remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[id]; exists {
		return
	}
	t.sessions[id] = &Session{
		ID:     id,
		Remote: remote,
		State:  StateHandshaking,
		Opened: time.Now(),
	}
	t.totals.Accepted++
}

// MarkAuthenticated records a completed handshake.
func (t *Tracker) MarkAuthenticated(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || !s.Closed.IsZero() || s.Authenticated {
		return
	}
	s.State = StateAuthenticated
	s.Authenticated = true
	t.totals.Authenticated++
}

// MarkDistributed records the functions sent on a connection.
func (t *Tracker) MarkDistributed(id string, functions []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.Functions = append([]string(nil), functions...)
	}
}

// Close records the end of a connection and may evict the oldest closed
// session. Closing an unknown or already closed id is a no-op.
//
// Parameters:
//   - id: Connection id passed to Open
//   - err: Error the connection ended with, nil for a clean disconnect
//
// A clean close after the handshake marks the session distributed; an
// error, or a clean close before the handshake, marks it failed.
func (t *Tracker) Close(id string, err error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok || !s.Closed.IsZero() {
		t.mu.Unlock()
		return
	}
	s.Closed = time.Now()
	switch {
	case err != nil:
		s.State = StateFailed
		s.Err = err.Error()
	case s.Authenticated:
		s.State = StateDistributed
	default:
		s.State = StateFailed
		s.Err = "closed before authentication"
	}
	if s.State == StateDistributed {
		t.totals.Distributed++
	} else {
		t.totals.Failed++
	}
	snapshot := copySession(s)
	t.retain(id)
	cb := t.onClose
	t.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// retain queues a closed id and evicts beyond the history limit.
// Caller must hold t.mu.
func (t *Tracker) retain(id string) {
	t.closed = append(t.closed, id)
	for len(t.closed) > t.history {
		delete(t.sessions, t.closed[0])
		t.closed = t.closed[1:]
	}
}

// Get returns a copy of the session, or nil if the id is unknown or was
// evicted.
func (t *Tracker) Get(id string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil
	}
	c := copySession(s)
	return &c
}

// All returns copies of every open and retained session ordered by open
// time.
func (t *Tracker) All() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, copySession(s))
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		return a.Opened.Compare(b.Opened)
	})
	return out
}

// Summary counts every session ever opened by outcome, evicted ones
// included.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sum := t.totals
	sum.Active = sum.Accepted - sum.Distributed - sum.Failed
	return sum
}

func copySession(s *Session) Session {
	c := *s
	c.Functions = append([]string(nil), s.Functions...)
	return c
}
