// ABOUTME: In-memory registry of live chat connections keyed by session ID
// ABOUTME: A Session bundles the connection writer with its SessionState

package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// frameWriter writes one JSON frame to the client
type frameWriter interface {
	WriteFrame(ctx context.Context, v any) error
}

// Session is the handle for one physical client connection
type Session struct {
	ID            string
	ProjectID     string
	WorkspacePath string
	Model         string
	State         *SessionState

	// outMu orders turn output against cancellation
	outMu       sync.Mutex
	conn        frameWriter
	sendTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

func newSession(ctx context.Context, id string, info *SessionInfo, conn frameWriter, interactive bool, sendTimeout time.Duration, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:            id,
		ProjectID:     info.ProjectID,
		WorkspacePath: info.WorkspacePath,
		Model:         info.Model,
		State:         NewSessionState(interactive),
		conn:          conn,
		sendTimeout:   sendTimeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With("session_id", id),
	}
}

// Context is cancelled when the connection goes away
func (s *Session) Context() context.Context {
	return s.ctx
}

// Send writes a frame, bounded by the send timeout
func (s *Session) Send(frame any) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.sendTimeout)
	defer cancel()
	return s.conn.WriteFrame(ctx, frame)
}

// SendForTurn writes a frame only while turnID is still in flight. It
// reports false once the turn has been cancelled.
func (s *Session) SendForTurn(turnID uint64, frame any) (bool, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if !s.State.TurnActive(turnID) {
		return false, nil
	}
	return true, s.Send(frame)
}

// CancelTurn stops the in-flight turn. No frame of that turn is sent after it returns.
func (s *Session) CancelTurn() (*CancelledTurn, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.State.CancelTurn()
}

// cancelTurnID is CancelTurn limited to a specific turn
func (s *Session) cancelTurnID(turnID uint64) (*CancelledTurn, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if !s.State.TurnActive(turnID) {
		return nil, false
	}
	return s.State.CancelTurn()
}

// completeTurn runs finish while turnID still owns the session's output, so an
// interrupt or disconnect cannot cancel it midway. It reports false without
// calling finish if the turn was already cancelled.
func (s *Session) completeTurn(turnID uint64, finish func()) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if !s.State.TurnActive(turnID) {
		return false
	}
	finish()
	return true
}

// sendError writes an error frame and logs delivery failures
func (s *Session) sendError(code ErrorCode, msg string, details map[string]any) {
	if err := s.Send(newErrorFrame(code, msg, details)); err != nil {
		s.logger.Debug("failed to send error frame", "code", code, "error", err)
	}
}

// Registry maps session IDs to their live connection
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs s as the live connection for its session ID and returns
// the connection it replaced, if any.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.ID]
	r.sessions[s.ID] = s
	return prev
}

// Remove unregisters s. It is a no-op if a newer connection has taken its place.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID] != s {
		return false
	}
	delete(r.sessions, s.ID)
	return true
}

// IsRegistered reports whether s is still the live connection for its session
func (r *Registry) IsRegistered(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[s.ID] == s
}

// Get returns the live connection for a session ID
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// LastActivity returns when the session's client was last heard from.
// External reapers can use it to enforce a pong timeout.
func (r *Registry) LastActivity(sessionID string) (time.Time, bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return time.Time{}, false
	}
	return s.State.LastActivity(), true
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the live connections
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
