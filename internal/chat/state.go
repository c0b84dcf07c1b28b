// ABOUTME: Per-connection session state guarded by a single mutex
// ABOUTME: Tracks the in-flight turn, its partial response, the pending question, and acks

package chat

import (
	"strings"
	"sync"
	"time"
)

// ConnectionState is the lifecycle stage of a chat connection
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateProcessing
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateProcessing:
		return "processing"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Turn identifies one in-flight turn. Done is closed when the turn is
// interrupted or its connection goes away.
type Turn struct {
	ID        uint64
	StartedAt time.Time
	done      chan struct{}
}

// Done returns a channel closed when the turn is cancelled
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

type activeTurn struct {
	*Turn
	userMessage string
	partial     strings.Builder
}

// question is the single outstanding user question of a session
type question struct {
	toolUseID string
	questions any
	signal    chan struct{}
	answer    map[string]any
	answered  bool
}

// CancelledTurn is what an interrupt takes over from the turn it stopped
type CancelledTurn struct {
	TurnID      uint64
	UserMessage string
	Partial     string
}

// Snapshot is a point-in-time copy of the session state
type Snapshot struct {
	ConnectionState    ConnectionState
	IsProcessing       bool
	HasPartialResponse bool
	IsWaitingForAnswer bool
	PendingAcks        int
	LastActivity       time.Time
}

// SessionState holds all mutable per-session fields. The connection handler,
// turn orchestrator, and question gate each mutate their own fields through
// these methods.
type SessionState struct {
	mu           sync.Mutex
	connState    ConnectionState
	lastActivity time.Time
	pendingAcks  map[string]bool
	interactive  bool
	nextTurnID   uint64
	turn         *activeTurn
	question     *question
}

// NewSessionState creates state for a new connection
func NewSessionState(interactive bool) *SessionState {
	return &SessionState{
		connState:    StateConnecting,
		lastActivity: time.Now(),
		pendingAcks:  make(map[string]bool),
		interactive:  interactive,
	}
}

// SetConnectionState records a lifecycle transition
func (s *SessionState) SetConnectionState(cs ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connState = cs
}

// Interactive reports whether questions are relayed to the client
func (s *SessionState) Interactive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactive
}

// Touch records client activity
func (s *SessionState) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the last inbound frame
func (s *SessionState) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginTurn marks the session as processing. It fails with ErrAlreadyProcessing
// if a turn is already in flight.
func (s *SessionState) BeginTurn(userMessage string) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != nil {
		return nil, ErrAlreadyProcessing
	}
	s.nextTurnID++
	t := &activeTurn{
		Turn:        &Turn{ID: s.nextTurnID, StartedAt: time.Now(), done: make(chan struct{})},
		userMessage: userMessage,
	}
	s.turn = t
	s.connState = StateProcessing
	return t.Turn, nil
}

// IsProcessing reports whether any turn is in flight
func (s *SessionState) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil
}

// TurnActive reports whether the given turn is still the one in flight
func (s *SessionState) TurnActive(turnID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil && s.turn.ID == turnID
}

// AppendPartial mirrors streamed text into the partial-response buffer
func (s *SessionState) AppendPartial(turnID uint64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != nil && s.turn.ID == turnID {
		s.turn.partial.WriteString(text)
	}
}

// ResetPartial discards the partial response of turnID, used before a retry
func (s *SessionState) ResetPartial(turnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != nil && s.turn.ID == turnID {
		s.turn.partial.Reset()
	}
}

// CancelTurn stops the in-flight turn and hands back what it had produced.
// The session is no longer processing when it returns.
func (s *SessionState) CancelTurn() (*CancelledTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.turn
	if t == nil {
		return nil, false
	}
	close(t.done)
	s.turn = nil
	if s.connState == StateProcessing {
		s.connState = StateConnected
	}
	return &CancelledTurn{
		TurnID:      t.ID,
		UserMessage: t.userMessage,
		Partial:     t.partial.String(),
	}, true
}

// EndTurn clears the processing mark if turnID is still current. It reports
// false when the turn was already cancelled or superseded.
func (s *SessionState) EndTurn(turnID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn == nil || s.turn.ID != turnID {
		return false
	}
	s.turn = nil
	if s.connState == StateProcessing {
		s.connState = StateConnected
	}
	return true
}

// OpenQuestion records an outstanding question and returns the channel that
// fires when it is answered.
func (s *SessionState) OpenQuestion(toolUseID string, questions any) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.question != nil {
		return nil, ErrQuestionPending
	}
	q := &question{
		toolUseID: toolUseID,
		questions: questions,
		signal:    make(chan struct{}),
	}
	s.question = q
	return q.signal, nil
}

// AnswerQuestion delivers answers for the pending question. The tool use ID
// must match; a mismatch leaves the question waiting.
func (s *SessionState) AnswerQuestion(toolUseID string, answers map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.question
	if q == nil || q.answered {
		return ErrNoPendingQuestion
	}
	if q.toolUseID != toolUseID {
		return ErrToolUseIDMismatch
	}
	q.answer = answers
	q.answered = true
	close(q.signal)
	return nil
}

// TakeAnswer clears the question for toolUseID and returns its answer, if any
func (s *SessionState) TakeAnswer(toolUseID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.question
	if q == nil || q.toolUseID != toolUseID {
		return nil, false
	}
	s.question = nil
	return q.answer, q.answered
}

// PendingQuestion returns the outstanding question's tool use ID, or ""
func (s *SessionState) PendingQuestion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return ""
	}
	return s.question.toolUseID
}

// ExpectAck records an outbound message that the client should acknowledge
func (s *SessionState) ExpectAck(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAcks[messageID] = true
}

// Ack marks messageID as acknowledged. It reports false for unknown IDs.
func (s *SessionState) Ack(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingAcks[messageID]; !ok {
		return false
	}
	delete(s.pendingAcks, messageID)
	return true
}

// Snapshot returns a copy of the observable state
func (s *SessionState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ConnectionState:    s.connState,
		IsProcessing:       s.turn != nil,
		HasPartialResponse: s.turn != nil && s.turn.partial.Len() > 0,
		IsWaitingForAnswer: s.question != nil && !s.question.answered,
		PendingAcks:        len(s.pendingAcks),
		LastActivity:       s.lastActivity,
	}
}
