// ABOUTME: JSON frames exchanged over the chat WebSocket
// ABOUTME: Inbound frames decode into one flat struct; outbound frames are typed per kind

package chat

import "time"

// Inbound frame types
const (
	InChat           = "chat"
	InInterrupt      = "interrupt"
	InPong           = "pong"
	InAck            = "ack"
	InGetState       = "get_state"
	InResume         = "resume"
	InQuestionAnswer = "question_answer"
)

// Outbound frame types
const (
	OutConnected       = "connected"
	OutPing            = "ping"
	OutThinking        = "thinking"
	OutText            = "text"
	OutToolUseStart    = "tool_use_start"
	OutToolResult      = "tool_result"
	OutUserQuestion    = "user_question"
	OutResult          = "result"
	OutInterrupted     = "interrupted"
	OutState           = "state"
	OutError           = "error"
	OutResumeStarted   = "resume_started"
	OutResumeNotNeeded = "resume_not_needed"
	OutResumeFailed    = "resume_failed"
)

// Attachment references a file the user attached to a chat message
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Inbound is any frame received from the client
type Inbound struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	Files     []Attachment   `json:"files,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Answers   map[string]any `json:"answers,omitempty"`
}

type connectedFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// bareFrame carries only a type and timestamp (ping, thinking)
type bareFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type textFrame struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type toolUseStartFrame struct {
	Type      string         `json:"type"`
	Tool      string         `json:"tool"`
	ToolUseID string         `json:"tool_use_id"`
	Input     map[string]any `json:"input"`
	Timestamp time.Time      `json:"timestamp"`
}

type toolResultFrame struct {
	Type      string    `json:"type"`
	ToolUseID string    `json:"tool_use_id"`
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

type userQuestionFrame struct {
	Type      string    `json:"type"`
	ToolUseID string    `json:"tool_use_id"`
	Questions any       `json:"questions"`
	Timestamp time.Time `json:"timestamp"`
}

// UsagePayload is the usage block of a result frame
type UsagePayload struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	TotalCostUSD             float64 `json:"total_cost_usd"`
	DurationMS               int64   `json:"duration_ms"`
}

type resultFrame struct {
	Type        string       `json:"type"`
	MessageID   string       `json:"message_id,omitempty"`
	Usage       UsagePayload `json:"usage"`
	Interrupted bool         `json:"interrupted"`
	Timestamp   time.Time    `json:"timestamp"`
}

type interruptedFrame struct {
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	PartialSaved bool      `json:"partial_saved"`
	Timestamp    time.Time `json:"timestamp"`
}

type stateFrame struct {
	Type               string    `json:"type"`
	SessionID          string    `json:"session_id"`
	ConnectionState    string    `json:"connection_state"`
	IsProcessing       bool      `json:"is_processing"`
	HasPartialResponse bool      `json:"has_partial_response"`
	IsWaitingForAnswer bool      `json:"is_waiting_for_answer"`
	PendingAcks        int       `json:"pending_acks"`
	LastActivity       time.Time `json:"last_activity"`
	Timestamp          time.Time `json:"timestamp"`
}

type errorFrame struct {
	Type      string         `json:"type"`
	Error     string         `json:"error"`
	Code      ErrorCode      `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type resumeFrame struct {
	Type              string    `json:"type"`
	ConversationToken string    `json:"conversation_token,omitempty"`
	Message           string    `json:"message,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func newErrorFrame(code ErrorCode, msg string, details map[string]any) errorFrame {
	return errorFrame{Type: OutError, Error: msg, Code: code, Details: details, Timestamp: time.Now().UTC()}
}

func newTextFrame(content string) textFrame {
	return textFrame{Type: OutText, Content: content, Timestamp: time.Now().UTC()}
}

func newBareFrame(kind string) bareFrame {
	return bareFrame{Type: kind, Timestamp: time.Now().UTC()}
}
