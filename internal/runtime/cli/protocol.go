// ABOUTME: Wire types for the agent CLI stream-json protocol
// ABOUTME: One JSON object per line on stdin and stdout, discriminated by "type"

package cli

import (
	"encoding/json"
	"strings"
)

// Line types
const (
	TypeSystem          = "system"
	TypeUser            = "user"
	TypeAssistant       = "assistant"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Control subtypes
const (
	SubtypeInit       = "init"
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInterrupt  = "interrupt"
	SubtypeSuccess    = "success"
	SubtypeError      = "error"
)

// Envelope is one protocol line. Fields are populated according to Type.
type Envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *Message `json:"message,omitempty"`

	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Message carries either a plain string (user prompts) or a block list
type Message struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Block is one content block inside a Message
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage is the token accounting attached to a result line
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// ControlRequest is sent in both directions: the CLI asks for tool permission,
// the host asks the CLI to interrupt.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponse answers a ControlRequest
type ControlResponse struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// UserPrompt builds the stdin line that starts a turn
func UserPrompt(text string) Envelope {
	content, _ := json.Marshal(text)
	return Envelope{
		Type:    TypeUser,
		Message: &Message{Role: "user", Content: content},
	}
}

// AllowResponse builds a permission grant
func AllowResponse(requestID string, updatedInput map[string]any) Envelope {
	if updatedInput == nil {
		updatedInput = map[string]any{}
	}
	return Envelope{
		Type: TypeControlResponse,
		Response: &ControlResponse{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response:  map[string]any{"behavior": "allow", "updatedInput": updatedInput},
		},
	}
}

// DenyResponse builds a permission refusal
func DenyResponse(requestID, reason string) Envelope {
	return Envelope{
		Type: TypeControlResponse,
		Response: &ControlResponse{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response:  map[string]any{"behavior": "deny", "message": reason},
		},
	}
}

// Blocks decodes the message content as a block list. A plain string becomes
// a single text block.
func (m *Message) Blocks() ([]Block, error) {
	if m == nil || len(m.Content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []Block{{Type: "text", Text: s}}, nil
	}
	var blocks []Block
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Text returns the message content flattened to text
func (m *Message) Text() string {
	blocks, err := m.Blocks()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ResultText flattens a tool_result content field, which may be a string or
// a list of text blocks.
func ResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
