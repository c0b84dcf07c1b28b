// ABOUTME: Contract between the chat orchestrator and the upstream agent runtime
// ABOUTME: Defines runtime options, the tagged event variant, and the tool permission Decider

package runtime

import (
	"context"
	"errors"
)

// ErrClosed is returned when querying a client that has been closed
var ErrClosed = errors.New("runtime client closed")

// Options configures a runtime client for its whole lifetime
type Options struct {
	SystemPrompt   string
	AllowedTools   []string
	Model          string
	WorkingDir     string
	Env            map[string]string
	PermissionMode string
	ResumeToken    string // empty starts a new upstream conversation
}

// EventKind identifies the variant carried by an Event
type EventKind int

const (
	// EventText is a fragment of assistant text
	EventText EventKind = iota
	// EventToolUse is the start of a tool invocation
	EventToolUse
	// EventToolResult is the output of a tool invocation
	EventToolResult
	// EventSummary closes a turn with usage counters
	EventSummary
	// EventError reports an upstream failure; the stream ends after it
	EventError
)

// String returns the event kind name
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventToolUse:
		return "tool_use"
	case EventToolResult:
		return "tool_result"
	case EventSummary:
		return "summary"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolUse describes a tool invocation requested by the model
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the outcome of a tool invocation
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Summary carries the counters reported when a turn completes
type Summary struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreation     int64
	CacheRead         int64
	CostUSD           float64
	DurationMS        int64
	ConversationToken string
	IsError           bool
}

// Event is one item of a turn's event stream. Exactly one payload field
// is set, selected by Kind.
type Event struct {
	Kind       EventKind
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Summary    *Summary
	Err        error
}

// ToolRequest is a permission check raised before the runtime runs a tool
type ToolRequest struct {
	ToolName  string
	ToolUseID string // may be empty when the runtime does not report it
	Input     map[string]any
}

// Decision answers a ToolRequest
type Decision struct {
	Allow        bool
	UpdatedInput map[string]any
	Reason       string // deny reason shown to the model
}

// Allow builds an allowing decision with the given input
func Allow(input map[string]any) Decision {
	return Decision{Allow: true, UpdatedInput: input}
}

// Deny builds a denying decision with the given reason
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Decider answers tool permission checks. Decide may block, for example while
// waiting for a human answer, and must return when ctx is done.
type Decider interface {
	Decide(ctx context.Context, req ToolRequest) Decision
}

// DeciderFunc adapts a function to the Decider interface
type DeciderFunc func(ctx context.Context, req ToolRequest) Decision

// Decide calls f
func (f DeciderFunc) Decide(ctx context.Context, req ToolRequest) Decision {
	return f(ctx, req)
}

// Client is a conversational handle on the upstream runtime. One client keeps
// the upstream context window alive across turns.
type Client interface {
	// Query sends prompt and returns the turn's event stream. The channel is
	// closed after a Summary or Error event. Only one turn runs at a time;
	// Query waits for the previous turn's stream to drain.
	Query(ctx context.Context, prompt string, decider Decider) (<-chan *Event, error)
	// Close shuts the client down. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Factory creates runtime clients
type Factory interface {
	NewClient(ctx context.Context, opts Options) (Client, error)
}
