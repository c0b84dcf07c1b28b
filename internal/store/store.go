// ABOUTME: Store interfaces and data types for coven-chat persistence
// ABOUTME: Defines Project, Session, Message, and usage types plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose ID already exists
var ErrDuplicate = errors.New("already exists")

// Project holds the per-project agent configuration and spend limits.
// A zero cost limit means the window is unlimited.
type Project struct {
	ID               string
	Name             string
	APIKey           string
	SystemPrompt     string
	AllowedTools     []string
	Model            string
	CostLimitDaily   float64
	CostLimitWeekly  float64
	CostLimitMonthly float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is the durable record behind a chat connection
type Session struct {
	ID                  string
	ProjectID           string
	Name                string
	Model               string // overrides the project model when set
	ConversationToken   string
	IsProcessing        bool
	ProcessingStartedAt *time.Time
	TotalTokens         int64
	TotalCostUSD        float64
	MessageCount        int
	LastActivityAt      time.Time
	CreatedAt           time.Time
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one ordered unit of a message: text, a tool invocation, or a tool result
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is one entry of a session's durable history
type Message struct {
	ID         string
	SessionID  string
	Role       string
	Content    []ContentBlock
	IsComplete bool
	CreatedAt  time.Time
}

// ProcessingState is the durable in-flight marker for a session
type ProcessingState struct {
	IsProcessing bool
	StartedAt    *time.Time
}

// UsageRecord captures the counters reported for one completed turn
type UsageRecord struct {
	ID               string
	SessionID        string
	ProjectID        string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	DurationMS       int64
	CreatedAt        time.Time
}

// TotalTokens returns input plus output tokens
func (u *UsageRecord) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// ProjectStore persists projects
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
}

// SessionStore persists session records and their durable turn state
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetConversationToken(ctx context.Context, sessionID string) (string, error)
	SetConversationToken(ctx context.Context, sessionID, token string) error
	SetProcessing(ctx context.Context, sessionID string, processing bool) error
	GetProcessingState(ctx context.Context, sessionID string) (*ProcessingState, error)
	TouchSession(ctx context.Context, sessionID string) error
}

// MessageStore persists session history
type MessageStore interface {
	AppendMessages(ctx context.Context, sessionID string, msgs []*Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// UsageStore records per-turn usage and aggregates spend
type UsageStore interface {
	AddUsage(ctx context.Context, rec *UsageRecord) error
	CostSince(ctx context.Context, projectID string, since time.Time) (float64, error)
	ListSessionUsage(ctx context.Context, sessionID string) ([]*UsageRecord, error)
}

// Store combines all persistence operations
type Store interface {
	ProjectStore
	SessionStore
	MessageStore
	UsageStore
	Close() error
}
