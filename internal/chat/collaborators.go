// ABOUTME: Interfaces the orchestrator consumes and their store-backed implementations
// ABOUTME: Session lookup, config loading, quota checks, and durable history

package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/project"
	"github.com/2389/coven-chat/internal/runtime"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/usage"
)

// SessionInfo is what the handler needs to know about a session on connect
type SessionInfo struct {
	ProjectID     string
	WorkspacePath string
	Model         string // overrides the project model when set
}

// SessionLookup resolves a session ID. Unknown sessions return ErrSessionNotFound.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*SessionInfo, error)
}

// ConfigLoader produces runtime configuration for a project
type ConfigLoader interface {
	Load(ctx context.Context, projectID string) (*project.Bundle, error)
	ValidateAPIKey(b *project.Bundle) error
	BuildRuntimeOptions(b *project.Bundle, resumeToken string) runtime.Options
}

// UsageGuard checks project spend before a turn starts
type UsageGuard interface {
	CheckQuota(ctx context.Context, projectID string) (*usage.QuotaStatus, error)
}

// HistoryStore is the durable side of a session
type HistoryStore interface {
	GetHistory(ctx context.Context, sessionID string) ([]*store.Message, error)
	AppendHistory(ctx context.Context, sessionID string, msgs []*store.Message) error
	GetConversationToken(ctx context.Context, sessionID string) (string, error)
	SetConversationToken(ctx context.Context, sessionID, token string) error
	SetProcessingFlag(ctx context.Context, sessionID string, processing bool) error
	GetProcessingState(ctx context.Context, sessionID string) (*store.ProcessingState, error)
	UpdateUsageCounters(ctx context.Context, sessionID string, rec *store.UsageRecord) error
	TouchSession(ctx context.Context, sessionID string) error
}

// StoreSessionLookup resolves sessions from the store and prepares their workspace
type StoreSessionLookup struct {
	Sessions   store.SessionStore
	Workspaces *project.Loader
}

// Get implements SessionLookup
func (l *StoreSessionLookup) Get(ctx context.Context, sessionID string) (*SessionInfo, error) {
	sess, err := l.Sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	workspace, err := l.Workspaces.EnsureWorkspace(sess.ProjectID)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{ProjectID: sess.ProjectID, WorkspacePath: workspace, Model: sess.Model}, nil
}

// historyLimit bounds how much history is replayed into a fresh conversation
const historyLimit = 40

// StoreHistory adapts the SQLite store to HistoryStore
type StoreHistory struct {
	Store store.Store
}

// GetHistory returns the session's most recent messages, oldest first
func (h *StoreHistory) GetHistory(ctx context.Context, sessionID string) ([]*store.Message, error) {
	return h.Store.ListMessages(ctx, sessionID, historyLimit)
}

// AppendHistory writes this turn's new messages
func (h *StoreHistory) AppendHistory(ctx context.Context, sessionID string, msgs []*store.Message) error {
	return h.Store.AppendMessages(ctx, sessionID, msgs)
}

// GetConversationToken returns the stored upstream conversation token
func (h *StoreHistory) GetConversationToken(ctx context.Context, sessionID string) (string, error) {
	return h.Store.GetConversationToken(ctx, sessionID)
}

// SetConversationToken stores or clears the upstream conversation token
func (h *StoreHistory) SetConversationToken(ctx context.Context, sessionID, token string) error {
	return h.Store.SetConversationToken(ctx, sessionID, token)
}

// SetProcessingFlag sets the durable in-flight marker
func (h *StoreHistory) SetProcessingFlag(ctx context.Context, sessionID string, processing bool) error {
	return h.Store.SetProcessing(ctx, sessionID, processing)
}

// GetProcessingState returns the durable in-flight marker
func (h *StoreHistory) GetProcessingState(ctx context.Context, sessionID string) (*store.ProcessingState, error) {
	return h.Store.GetProcessingState(ctx, sessionID)
}

// UpdateUsageCounters records the turn's usage against the session
func (h *StoreHistory) UpdateUsageCounters(ctx context.Context, sessionID string, rec *store.UsageRecord) error {
	rec.SessionID = sessionID
	return h.Store.AddUsage(ctx, rec)
}

// TouchSession records activity on the durable session
func (h *StoreHistory) TouchSession(ctx context.Context, sessionID string) error {
	return h.Store.TouchSession(ctx, sessionID)
}

var (
	_ SessionLookup = (*StoreSessionLookup)(nil)
	_ HistoryStore  = (*StoreHistory)(nil)
	_ ConfigLoader  = (*project.Loader)(nil)
	_ UsageGuard    = (*usage.Guard)(nil)
)
