// ABOUTME: Tests for the project configuration loader
// ABOUTME: Uses a real SQLite store in a temp dir

package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func newTestLoader(t *testing.T) (*Loader, *store.SQLiteStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(store.DriverModernc, filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewLoader(s, filepath.Join(dir, "workspaces"), "default"), s
}

func TestLoad_Defaults(t *testing.T) {
	l, s := newTestLoader(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, &store.Project{ID: "p1", Name: "Widgets", APIKey: "sk-1"}))

	b, err := l.Load(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, l.WorkspacePath("p1"), b.WorkspacePath)
	info, err := os.Stat(b.WorkspacePath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, DefaultAllowedTools, b.AllowedTools)
	assert.Contains(t, b.SystemPrompt, "Widgets")
	assert.Contains(t, b.SystemPrompt, b.WorkspacePath)
	assert.NoError(t, l.ValidateAPIKey(b))
}

func TestLoad_ProjectSettings(t *testing.T) {
	l, s := newTestLoader(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, &store.Project{
		ID:           "p1",
		SystemPrompt: "Only answer in haiku.",
		AllowedTools: []string{"Read"},
		Model:        "opus",
	}))

	b, err := l.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Only answer in haiku.", b.SystemPrompt)
	assert.Equal(t, []string{"Read"}, b.AllowedTools)
	assert.Equal(t, "opus", b.Model)
	assert.ErrorIs(t, l.ValidateAPIKey(b), ErrAPIKeyNotConfigured)
}

func TestLoad_NotFound(t *testing.T) {
	l, _ := newTestLoader(t)
	_, err := l.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestBuildRuntimeOptions(t *testing.T) {
	l, _ := newTestLoader(t)
	b := &Bundle{
		Project:       &store.Project{ID: "p1", APIKey: "sk-xyz"},
		WorkspacePath: "/work/p1",
		SystemPrompt:  "prompt",
		AllowedTools:  []string{"Read", "Bash"},
		Model:         "sonnet",
	}

	opts := l.BuildRuntimeOptions(b, "")
	assert.Equal(t, "prompt", opts.SystemPrompt)
	assert.Equal(t, []string{"Read", "Bash"}, opts.AllowedTools)
	assert.Equal(t, "/work/p1", opts.WorkingDir)
	assert.Equal(t, "sk-xyz", opts.Env[APIKeyEnv])
	assert.Equal(t, "default", opts.PermissionMode)
	assert.Empty(t, opts.ResumeToken)

	opts = l.BuildRuntimeOptions(b, "conv-9")
	assert.Equal(t, "conv-9", opts.ResumeToken)

	opts.AllowedTools[0] = "Write"
	assert.Equal(t, "Read", b.AllowedTools[0])
}
