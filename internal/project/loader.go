// ABOUTME: Loads per-project agent configuration and turns it into runtime options
// ABOUTME: Validates API keys and fills in default prompts and tool allow-lists

package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-chat/internal/runtime"
	"github.com/2389/coven-chat/internal/store"
)

// ErrProjectNotFound is returned when the project does not exist
var ErrProjectNotFound = errors.New("project not found")

// ErrAPIKeyNotConfigured is returned when the project has no API key
var ErrAPIKeyNotConfigured = errors.New("API key not configured for this project")

// DefaultAllowedTools is used when a project leaves its allow-list empty
var DefaultAllowedTools = []string{
	"Read", "Write", "Edit", "Glob", "Grep", "Bash", "WebFetch", "WebSearch", "TodoWrite", "AskUserQuestion",
}

// APIKeyEnv is the environment variable the runtime reads its API key from
const APIKeyEnv = "ANTHROPIC_API_KEY"

// Bundle is everything needed to configure a runtime client for a project
type Bundle struct {
	Project       *store.Project
	WorkspacePath string
	SystemPrompt  string
	AllowedTools  []string
	Model         string
}

// Loader reads project configuration from the store
type Loader struct {
	projects       store.ProjectStore
	workspaceBase  string
	permissionMode string
}

// NewLoader creates a Loader. Workspaces live under workspaceBase/<project_id>.
func NewLoader(projects store.ProjectStore, workspaceBase, permissionMode string) *Loader {
	return &Loader{
		projects:       projects,
		workspaceBase:  workspaceBase,
		permissionMode: permissionMode,
	}
}

// WorkspacePath returns the workspace directory for a project
func (l *Loader) WorkspacePath(projectID string) string {
	return filepath.Join(l.workspaceBase, projectID)
}

// EnsureWorkspace creates the project's workspace directory if needed
func (l *Loader) EnsureWorkspace(projectID string) (string, error) {
	path := l.WorkspacePath(projectID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return path, nil
}

// Load returns the configuration bundle for a project.
// Returns ErrProjectNotFound if the project doesn't exist.
func (l *Loader) Load(ctx context.Context, projectID string) (*Bundle, error) {
	p, err := l.projects.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	workspace, err := l.EnsureWorkspace(projectID)
	if err != nil {
		return nil, err
	}

	tools := p.AllowedTools
	if len(tools) == 0 {
		tools = DefaultAllowedTools
	}

	prompt := strings.TrimSpace(p.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt(p.Name, workspace)
	}

	return &Bundle{
		Project:       p,
		WorkspacePath: workspace,
		SystemPrompt:  prompt,
		AllowedTools:  append([]string{}, tools...),
		Model:         p.Model,
	}, nil
}

// ValidateAPIKey checks that the project has an API key
func (l *Loader) ValidateAPIKey(b *Bundle) error {
	if b == nil || b.Project == nil || strings.TrimSpace(b.Project.APIKey) == "" {
		return ErrAPIKeyNotConfigured
	}
	return nil
}

// BuildRuntimeOptions converts a bundle into runtime options. An empty
// resumeToken starts a fresh upstream conversation.
func (l *Loader) BuildRuntimeOptions(b *Bundle, resumeToken string) runtime.Options {
	env := map[string]string{}
	if b.Project != nil && b.Project.APIKey != "" {
		env[APIKeyEnv] = b.Project.APIKey
	}
	return runtime.Options{
		SystemPrompt:   b.SystemPrompt,
		AllowedTools:   append([]string{}, b.AllowedTools...),
		Model:          b.Model,
		WorkingDir:     b.WorkspacePath,
		Env:            env,
		PermissionMode: l.permissionMode,
		ResumeToken:    resumeToken,
	}
}

func defaultSystemPrompt(name, workspace string) string {
	if name == "" {
		name = "this project"
	}
	return fmt.Sprintf(
		"You are a coding assistant working on %s. Your workspace is %s; "+
			"keep all file operations inside it. Ask the user with AskUserQuestion "+
			"when a decision needs their input.",
		name, workspace,
	)
}
