// ABOUTME: Admin subcommands: create projects and sessions, mint chat tokens
// ABOUTME: Operates on the configured SQLite store directly, no server required

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/store"
)

// defaultTokenTTL is 30 days
const defaultTokenTTL = 30 * 24 * time.Hour

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// splitList turns "a, b,,c" into [a b c]
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// projectFlags parses `project create` arguments into a project
func projectFlags(args []string) (*store.Project, error) {
	fs := flag.NewFlagSet("project create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "project id (default: generated)")
	name := fs.String("name", "", "display name")
	apiKey := fs.String("api-key", "", "upstream API key")
	model := fs.String("model", "", "model name")
	systemPrompt := fs.String("system-prompt", "", "system prompt")
	tools := fs.String("tools", "", "comma-separated allowed tools")
	daily := fs.Float64("daily-limit", 0, "daily cost limit in USD (0 = unlimited)")
	weekly := fs.Float64("weekly-limit", 0, "weekly cost limit in USD (0 = unlimited)")
	monthly := fs.Float64("monthly-limit", 0, "monthly cost limit in USD (0 = unlimited)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if strings.TrimSpace(*name) == "" {
		return nil, errors.New("--name flag is required")
	}
	if *daily < 0 || *weekly < 0 || *monthly < 0 {
		return nil, errors.New("cost limits cannot be negative")
	}

	p := &store.Project{
		ID:               *id,
		Name:             strings.TrimSpace(*name),
		APIKey:           *apiKey,
		SystemPrompt:     *systemPrompt,
		AllowedTools:     splitList(*tools),
		Model:            *model,
		CostLimitDaily:   *daily,
		CostLimitWeekly:  *weekly,
		CostLimitMonthly: *monthly,
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return p, nil
}

func runProject(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || (args[0] != "create" && args[0] != "list") {
		return errors.New("usage: coven-chat project create --name NAME [--api-key KEY] [--model M] [--tools a,b] [--daily-limit USD]\n       coven-chat project list")
	}

	var p *store.Project
	if args[0] == "create" {
		var err error
		if p, err = projectFlags(args[1:]); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if p == nil {
		return listProjects(ctx, s, out)
	}
	return createProject(ctx, s, p, out)
}

func listProjects(ctx context.Context, s store.ProjectStore, out io.Writer) error {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Fprintln(out, "no projects")
		return nil
	}
	for _, p := range projects {
		key := "set"
		if p.APIKey == "" {
			key = "missing"
		}
		fmt.Fprintf(out, "%s  %s  model=%s  api_key=%s  limits=%.2f/%.2f/%.2f\n",
			p.ID, p.Name, p.Model, key, p.CostLimitDaily, p.CostLimitWeekly, p.CostLimitMonthly)
	}
	return nil
}

func createProject(ctx context.Context, s store.ProjectStore, p *store.Project, out io.Writer) error {
	if err := s.CreateProject(ctx, p); err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	fmt.Fprintf(out, "project created: %s (%s)\n", p.ID, p.Name)
	if p.APIKey == "" {
		fmt.Fprintln(out, "warning: no API key set; chat turns will fail with api_key_not_configured")
	}
	return nil
}

// sessionFlags parses `session create` arguments into a session
func sessionFlags(args []string) (*store.Session, error) {
	fs := flag.NewFlagSet("session create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "session id (default: generated)")
	projectID := fs.String("project", "", "owning project id")
	name := fs.String("name", "", "display name")
	model := fs.String("model", "", "model override for this session")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if *projectID == "" {
		return nil, errors.New("--project flag is required")
	}

	sess := &store.Session{
		ID:        *id,
		ProjectID: *projectID,
		Name:      *name,
		Model:     *model,
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	return sess, nil
}

func runSession(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "create" {
		return errors.New("usage: coven-chat session create --project ID [--name NAME] [--model M]")
	}
	sess, err := sessionFlags(args[1:])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return createSession(ctx, s, sess, cfg.Server.HTTPAddr, out)
}

func createSession(ctx context.Context, s store.SessionStore, sess *store.Session, httpAddr string, out io.Writer) error {
	if err := s.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("project %s not found", sess.ProjectID)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	fmt.Fprintf(out, "session created: %s\n", sess.ID)
	fmt.Fprintf(out, "connect: ws://%s/ws/chat/%s\n", httpAddr, sess.ID)
	return nil
}

type tokenArgs struct {
	subject   string
	sessionID string
	ttl       time.Duration
}

func tokenFlags(args []string) (*tokenArgs, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "token subject")
	sessionID := fs.String("session", "", "limit the token to one session")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *subject == "" {
		return nil, errors.New("--subject flag is required")
	}
	if *ttl <= 0 {
		return nil, errors.New("--ttl must be positive")
	}
	return &tokenArgs{subject: *subject, sessionID: *sessionID, ttl: *ttl}, nil
}

func runToken(args []string, out io.Writer) error {
	ta, err := tokenFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	return mintToken(cfg.Auth.JWTSecret, ta, out)
}

func mintToken(secret string, ta *tokenArgs, out io.Writer) error {
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(ta.subject, ta.sessionID, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
