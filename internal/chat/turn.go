// ABOUTME: Turn orchestrator: validates, streams, and persists one chat message
// ABOUTME: Retries once without resume when the runtime rejects the conversation token

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/project"
	"github.com/2389/coven-chat/internal/runtime"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/usage"
)

// Defaults used when Config leaves a field zero
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultQuestionTimeout   = 300 * time.Second
	DefaultResumeCeiling     = 30 * time.Minute
	DefaultSendTimeout       = 10 * time.Second
)

// persistTimeout bounds durable writes that must outlive a dropped connection
const persistTimeout = 5 * time.Second

// historyPromptMessages is how many stored messages are replayed into a fresh conversation
const historyPromptMessages = 20

// invalidResumeSignatures are substrings of runtime failures caused by a stale conversation token
var invalidResumeSignatures = []string{
	"No conversation found",
	"terminated process",
	"exit code: 1",
	"exit status 1",
}

// Config holds the orchestrator's timing and transport settings
type Config struct {
	HeartbeatInterval time.Duration
	QuestionTimeout   time.Duration
	ResumeCeiling     time.Duration
	SendTimeout       time.Duration
	AllowedOrigins    []string
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.QuestionTimeout <= 0 {
		c.QuestionTimeout = DefaultQuestionTimeout
	}
	if c.ResumeCeiling <= 0 {
		c.ResumeCeiling = DefaultResumeCeiling
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// Collaborators are the external services the orchestrator depends on
type Collaborators struct {
	Sessions SessionLookup
	Loader   ConfigLoader
	Guard    UsageGuard
	History  HistoryStore
	Factory  runtime.Factory
}

// Orchestrator owns the session registry and client pool and runs chat turns.
// One instance serves every connection of the process.
type Orchestrator struct {
	cfg      Config
	registry *Registry
	pool     *ClientPool
	sessions SessionLookup
	loader   ConfigLoader
	guard    UsageGuard
	history  HistoryStore
	metrics  *Metrics
	logger   *slog.Logger

	// conns tracks connection handlers so Shutdown can wait for their cleanup
	conns sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. A nil metrics gets unregistered collectors.
func NewOrchestrator(cfg Config, c Collaborators, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.With("component", "chat")
	return &Orchestrator{
		cfg:      cfg,
		registry: NewRegistry(),
		pool:     NewClientPool(c.Factory, logger),
		sessions: c.Sessions,
		loader:   c.Loader,
		guard:    c.Guard,
		history:  c.History,
		metrics:  metrics,
		logger:   logger,
	}
}

// Registry returns the live connection registry
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Pool returns the runtime client pool
func (o *Orchestrator) Pool() *ClientPool {
	return o.pool
}

// Shutdown cancels every live connection, waits for their cleanup until ctx
// expires, then closes any runtime client still pooled.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, s := range o.registry.All() {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("connections still closing at shutdown deadline", "remaining", o.registry.Len())
	}

	o.pool.CloseAll(ctx)
}

// RunTurn handles one chat message from start to finish. It never leaves the
// session marked processing when it returns.
func (o *Orchestrator) RunTurn(s *Session, content string, files []Attachment) {
	turn, ok := o.beginTurn(s, content)
	if !ok {
		return
	}
	o.runTurn(s, turn, content, files)
}

// beginTurn marks the session processing or rejects the message
func (o *Orchestrator) beginTurn(s *Session, content string) (*Turn, bool) {
	turn, err := s.State.BeginTurn(content)
	if err != nil {
		o.metrics.Turns.WithLabelValues(OutcomeRejected).Inc()
		s.sendError(CodeProcessingError, "Already processing a message", nil)
		return nil, false
	}
	return turn, true
}

func (o *Orchestrator) runTurn(s *Session, turn *Turn, content string, files []Attachment) {
	// The turn's context ends on interrupt so the runtime stops generating
	ctx, cancel := context.WithCancel(s.Context())
	defer cancel()
	go func() {
		select {
		case <-turn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := s.logger.With("turn", turn.ID)
	outcome := OutcomeFailed
	defer func() {
		if s.State.EndTurn(turn.ID) {
			o.setProcessingFlag(s, false)
		}
		o.metrics.Turns.WithLabelValues(outcome).Inc()
	}()

	bundle, ok := o.validate(ctx, s, log)
	if !ok {
		outcome = OutcomeRejected
		return
	}

	o.setProcessingFlag(s, true)
	if !s.State.TurnActive(turn.ID) {
		// Cancelled while validating; the canceller may already have cleared the flag
		o.setProcessingFlag(s, false)
		outcome = OutcomeInterrupted
		return
	}
	o.sendTurn(s, turn, newBareFrame(OutThinking))

	token, err := o.history.GetConversationToken(ctx, s.ID)
	if err != nil {
		log.Warn("failed to read conversation token", "error", err)
		token = ""
	}

	log.Info("turn started", "resume", token != "")
	res, err := o.attempt(ctx, s, turn, bundle, token, content, files)
	if err != nil && token != "" && isInvalidResume(err) && s.State.TurnActive(turn.ID) {
		log.Warn("conversation token rejected, retrying without resume", "error", err)
		o.metrics.ResumeRetries.Inc()
		o.pool.Close(context.WithoutCancel(ctx), s.ID)
		o.saveConversationToken(s, "")
		token = ""
		s.State.ResetPartial(turn.ID)
		res, err = o.attempt(ctx, s, turn, bundle, "", content, files)
	}

	if (res != nil && res.WasInterrupted) || !s.State.TurnActive(turn.ID) {
		outcome = OutcomeInterrupted
		// A turn stopped by a replaced connection has no canceller to save its output
		if ct, ok := s.cancelTurnID(turn.ID); ok {
			o.abandonTurn(s, ct)
		}
		log.Info("turn interrupted")
		return
	}

	if err != nil {
		log.Error("turn failed", "error", err)
		o.pool.Close(context.WithoutCancel(ctx), s.ID)
		s.sendError(CodeChatError, err.Error(), nil)
		return
	}

	// Persisting, ending the turn and sending the result happen as one step; a
	// canceller that wins the race has already saved the partial response
	completed := s.completeTurn(turn.ID, func() {
		o.persist(s, turn, content, res, token, log)

		// Clear processing before the result so the client may send its next message at once
		if s.State.EndTurn(turn.ID) {
			o.setProcessingFlag(s, false)
		}

		messageID := uuid.NewString()
		s.State.ExpectAck(messageID)
		o.send(s, resultFrame{
			Type:      OutResult,
			MessageID: messageID,
			Usage:     usagePayload(res.Usage, time.Since(turn.StartedAt)),
			Timestamp: time.Now().UTC(),
		})
	})
	if !completed {
		outcome = OutcomeInterrupted
		log.Info("turn interrupted")
		return
	}

	outcome = OutcomeCompleted
	o.metrics.TurnDuration.Observe(time.Since(turn.StartedAt).Seconds())
	log.Info("turn completed", "blocks", len(res.Blocks))
}

// validate loads project configuration and checks the API key and spend quota
func (o *Orchestrator) validate(ctx context.Context, s *Session, log *slog.Logger) (*project.Bundle, bool) {
	bundle, err := o.loader.Load(ctx, s.ProjectID)
	if errors.Is(err, project.ErrProjectNotFound) {
		s.sendError(CodeProjectNotFound, "Project not found", map[string]any{"project_id": s.ProjectID})
		return nil, false
	}
	if err != nil {
		log.Error("failed to load project", "project_id", s.ProjectID, "error", err)
		s.sendError(CodeInternalError, "Failed to load project configuration", nil)
		return nil, false
	}

	if err := o.loader.ValidateAPIKey(bundle); err != nil {
		s.sendError(CodeAPIKeyNotConfigured, err.Error(), nil)
		return nil, false
	}

	status, err := o.guard.CheckQuota(ctx, s.ProjectID)
	if err != nil {
		log.Error("failed to check quota", "project_id", s.ProjectID, "error", err)
		s.sendError(CodeInternalError, "Failed to check usage limits", nil)
		return nil, false
	}
	if !status.Allowed {
		log.Info("cost limit exceeded", "windows", status.ExceededWindows)
		s.sendError(CodeCostLimitExceeded, "Cost limit exceeded", quotaDetails(status))
		return nil, false
	}

	return bundle, true
}

// attempt gets the session's client and relays one query through it
func (o *Orchestrator) attempt(ctx context.Context, s *Session, turn *Turn, bundle *project.Bundle, token, content string, files []Attachment) (*StreamResult, error) {
	// A new upstream conversation has none of the stored history
	fresh := token == "" && !o.pool.Has(s.ID)

	opts := o.loader.BuildRuntimeOptions(bundle, token)
	if s.Model != "" {
		opts.Model = s.Model
	}
	client, err := o.pool.GetOrCreate(ctx, s.ID, opts)
	if err != nil {
		return nil, &upstreamError{err: err}
	}

	prompt := o.buildPrompt(ctx, s, content, files, fresh)
	return o.stream(ctx, s, turn, client, prompt)
}

// persist writes the turn's messages, usage, and conversation token
func (o *Orchestrator) persist(s *Session, turn *Turn, content string, res *StreamResult, token string, log *slog.Logger) {
	ctx, cancel := persistContext(s.ctx)
	defer cancel()

	msgs := []*store.Message{userMessage(content)}
	if len(res.Blocks) > 0 {
		msgs = append(msgs, &store.Message{Role: store.RoleAssistant, Content: res.Blocks, IsComplete: true})
	}
	if err := o.history.AppendHistory(ctx, s.ID, msgs); err != nil {
		log.Error("failed to save messages", "error", err)
		s.sendError(CodeMessageSaveFailed, "Failed to save messages", nil)
	}

	if rec := usageRecord(res.Usage, time.Since(turn.StartedAt)); rec != nil {
		rec.ProjectID = s.ProjectID
		if err := o.history.UpdateUsageCounters(ctx, s.ID, rec); err != nil {
			log.Error("failed to record usage", "error", err)
		}
	}

	if res.ConversationToken != "" && res.ConversationToken != token {
		o.saveConversationToken(s, res.ConversationToken)
	}
}

// abandonTurn persists a cancelled turn's user message and partial response
// and clears the durable processing flag. It reports whether partial text was saved.
func (o *Orchestrator) abandonTurn(s *Session, ct *CancelledTurn) bool {
	ctx, cancel := persistContext(s.ctx)
	defer cancel()

	msgs := []*store.Message{userMessage(ct.UserMessage)}
	if ct.Partial != "" {
		msgs = append(msgs, &store.Message{
			Role:       store.RoleAssistant,
			Content:    []store.ContentBlock{{Type: store.BlockText, Text: ct.Partial}},
			IsComplete: false,
		})
	}

	saved := false
	if err := o.history.AppendHistory(ctx, s.ID, msgs); err != nil {
		s.logger.Error("failed to save partial response", "turn", ct.TurnID, "error", err)
	} else {
		saved = ct.Partial != ""
	}

	o.setProcessingFlag(s, false)
	return saved
}

func (o *Orchestrator) setProcessingFlag(s *Session, processing bool) {
	ctx, cancel := persistContext(s.ctx)
	defer cancel()
	if err := o.history.SetProcessingFlag(ctx, s.ID, processing); err != nil {
		s.logger.Warn("failed to update processing flag", "processing", processing, "error", err)
	}
}

func (o *Orchestrator) touchSession(s *Session) {
	ctx, cancel := persistContext(s.ctx)
	defer cancel()
	if err := o.history.TouchSession(ctx, s.ID); err != nil {
		s.logger.Warn("failed to record session activity", "error", err)
	}
}

func (o *Orchestrator) saveConversationToken(s *Session, token string) {
	ctx, cancel := persistContext(s.ctx)
	defer cancel()
	if err := o.history.SetConversationToken(ctx, s.ID, token); err != nil {
		s.logger.Warn("failed to save conversation token", "error", err)
	}
}

// buildPrompt adds the attachment list and, for a fresh conversation, a transcript of recent history
func (o *Orchestrator) buildPrompt(ctx context.Context, s *Session, content string, files []Attachment, withHistory bool) string {
	var b strings.Builder

	if withHistory {
		msgs, err := o.history.GetHistory(ctx, s.ID)
		if err != nil {
			s.logger.Warn("failed to load history for prompt", "error", err)
		}
		if transcript := formatTranscript(msgs); transcript != "" {
			b.WriteString("Previous conversation:\n\n")
			b.WriteString(transcript)
			b.WriteString("\nCurrent message:\n")
		}
	}

	b.WriteString(content)

	if len(files) > 0 {
		b.WriteString("\n\nAttached files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s (%s)\n", f.Name, f.Path)
		}
	}
	return b.String()
}

func formatTranscript(msgs []*store.Message) string {
	if len(msgs) > historyPromptMessages {
		msgs = msgs[len(msgs)-historyPromptMessages:]
	}
	var b strings.Builder
	for _, m := range msgs {
		var text []string
		for _, block := range m.Content {
			if block.Type == store.BlockText && block.Text != "" {
				text = append(text, block.Text)
			}
		}
		if len(text) == 0 {
			continue
		}
		speaker := "User"
		if m.Role == store.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", speaker, strings.Join(text, "\n"))
	}
	return b.String()
}

func isInvalidResume(err error) bool {
	var upstream *upstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	msg := upstream.Error()
	for _, sig := range invalidResumeSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func quotaDetails(status *usage.QuotaStatus) map[string]any {
	details := map[string]any{"exceeded_limits": status.ExceededWindows}
	for _, w := range status.ExceededWindows {
		details[w] = map[string]any{
			"cost":  status.Costs[w],
			"limit": status.Limits[w],
		}
	}
	return details
}

func userMessage(content string) *store.Message {
	return &store.Message{
		Role:       store.RoleUser,
		Content:    []store.ContentBlock{{Type: store.BlockText, Text: content}},
		IsComplete: true,
	}
}

// usageRecord converts a summary into a record, or nil when nothing was spent
func usageRecord(sum *runtime.Summary, wall time.Duration) *store.UsageRecord {
	if sum == nil {
		return nil
	}
	rec := &store.UsageRecord{
		InputTokens:      sum.InputTokens,
		OutputTokens:     sum.OutputTokens,
		CacheReadTokens:  sum.CacheRead,
		CacheWriteTokens: sum.CacheCreation,
		CostUSD:          sum.CostUSD,
		DurationMS:       sum.DurationMS,
	}
	if rec.TotalTokens() == 0 && rec.CostUSD == 0 {
		return nil
	}
	if rec.DurationMS == 0 {
		rec.DurationMS = wall.Milliseconds()
	}
	return rec
}

func usagePayload(sum *runtime.Summary, wall time.Duration) UsagePayload {
	if sum == nil {
		return UsagePayload{DurationMS: wall.Milliseconds()}
	}
	p := UsagePayload{
		InputTokens:              sum.InputTokens,
		OutputTokens:             sum.OutputTokens,
		CacheCreationInputTokens: sum.CacheCreation,
		CacheReadInputTokens:     sum.CacheRead,
		TotalCostUSD:             sum.CostUSD,
		DurationMS:               sum.DurationMS,
	}
	if p.DurationMS == 0 {
		p.DurationMS = wall.Milliseconds()
	}
	return p
}

func persistContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), persistTimeout)
}
