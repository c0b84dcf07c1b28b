// ABOUTME: Runtime client that drives a long-lived agent CLI process over stream-json
// ABOUTME: Routes stdout lines to the active turn and answers permission checks via a Decider

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/runtime"
)

const (
	eventBuffer  = 64
	maxLineBytes = 16 * 1024 * 1024
	stderrTail   = 4096
)

// Config describes how to launch the CLI
type Config struct {
	Command         string
	Args            []string
	PermissionMode  string
	DefaultModel    string
	ShutdownTimeout time.Duration
}

// Factory starts one CLI process per runtime client
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory creates a Factory
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Factory{cfg: cfg, logger: logger.With("component", "runtime")}
}

// BuildArgs returns the CLI arguments for the given options
func (f *Factory) BuildArgs(opts runtime.Options) []string {
	args := append([]string{}, f.cfg.Args...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--permission-prompt-tool", "stdio",
	)

	mode := opts.PermissionMode
	if mode == "" {
		mode = f.cfg.PermissionMode
	}
	if mode != "" {
		args = append(args, "--permission-mode", mode)
	}

	model := opts.Model
	if model == "" {
		model = f.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	return args
}

// NewClient starts the CLI process. The process outlives ctx; it stops on Close.
func (f *Factory) NewClient(ctx context.Context, opts runtime.Options) (runtime.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	procCtx, kill := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.cfg.Command, f.BuildArgs(opts)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		kill()
		return nil, fmt.Errorf("starting %s: %w", f.cfg.Command, err)
	}

	c := &Client{
		cmd:             cmd,
		stdin:           stdin,
		stderr:          stderr,
		kill:            kill,
		shutdownTimeout: f.cfg.ShutdownTimeout,
		slot:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		logger:          f.logger.With("pid", cmd.Process.Pid),
	}
	go c.readLoop(stdout)

	c.logger.Debug("runtime process started", "command", f.cfg.Command, "resume", opts.ResumeToken != "")
	return c, nil
}

// turn is the routing target for stdout lines while a query is active
type turn struct {
	ctx      context.Context
	events   chan *runtime.Event
	decider  runtime.Decider
	finished chan struct{}
	once     sync.Once
}

// Client is a runtime.Client backed by one CLI process
type Client struct {
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	stderr          *tailBuffer
	kill            context.CancelFunc
	shutdownTimeout time.Duration
	logger          *slog.Logger

	writeMu sync.Mutex
	slot    chan struct{} // holds a token while a turn is active
	done    chan struct{} // closed when the process has exited

	mu      sync.Mutex
	current *turn
	exited  bool
	exitErr error
	closed  bool
}

// Query sends prompt and returns the turn's event stream
func (c *Client) Query(ctx context.Context, prompt string, decider runtime.Decider) (<-chan *runtime.Event, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.exitError()
	}

	t := &turn{
		ctx:      ctx,
		events:   make(chan *runtime.Event, eventBuffer),
		decider:  decider,
		finished: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.slot
		return nil, runtime.ErrClosed
	}
	if c.exited {
		c.mu.Unlock()
		<-c.slot
		return nil, c.exitError()
	}
	c.current = t
	c.mu.Unlock()

	if err := c.write(UserPrompt(prompt)); err != nil {
		// A dead process delivers its exit error on the turn channel
		select {
		case <-c.done:
			return t.events, nil
		case <-time.After(c.shutdownTimeout):
		}
		c.finishTurn(t)
		return nil, fmt.Errorf("sending prompt: %w", err)
	}

	go c.watchCancel(t)
	return t.events, nil
}

// watchCancel asks the CLI to stop the turn when its context ends first
func (c *Client) watchCancel(t *turn) {
	select {
	case <-t.finished:
		return
	case <-t.ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != t || c.exited {
		return
	}
	req := Envelope{
		Type:      TypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   &ControlRequest{Subtype: SubtypeInterrupt},
	}
	if err := c.write(req); err != nil {
		c.logger.Warn("failed to send interrupt", "error", err)
	}
}

// Close closes stdin, waits for the process to exit, and kills it after the shutdown timeout
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.logger.Warn("runtime process did not exit, killing")
	case <-ctx.Done():
	}

	c.kill()
	<-c.done
	return nil
}

func (c *Client) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s line: %w", env.Type, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// readLoop consumes stdout until the process exits
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("skipping malformed runtime line", "error", err)
			continue
		}
		c.dispatch(&env)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("runtime stdout read failed", "error", err)
	}

	waitErr := c.cmd.Wait()
	c.kill()

	c.mu.Lock()
	c.exited = true
	c.exitErr = c.describeExit(waitErr)
	t := c.current
	c.mu.Unlock()

	if t != nil {
		c.emit(t, &runtime.Event{Kind: runtime.EventError, Err: c.exitErr})
		c.finishTurn(t)
	}
	close(c.done)
	c.logger.Debug("runtime process exited", "error", waitErr)
}

func (c *Client) describeExit(waitErr error) error {
	tail := strings.TrimSpace(c.stderr.String())
	if waitErr == nil {
		waitErr = errors.New("exit status 0")
	}
	if tail == "" {
		return fmt.Errorf("runtime process exited: %w", waitErr)
	}
	return fmt.Errorf("runtime process exited: %w: %s", waitErr, tail)
}

func (c *Client) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitErr != nil {
		return c.exitErr
	}
	return runtime.ErrClosed
}

func (c *Client) activeTurn() *turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) dispatch(env *Envelope) {
	switch env.Type {
	case TypeSystem:
		if env.Subtype == SubtypeInit {
			c.logger.Debug("runtime session initialized", "conversation", env.SessionID)
		}

	case TypeAssistant:
		t := c.activeTurn()
		if t == nil {
			return
		}
		blocks, err := env.Message.Blocks()
		if err != nil {
			c.logger.Warn("undecodable assistant message", "error", err)
			return
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					c.emit(t, &runtime.Event{Kind: runtime.EventText, Text: b.Text})
				}
			case "tool_use":
				c.emit(t, &runtime.Event{Kind: runtime.EventToolUse, ToolUse: &runtime.ToolUse{
					ID: b.ID, Name: b.Name, Input: b.Input,
				}})
			}
		}

	case TypeUser:
		t := c.activeTurn()
		if t == nil {
			return
		}
		blocks, err := env.Message.Blocks()
		if err != nil {
			return
		}
		for _, b := range blocks {
			if b.Type != "tool_result" {
				continue
			}
			c.emit(t, &runtime.Event{Kind: runtime.EventToolResult, ToolResult: &runtime.ToolResult{
				ToolUseID: b.ToolUseID, Content: ResultText(b.Content), IsError: b.IsError,
			}})
		}

	case TypeResult:
		c.handleResult(env)

	case TypeControlRequest:
		c.handleControlRequest(env)

	case TypeControlResponse:
		// acknowledgements of our interrupt requests

	default:
		c.logger.Debug("ignoring runtime line", "type", env.Type, "subtype", env.Subtype)
	}
}

func (c *Client) handleResult(env *Envelope) {
	t := c.activeTurn()
	if t == nil {
		return
	}

	if env.IsError && t.ctx.Err() == nil {
		msg := env.Result
		if msg == "" {
			msg = env.Subtype
		}
		c.emit(t, &runtime.Event{Kind: runtime.EventError, Err: fmt.Errorf("runtime error: %s", msg)})
	} else {
		summary := &runtime.Summary{
			CostUSD:           env.TotalCostUSD,
			DurationMS:        env.DurationMS,
			ConversationToken: env.SessionID,
			IsError:           env.IsError,
		}
		if env.Usage != nil {
			summary.InputTokens = env.Usage.InputTokens
			summary.OutputTokens = env.Usage.OutputTokens
			summary.CacheCreation = env.Usage.CacheCreationInputTokens
			summary.CacheRead = env.Usage.CacheReadInputTokens
		}
		c.emit(t, &runtime.Event{Kind: runtime.EventSummary, Summary: summary})
	}
	c.finishTurn(t)
}

func (c *Client) handleControlRequest(env *Envelope) {
	if env.Request == nil || env.Request.Subtype != SubtypeCanUseTool {
		c.respond(Envelope{
			Type:     TypeControlResponse,
			Response: &ControlResponse{Subtype: SubtypeError, RequestID: env.RequestID, Error: "unsupported control request"},
		})
		return
	}

	t := c.activeTurn()
	if t == nil || t.decider == nil {
		c.respond(AllowResponse(env.RequestID, env.Request.Input))
		return
	}

	req := runtime.ToolRequest{
		ToolName:  env.Request.ToolName,
		ToolUseID: env.Request.ToolUseID,
		Input:     env.Request.Input,
	}

	// The decider may wait on a human, so stdout keeps flowing meanwhile.
	go func() {
		d := t.decider.Decide(t.ctx, req)
		if d.Allow {
			input := d.UpdatedInput
			if input == nil {
				input = req.Input
			}
			c.respond(AllowResponse(env.RequestID, input))
			return
		}
		reason := d.Reason
		if reason == "" {
			reason = "denied"
		}
		c.respond(DenyResponse(env.RequestID, reason))
	}()
}

func (c *Client) respond(env Envelope) {
	if err := c.write(env); err != nil {
		c.logger.Warn("failed to answer control request", "error", err)
	}
}

// emit delivers an event unless the turn's consumer has gone away
func (c *Client) emit(t *turn, ev *runtime.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// finishTurn closes the turn's stream and frees the slot for the next query
func (c *Client) finishTurn(t *turn) {
	t.once.Do(func() {
		c.mu.Lock()
		if c.current == t {
			c.current = nil
		}
		c.mu.Unlock()
		close(t.finished)
		close(t.events)
		<-c.slot
	})
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

var (
	_ runtime.Factory = (*Factory)(nil)
	_ runtime.Client  = (*Client)(nil)
)
