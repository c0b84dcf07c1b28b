// ABOUTME: Shared fixtures for chat tests: scripted runtime clients, frame recorder, harness
// ABOUTME: The harness wires a real SQLite store behind the orchestrator's collaborators

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/project"
	"github.com/2389/coven-chat/internal/runtime"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/usage"
)

const (
	testProjectID = "proj-1"
	testSessionID = "sess-1"
)

// scriptFunc plays one turn. emit returns false once the turn's context is done.
type scriptFunc func(ctx context.Context, c *fakeClient, prompt string, decider runtime.Decider, emit func(*runtime.Event) bool)

type fakeFactory struct {
	mu      sync.Mutex
	script  scriptFunc
	delay   time.Duration
	newErr  error
	opts    []runtime.Options
	clients []*fakeClient
}

func (f *fakeFactory) NewClient(ctx context.Context, opts runtime.Options) (runtime.Client, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := &fakeClient{factory: f, opts: opts}
	f.opts = append(f.opts, opts)
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) created() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient{}, f.clients...)
}

func (f *fakeFactory) options() []runtime.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Options{}, f.opts...)
}

type fakeClient struct {
	factory  *fakeFactory
	opts     runtime.Options
	closeErr error

	mu      sync.Mutex
	prompts []string
	closed  bool
}

func (c *fakeClient) Query(ctx context.Context, prompt string, decider runtime.Decider) (<-chan *runtime.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, runtime.ErrClosed
	}
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()

	c.factory.mu.Lock()
	script := c.factory.script
	c.factory.mu.Unlock()

	ch := make(chan *runtime.Event)
	go func() {
		defer close(ch)
		emit := func(ev *runtime.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if script != nil {
			script(ctx, c, prompt, decider, emit)
		}
	}()
	return ch, nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

func textEvent(text string) *runtime.Event {
	return &runtime.Event{Kind: runtime.EventText, Text: text}
}

func summaryEvent(token string) *runtime.Event {
	return &runtime.Event{Kind: runtime.EventSummary, Summary: &runtime.Summary{
		InputTokens:       10,
		OutputTokens:      5,
		CostUSD:           0.01,
		DurationMS:        120,
		ConversationToken: token,
	}}
}

func errorEvent(msg string) *runtime.Event {
	return &runtime.Event{Kind: runtime.EventError, Err: errors.New(msg)}
}

// echoScript replies with chunks and closes the turn with token
func echoScript(token string, chunks ...string) scriptFunc {
	return func(ctx context.Context, c *fakeClient, prompt string, decider runtime.Decider, emit func(*runtime.Event) bool) {
		for _, chunk := range chunks {
			if !emit(textEvent(chunk)) {
				return
			}
		}
		emit(summaryEvent(token))
	}
}

// blockingScript sends one fragment and then waits for the turn to be cancelled
func blockingScript(first string, stopped chan<- struct{}) scriptFunc {
	return func(ctx context.Context, c *fakeClient, prompt string, decider runtime.Decider, emit func(*runtime.Event) bool) {
		emit(textEvent(first))
		<-ctx.Done()
		close(stopped)
	}
}

// recorder is a frameWriter that keeps every frame as decoded JSON
type recorder struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (r *recorder) WriteFrame(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func (r *recorder) ofType(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, f := range r.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// waitFor blocks until a frame of typ has been written and returns the first one
func (r *recorder) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		frames := r.ofType(typ)
		if len(frames) == 0 {
			return false
		}
		found = frames[0]
		return true
	}, 5*time.Second, 5*time.Millisecond, "no %s frame; got %v", typ, r.types())
	return found
}

type harness struct {
	o       *Orchestrator
	store   *store.SQLiteStore
	factory *fakeFactory
	metrics *Metrics
	loader  *project.Loader
}

func newHarness(t *testing.T, script scriptFunc) *harness {
	return newHarnessWithConfig(t, Config{
		HeartbeatInterval: time.Hour,
		QuestionTimeout:   2 * time.Second,
		SendTimeout:       time.Second,
	}, script)
}

func newHarnessWithConfig(t *testing.T, cfg Config, script scriptFunc) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(store.DriverModernc, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &store.Project{ID: testProjectID, Name: "Widgets", APIKey: "sk-test"}))
	require.NoError(t, st.CreateSession(ctx, &store.Session{ID: testSessionID, ProjectID: testProjectID}))

	loader := project.NewLoader(st, t.TempDir(), "")
	factory := &fakeFactory{script: script}
	metrics := NewMetrics(prometheus.NewRegistry())

	o := NewOrchestrator(cfg, Collaborators{
		Sessions: &StoreSessionLookup{Sessions: st, Workspaces: loader},
		Loader:   loader,
		Guard:    usage.NewGuard(st),
		History:  &StoreHistory{Store: st},
		Factory:  factory,
	}, metrics, discardLogger())

	return &harness{o: o, store: st, factory: factory, metrics: metrics, loader: loader}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// connect opens an in-process connection for sessionID
func (h *harness) connect(t *testing.T, sessionID string, interactive bool) (*Session, *recorder) {
	t.Helper()
	info, err := h.o.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)

	rec := &recorder{}
	s := newSession(context.Background(), sessionID, info, rec, interactive, time.Second, h.o.logger)
	h.o.open(s)
	t.Cleanup(s.cancel)
	return s, rec
}

func (h *harness) messages(t *testing.T, sessionID string) []*store.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return msgs
}

func (h *harness) processing(t *testing.T, sessionID string) bool {
	t.Helper()
	st, err := h.store.GetProcessingState(context.Background(), sessionID)
	require.NoError(t, err)
	return st.IsProcessing
}
