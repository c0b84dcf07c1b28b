// ABOUTME: Tests for the CLI runtime client against the fake runtime in a child process
// ABOUTME: The test binary re-executes itself as the fake when COVEN_FAKE_RUNTIME is set

package cli_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/runtime"
	"github.com/2389/coven-chat/internal/runtime/cli"
	"github.com/2389/coven-chat/internal/runtime/cli/fakecli"
)

func TestMain(m *testing.M) {
	if os.Getenv("COVEN_FAKE_RUNTIME") == "1" {
		os.Exit(fakecli.Run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func newFakeClient(t *testing.T, opts runtime.Options) runtime.Client {
	t.Helper()
	factory := cli.NewFactory(cli.Config{
		Command:         os.Args[0],
		Args:            []string{"--delay", "1ms"},
		ShutdownTimeout: 2 * time.Second,
	}, nil)

	if opts.Env == nil {
		opts.Env = map[string]string{}
	}
	opts.Env["COVEN_FAKE_RUNTIME"] = "1"
	opts.WorkingDir = t.TempDir()

	client, err := factory.NewClient(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func collect(t *testing.T, ch <-chan *runtime.Event) []*runtime.Event {
	t.Helper()
	var events []*runtime.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for turn to finish")
			return nil
		}
	}
}

func ofKind(events []*runtime.Event, kind runtime.EventKind) []*runtime.Event {
	var out []*runtime.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestBuildArgs(t *testing.T) {
	f := cli.NewFactory(cli.Config{
		Command:        "claude",
		Args:           []string{"--verbose"},
		PermissionMode: "default",
		DefaultModel:   "sonnet",
	}, nil)

	args := f.BuildArgs(runtime.Options{
		SystemPrompt: "be nice",
		AllowedTools: []string{"Read", "Bash"},
		ResumeToken:  "conv-1",
	})
	joined := strings.Join(args, " ")

	assert.Equal(t, "--verbose", args[0])
	assert.Contains(t, joined, "--input-format stream-json --output-format stream-json")
	assert.Contains(t, joined, "--permission-prompt-tool stdio")
	assert.Contains(t, joined, "--permission-mode default")
	assert.Contains(t, joined, "--model sonnet")
	assert.Contains(t, joined, "--allowedTools Read,Bash")
	assert.Contains(t, joined, "--resume conv-1")

	args = f.BuildArgs(runtime.Options{Model: "opus"})
	joined = strings.Join(args, " ")
	assert.Contains(t, joined, "--model opus")
	assert.NotContains(t, joined, "--resume")
	assert.NotContains(t, joined, "--allowedTools")
}

func TestClient_EchoTurnsShareConversation(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})
	ctx := context.Background()

	ch, err := client.Query(ctx, "hello there", nil)
	require.NoError(t, err)
	events := collect(t, ch)

	texts := ofKind(events, runtime.EventText)
	require.NotEmpty(t, texts)
	var full strings.Builder
	for _, ev := range texts {
		full.WriteString(ev.Text)
	}
	assert.Contains(t, full.String(), "Echo: **hello there**")

	summaries := ofKind(events, runtime.EventSummary)
	require.Len(t, summaries, 1)
	first := summaries[0].Summary.ConversationToken
	assert.NotEmpty(t, first)
	assert.Equal(t, int64(2), summaries[0].Summary.InputTokens)

	ch, err = client.Query(ctx, "again", nil)
	require.NoError(t, err)
	summaries = ofKind(collect(t, ch), runtime.EventSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, first, summaries[0].Summary.ConversationToken)
}

func TestClient_ToolEvents(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})

	ch, err := client.Query(context.Background(), "use a tool", nil)
	require.NoError(t, err)
	events := collect(t, ch)

	uses := ofKind(events, runtime.EventToolUse)
	results := ofKind(events, runtime.EventToolResult)
	require.Len(t, uses, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "Bash", uses[0].ToolUse.Name)
	assert.Equal(t, uses[0].ToolUse.ID, results[0].ToolResult.ToolUseID)
	assert.Contains(t, results[0].ToolResult.Content, "main.go")
}

func TestClient_DeciderAllowMergesAnswers(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})

	var seen runtime.ToolRequest
	decider := runtime.DeciderFunc(func(ctx context.Context, req runtime.ToolRequest) runtime.Decision {
		seen = req
		input := map[string]any{}
		for k, v := range req.Input {
			input[k] = v
		}
		input["answers"] = map[string]any{"Which color should I use?": "blue"}
		return runtime.Allow(input)
	})

	ch, err := client.Query(context.Background(), "ask me", decider)
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, fakecli.AskToolName, seen.ToolName)
	assert.NotEmpty(t, seen.ToolUseID)

	results := ofKind(events, runtime.EventToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].ToolResult.IsError)
	assert.Contains(t, results[0].ToolResult.Content, "blue")
	assert.Len(t, ofKind(events, runtime.EventSummary), 1)
}

func TestClient_DeciderDeny(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})

	decider := runtime.DeciderFunc(func(ctx context.Context, req runtime.ToolRequest) runtime.Decision {
		return runtime.Deny("User did not respond in time")
	})

	ch, err := client.Query(context.Background(), "ask me", decider)
	require.NoError(t, err)
	results := ofKind(collect(t, ch), runtime.EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].ToolResult.IsError)
	assert.Equal(t, "User did not respond in time", results[0].ToolResult.Content)
}

func TestClient_InvalidResumeReportsStderr(t *testing.T) {
	client := newFakeClient(t, runtime.Options{ResumeToken: "unknown-123"})

	ch, err := client.Query(context.Background(), "hello", nil)
	if err != nil {
		assert.Contains(t, err.Error(), "No conversation found")
		return
	}
	errs := ofKind(collect(t, ch), runtime.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err.Error(), "No conversation found")
	assert.Contains(t, errs[0].Err.Error(), "exit status 1")
}

func TestClient_CrashMidTurn(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})

	ch, err := client.Query(context.Background(), "please crash", nil)
	require.NoError(t, err)
	events := collect(t, ch)

	errs := ofKind(events, runtime.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err.Error(), "exit status 2")
	assert.Contains(t, errs[0].Err.Error(), "simulated crash")

	_, err = client.Query(context.Background(), "hello", nil)
	assert.Error(t, err)
}

func TestClient_CancelledTurnFreesClient(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.Query(ctx, "go slow", nil)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, runtime.EventText, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no event before cancel")
	}
	cancel()

	ch, err = client.Query(context.Background(), "hello", nil)
	require.NoError(t, err)
	events := collect(t, ch)
	assert.Len(t, ofKind(events, runtime.EventSummary), 1)
	assert.Empty(t, ofKind(events, runtime.EventError))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client := newFakeClient(t, runtime.Options{})
	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))

	_, err := client.Query(context.Background(), "hello", nil)
	assert.Error(t, err)
}
