// ABOUTME: End-to-end tests of the WebSocket handler over a real HTTP server
// ABOUTME: Dials /ws/chat/{session_id} and drives a turn through frames

package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, h *harness) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /ws/chat/{session_id}", h.o)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

// readUntil reads frames until one of typ arrives and returns every type seen
func readUntil(t *testing.T, conn *websocket.Conn, typ string) ([]string, map[string]any) {
	t.Helper()
	var seen []string
	for {
		frame := readFrame(t, conn)
		seen = append(seen, frame["type"].(string))
		if frame["type"] == typ {
			return seen, frame
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestServer_ChatOverWebSocket(t *testing.T) {
	h := newHarness(t, echoScript("conv-1", "Hello", " world"))
	url := startServer(t, h)

	conn := dial(t, url+"/ws/chat/"+testSessionID)

	connected := readFrame(t, conn)
	assert.Equal(t, OutConnected, connected["type"])
	assert.Equal(t, testSessionID, connected["session_id"])

	writeFrame(t, conn, map[string]any{"type": "chat", "content": "say hello"})

	seen, result := readUntil(t, conn, OutResult)
	assert.Equal(t, []string{OutThinking, OutText, OutText, OutResult}, seen)
	assert.Equal(t, false, result["interrupted"])

	msgs := h.messages(t, testSessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello world", msgs[1].Content[0].Text)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.o.registry.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.o.pool.Has(testSessionID))
}

func TestServer_InvalidJSONKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, startServer(t, h)+"/ws/chat/"+testSessionID)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	frame := readFrame(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Equal(t, string(CodeProcessingError), frame["code"])

	writeFrame(t, conn, map[string]any{"type": "get_state"})
	state := readFrame(t, conn)
	assert.Equal(t, OutState, state["type"])
}

func TestServer_UnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, startServer(t, h)+"/ws/chat/nope")

	frame := readFrame(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Equal(t, string(CodeSessionNotFound), frame["code"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Equal(t, 0, h.o.registry.Len())
}

func TestServer_HeartbeatPings(t *testing.T) {
	h := newHarnessWithConfig(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		QuestionTimeout:   time.Second,
		SendTimeout:       time.Second,
	}, nil)
	conn := dial(t, startServer(t, h)+"/ws/chat/"+testSessionID)
	readFrame(t, conn)

	ping := readFrame(t, conn)
	assert.Equal(t, OutPing, ping["type"])
	assert.NotEmpty(t, ping["timestamp"])

	before, ok := h.o.registry.LastActivity(testSessionID)
	require.True(t, ok)
	writeFrame(t, conn, map[string]any{"type": "pong"})
	require.Eventually(t, func() bool {
		after, _ := h.o.registry.LastActivity(testSessionID)
		return after.After(before)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServer_BatchModeQuery(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, startServer(t, h)+"/ws/chat/"+testSessionID+"?mode=batch")
	readFrame(t, conn)

	require.Eventually(t, func() bool { return h.o.registry.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	s, ok := h.o.registry.Get(testSessionID)
	require.True(t, ok)
	assert.False(t, s.State.Interactive())
}
