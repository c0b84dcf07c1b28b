// ABOUTME: Tests for control frames: resume, get_state, ack, and unknown types
// ABOUTME: Resume is checked against the durable processing flag and its age

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

// agedHistory reports the processing flag as set long ago
type agedHistory struct {
	*StoreHistory
	startedAt time.Time
}

func (h *agedHistory) GetProcessingState(ctx context.Context, sessionID string) (*store.ProcessingState, error) {
	st, err := h.StoreHistory.GetProcessingState(ctx, sessionID)
	if err != nil || !st.IsProcessing {
		return st, err
	}
	return &store.ProcessingState{IsProcessing: true, StartedAt: &h.startedAt}, nil
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		processing  bool
		token       string
		age         time.Duration
		wantType    string
		wantCleared bool
	}{
		{name: "nothing in flight", wantType: OutResumeNotNeeded},
		{name: "no conversation token", processing: true, wantType: OutResumeFailed, wantCleared: true},
		{name: "recent turn", processing: true, token: "conv-1", wantType: OutResumeStarted},
		{name: "abandoned turn", processing: true, token: "conv-1", age: 31 * time.Minute, wantType: OutResumeFailed, wantCleared: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tt.processing {
				require.NoError(t, h.store.SetProcessing(ctx, testSessionID, true))
			}
			if tt.token != "" {
				require.NoError(t, h.store.SetConversationToken(ctx, testSessionID, tt.token))
			}
			if tt.age > 0 {
				h.o.history = &agedHistory{StoreHistory: &StoreHistory{Store: h.store}, startedAt: time.Now().Add(-tt.age)}
			}
			s, rec := h.connect(t, testSessionID, true)

			h.o.dispatch(s, &Inbound{Type: InResume})

			frame := rec.waitFor(t, tt.wantType)
			if tt.wantCleared {
				assert.False(t, h.processing(t, testSessionID))
			}
			switch tt.wantType {
			case OutResumeStarted:
				assert.Equal(t, tt.token, frame["conversation_token"])
				assert.True(t, h.processing(t, testSessionID))
			case OutResumeNotNeeded:
				assert.Equal(t, "No active processing to resume", frame["message"])
			}
			if tt.age > 0 {
				assert.Equal(t, "Processing timeout exceeded (30 minutes)", frame["error"])
			}
		})
	}
}

func TestGetState(t *testing.T) {
	stopped := make(chan struct{})
	h := newHarness(t, blockingScript("partial", stopped))
	s, rec := h.connect(t, testSessionID, true)

	h.o.dispatch(s, &Inbound{Type: InGetState})
	idle := rec.waitFor(t, OutState)
	assert.Equal(t, testSessionID, idle["session_id"])
	assert.Equal(t, "connected", idle["connection_state"])
	assert.Equal(t, false, idle["is_processing"])

	h.o.dispatch(s, &Inbound{Type: InChat, Content: "go"})
	rec.waitFor(t, OutText)
	h.o.dispatch(s, &Inbound{Type: InGetState})

	require.Eventually(t, func() bool { return len(rec.ofType(OutState)) == 2 }, 5*time.Second, 5*time.Millisecond)
	busy := rec.ofType(OutState)[1]
	assert.Equal(t, "processing", busy["connection_state"])
	assert.Equal(t, true, busy["is_processing"])
	assert.Equal(t, true, busy["has_partial_response"])
	assert.Equal(t, false, busy["is_waiting_for_answer"])

	h.o.dispatch(s, &Inbound{Type: InInterrupt})
	<-stopped
}

func TestAck(t *testing.T) {
	h := newHarness(t, echoScript("conv-1", "hi"))
	s, rec := h.connect(t, testSessionID, true)

	h.o.RunTurn(s, "hello", nil)
	result := rec.waitFor(t, OutResult)
	require.Equal(t, 1, s.State.Snapshot().PendingAcks)

	h.o.dispatch(s, &Inbound{Type: InAck, MessageID: "unknown"})
	assert.Equal(t, 1, s.State.Snapshot().PendingAcks)

	h.o.dispatch(s, &Inbound{Type: InAck, MessageID: result["message_id"].(string)})
	assert.Equal(t, 0, s.State.Snapshot().PendingAcks)
}

func TestDispatch_InvalidFrames(t *testing.T) {
	h := newHarness(t, nil)
	s, rec := h.connect(t, testSessionID, true)

	h.o.dispatch(s, &Inbound{Type: "telepathy"})
	h.o.dispatch(s, &Inbound{Type: InChat, Content: "   "})
	h.o.dispatch(s, &Inbound{Type: InPong})

	errs := rec.ofType(OutError)
	require.Len(t, errs, 2)
	assert.Equal(t, string(CodeInvalidMessageType), errs[0]["code"])
	assert.Equal(t, "Unknown message type: telepathy", errs[0]["error"])
	assert.Equal(t, string(CodeProcessingError), errs[1]["code"])
	assert.False(t, s.State.IsProcessing())
}

func TestDispatch_SecondChatRejected(t *testing.T) {
	stopped := make(chan struct{})
	h := newHarness(t, blockingScript("working", stopped))
	s, rec := h.connect(t, testSessionID, true)

	h.o.dispatch(s, &Inbound{Type: InChat, Content: "first"})
	h.o.dispatch(s, &Inbound{Type: InChat, Content: "second"})

	frame := rec.waitFor(t, OutError)
	assert.Equal(t, string(CodeProcessingError), frame["code"])

	rec.waitFor(t, OutText)
	h.o.dispatch(s, &Inbound{Type: InInterrupt})
	<-stopped

	msgs := h.messages(t, testSessionID)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "first", msgs[0].Content[0].Text)
	assert.Len(t, h.factory.created(), 1)
}
