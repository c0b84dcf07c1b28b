// ABOUTME: Tests for SessionState transitions and the connection registry
// ABOUTME: Covers turn generations, question bookkeeping, acks, and snapshots

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionState_OneTurnAtATime(t *testing.T) {
	st := NewSessionState(true)

	turn, err := st.BeginTurn("first")
	require.NoError(t, err)
	assert.True(t, st.IsProcessing())
	assert.Equal(t, StateProcessing, st.Snapshot().ConnectionState)

	_, err = st.BeginTurn("second")
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	assert.True(t, st.EndTurn(turn.ID))
	assert.False(t, st.IsProcessing())
	assert.False(t, st.EndTurn(turn.ID))
}

func TestSessionState_StaleTurnCannotEndNewer(t *testing.T) {
	st := NewSessionState(true)

	old, err := st.BeginTurn("first")
	require.NoError(t, err)
	st.AppendPartial(old.ID, "abc")

	ct, ok := st.CancelTurn()
	require.True(t, ok)
	assert.Equal(t, old.ID, ct.TurnID)
	assert.Equal(t, "first", ct.UserMessage)
	assert.Equal(t, "abc", ct.Partial)

	select {
	case <-old.Done():
	default:
		t.Fatal("cancelled turn's done channel is open")
	}

	newer, err := st.BeginTurn("second")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, newer.ID)

	assert.False(t, st.EndTurn(old.ID))
	assert.True(t, st.TurnActive(newer.ID))

	// Output of the stale turn is not mirrored into the new one
	st.AppendPartial(old.ID, "stale")
	assert.False(t, st.Snapshot().HasPartialResponse)
}

func TestSessionState_ResetPartial(t *testing.T) {
	st := NewSessionState(true)
	turn, err := st.BeginTurn("hello")
	require.NoError(t, err)

	st.AppendPartial(turn.ID, "first attempt")
	st.ResetPartial(turn.ID + 1)
	assert.True(t, st.Snapshot().HasPartialResponse)

	st.ResetPartial(turn.ID)
	assert.False(t, st.Snapshot().HasPartialResponse)

	st.AppendPartial(turn.ID, "retry")
	ct, ok := st.CancelTurn()
	require.True(t, ok)
	assert.Equal(t, "retry", ct.Partial)
}

func TestSessionState_CancelWithoutTurn(t *testing.T) {
	st := NewSessionState(true)
	_, ok := st.CancelTurn()
	assert.False(t, ok)
}

func TestSessionState_Questions(t *testing.T) {
	st := NewSessionState(true)

	assert.ErrorIs(t, st.AnswerQuestion("toolu_1", nil), ErrNoPendingQuestion)

	signal, err := st.OpenQuestion("toolu_1", []any{"q"})
	require.NoError(t, err)
	assert.True(t, st.Snapshot().IsWaitingForAnswer)

	_, err = st.OpenQuestion("toolu_2", nil)
	assert.ErrorIs(t, err, ErrQuestionPending)

	assert.ErrorIs(t, st.AnswerQuestion("toolu_2", nil), ErrToolUseIDMismatch)
	select {
	case <-signal:
		t.Fatal("signal fired on mismatched answer")
	default:
	}

	answers := map[string]any{"q": "yes"}
	require.NoError(t, st.AnswerQuestion("toolu_1", answers))
	<-signal
	assert.False(t, st.Snapshot().IsWaitingForAnswer)

	// A second answer is rejected; the signal fires only once
	assert.ErrorIs(t, st.AnswerQuestion("toolu_1", answers), ErrNoPendingQuestion)

	got, ok := st.TakeAnswer("toolu_1")
	assert.True(t, ok)
	assert.Equal(t, answers, got)
	assert.Empty(t, st.PendingQuestion())
}

func TestSessionState_TakeAnswerUnanswered(t *testing.T) {
	st := NewSessionState(true)
	_, err := st.OpenQuestion("toolu_1", nil)
	require.NoError(t, err)

	_, ok := st.TakeAnswer("toolu_other")
	assert.False(t, ok)
	assert.Equal(t, "toolu_1", st.PendingQuestion())

	got, ok := st.TakeAnswer("toolu_1")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Empty(t, st.PendingQuestion())
}

func TestSessionState_Acks(t *testing.T) {
	st := NewSessionState(true)
	st.ExpectAck("m1")
	st.ExpectAck("m2")
	assert.Equal(t, 2, st.Snapshot().PendingAcks)

	assert.True(t, st.Ack("m1"))
	assert.False(t, st.Ack("m1"))
	assert.False(t, st.Ack("unknown"))
	assert.Equal(t, 1, st.Snapshot().PendingAcks)
}

func TestSessionState_Touch(t *testing.T) {
	st := NewSessionState(true)
	before := st.LastActivity()
	time.Sleep(2 * time.Millisecond)
	st.Touch()
	assert.True(t, st.LastActivity().After(before))
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

func TestRegistry_ReplaceAndRemove(t *testing.T) {
	r := NewRegistry()
	info := &SessionInfo{ProjectID: testProjectID}
	first := newSession(context.Background(), "s1", info, &recorder{}, true, time.Second, discardLogger())
	second := newSession(context.Background(), "s1", info, &recorder{}, true, time.Second, discardLogger())

	assert.Nil(t, r.Register(first))
	assert.Same(t, first, r.Register(second))
	assert.Equal(t, 1, r.Len())

	assert.False(t, r.Remove(first), "stale connection must not remove its replacement")
	assert.True(t, r.IsRegistered(second))

	_, ok := r.LastActivity("s1")
	assert.True(t, ok)

	assert.True(t, r.Remove(second))
	_, ok = r.Get("s1")
	assert.False(t, ok)
	_, ok = r.LastActivity("s1")
	assert.False(t, ok)
}

func TestSession_SendForTurnStopsAfterCancel(t *testing.T) {
	rec := &recorder{}
	s := newSession(context.Background(), "s1", &SessionInfo{}, rec, true, time.Second, discardLogger())
	turn, err := s.State.BeginTurn("x")
	require.NoError(t, err)

	active, err := s.SendForTurn(turn.ID, newTextFrame("one"))
	require.NoError(t, err)
	assert.True(t, active)

	_, ok := s.CancelTurn()
	require.True(t, ok)

	active, err = s.SendForTurn(turn.ID, newTextFrame("two"))
	require.NoError(t, err)
	assert.False(t, active)
	assert.Len(t, rec.ofType(OutText), 1)
}
