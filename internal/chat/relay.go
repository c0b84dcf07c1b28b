// ABOUTME: Streaming relay that forwards one turn's runtime events to the client
// ABOUTME: Accumulates content blocks for persistence and stops cooperatively on interrupt

package chat

import (
	"context"
	"time"

	"github.com/2389/coven-chat/internal/runtime"
	"github.com/2389/coven-chat/internal/store"
)

// StreamResult is what one relayed turn produced
type StreamResult struct {
	Text              string
	Blocks            []store.ContentBlock
	Usage             *runtime.Summary
	WasInterrupted    bool
	ConversationToken string
}

// upstreamError wraps a failure reported by the runtime mid-stream
type upstreamError struct {
	err error
}

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// stream sends prompt to client and relays its events until the turn ends,
// is interrupted, or the connection goes away.
func (o *Orchestrator) stream(ctx context.Context, s *Session, turn *Turn, client runtime.Client, prompt string) (*StreamResult, error) {
	tc := newTurnContext()
	gate := &questionGate{
		session: s,
		turn:    turn,
		tc:      tc,
		timeout: o.cfg.QuestionTimeout,
		metrics: o.metrics,
	}

	events, err := client.Query(ctx, prompt, gate)
	if err != nil {
		return nil, &upstreamError{err: err}
	}

	res := &StreamResult{}
	var streamErr error

loop:
	for {
		var ev *runtime.Event
		var ok bool
		select {
		case <-turn.Done():
			res.WasInterrupted = true
			break loop
		case ev, ok = <-events:
			if !ok {
				break loop
			}
		}

		if !o.registry.IsRegistered(s) || !s.State.TurnActive(turn.ID) {
			res.WasInterrupted = true
			break loop
		}

		switch ev.Kind {
		case runtime.EventText:
			tc.appendText(ev.Text)
			s.State.AppendPartial(turn.ID, ev.Text)
			if !o.sendTurn(s, turn, newTextFrame(ev.Text)) {
				res.WasInterrupted = true
				break loop
			}

		case runtime.EventToolUse:
			tu := ev.ToolUse
			isQuestion := tu.Name == AskUserQuestionTool
			tc.recordToolUse(tu.ID, tu.Name, tu.Input, !isQuestion)
			if isQuestion {
				continue
			}
			if !o.sendTurn(s, turn, toolUseStartFrame{
				Type:      OutToolUseStart,
				Tool:      tu.Name,
				ToolUseID: tu.ID,
				Input:     tu.Input,
				Timestamp: time.Now().UTC(),
			}) {
				res.WasInterrupted = true
				break loop
			}

		case runtime.EventToolResult:
			tr := ev.ToolResult
			tc.recordToolResult(tr.ToolUseID, tr.Content, tr.IsError)
			if !o.sendTurn(s, turn, toolResultFrame{
				Type:      OutToolResult,
				ToolUseID: tr.ToolUseID,
				Success:   !tr.IsError,
				Output:    tr.Content,
				Timestamp: time.Now().UTC(),
			}) {
				res.WasInterrupted = true
				break loop
			}

		case runtime.EventSummary:
			res.Usage = ev.Summary
			res.ConversationToken = ev.Summary.ConversationToken

		case runtime.EventError:
			streamErr = &upstreamError{err: ev.Err}
			break loop
		}
	}

	if res.WasInterrupted {
		// Keep the runtime unblocked until it notices the cancelled context
		go drain(events)
	}

	res.Text = tc.text()
	res.Blocks = tc.assemble()
	return res, streamErr
}

// send writes a frame and logs delivery failures; a dead connection is
// noticed by the registry check before the next event.
func (o *Orchestrator) send(s *Session, frame any) {
	if err := s.Send(frame); err != nil {
		s.logger.Debug("failed to send frame", "error", err)
	}
}

// sendTurn writes a frame belonging to turn. It reports false once the turn
// has been cancelled; delivery failures are only logged.
func (o *Orchestrator) sendTurn(s *Session, turn *Turn, frame any) bool {
	active, err := s.SendForTurn(turn.ID, frame)
	if err != nil {
		s.logger.Debug("failed to send frame", "turn", turn.ID, "error", err)
	}
	return active
}

func drain(events <-chan *runtime.Event) {
	for range events {
	}
}
