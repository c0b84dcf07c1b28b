// ABOUTME: Handlers for control frames: interrupt, resume, get_state, ack, question_answer
// ABOUTME: All run on the receive loop and never block on a turn

package chat

import (
	"fmt"
	"time"
)

// handleInterrupt stops the in-flight turn and saves what it produced so far
func (o *Orchestrator) handleInterrupt(s *Session) {
	ct, ok := s.CancelTurn()
	if !ok {
		o.send(s, interruptedFrame{
			Type:      OutInterrupted,
			Message:   "No active processing to interrupt",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	saved := o.abandonTurn(s, ct)
	s.logger.Info("turn interrupted by client", "turn", ct.TurnID, "partial_saved", saved)
	o.send(s, interruptedFrame{
		Type:         OutInterrupted,
		Message:      "Processing interrupted",
		PartialSaved: saved,
		Timestamp:    time.Now().UTC(),
	})
}

// handleResume reports whether a turn left in flight by an earlier connection
// can be resumed. It never restarts the turn itself.
func (o *Orchestrator) handleResume(s *Session) {
	ctx := s.Context()

	state, err := o.history.GetProcessingState(ctx, s.ID)
	if err != nil {
		s.logger.Error("failed to read processing state", "error", err)
		o.sendResume(s, resumeFrame{Type: OutResumeFailed, Error: "Failed to read session state"})
		return
	}
	if !state.IsProcessing {
		o.sendResume(s, resumeFrame{Type: OutResumeNotNeeded, Message: "No active processing to resume"})
		return
	}

	token, err := o.history.GetConversationToken(ctx, s.ID)
	if err != nil {
		s.logger.Error("failed to read conversation token", "error", err)
		o.sendResume(s, resumeFrame{Type: OutResumeFailed, Error: "Failed to read session state"})
		return
	}
	if token == "" {
		o.setProcessingFlag(s, false)
		o.sendResume(s, resumeFrame{Type: OutResumeFailed, Error: "No conversation to resume"})
		return
	}

	if state.StartedAt != nil && time.Since(*state.StartedAt) > o.cfg.ResumeCeiling {
		o.setProcessingFlag(s, false)
		s.logger.Info("abandoned turn too old to resume", "started_at", state.StartedAt)
		o.sendResume(s, resumeFrame{
			Type:  OutResumeFailed,
			Error: fmt.Sprintf("Processing timeout exceeded (%d minutes)", int(o.cfg.ResumeCeiling.Minutes())),
		})
		return
	}

	o.sendResume(s, resumeFrame{Type: OutResumeStarted, ConversationToken: token})
}

func (o *Orchestrator) sendResume(s *Session, f resumeFrame) {
	f.Timestamp = time.Now().UTC()
	o.send(s, f)
}

func (o *Orchestrator) handleGetState(s *Session) {
	snap := s.State.Snapshot()
	o.send(s, stateFrame{
		Type:               OutState,
		SessionID:          s.ID,
		ConnectionState:    snap.ConnectionState.String(),
		IsProcessing:       snap.IsProcessing,
		HasPartialResponse: snap.HasPartialResponse,
		IsWaitingForAnswer: snap.IsWaitingForAnswer,
		PendingAcks:        snap.PendingAcks,
		LastActivity:       snap.LastActivity.UTC(),
		Timestamp:          time.Now().UTC(),
	})
}

func (o *Orchestrator) handleAck(s *Session, messageID string) {
	if !s.State.Ack(messageID) {
		s.logger.Debug("ack for unknown message", "message_id", messageID)
	}
}

// handleQuestionAnswer wakes the question gate. A wrong tool_use_id leaves it waiting.
func (o *Orchestrator) handleQuestionAnswer(s *Session, in *Inbound) {
	if err := s.State.AnswerQuestion(in.ToolUseID, in.Answers); err != nil {
		s.logger.Debug("rejected question answer", "tool_use_id", in.ToolUseID, "error", err)
		s.sendError(CodeProcessingError, err.Error(), map[string]any{"tool_use_id": in.ToolUseID})
		return
	}
	s.logger.Info("question answered", "tool_use_id", in.ToolUseID)
}
