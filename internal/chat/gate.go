// ABOUTME: Question gate that pauses a turn while the user answers an AskUserQuestion call
// ABOUTME: Implements runtime.Decider; unanswered questions are denied after a timeout

package chat

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/runtime"
)

// AskUserQuestionTool is the runtime tool that requests structured user input
const AskUserQuestionTool = "AskUserQuestion"

// Deny reasons reported back to the runtime
const (
	reasonNoResponse  = "User did not respond in time"
	reasonInterrupted = "Turn was interrupted before the user answered"
	reasonUndelivered = "Question could not be delivered to the user"
)

// questionGate answers the runtime's tool permission checks for one turn
type questionGate struct {
	session *Session
	turn    *Turn
	tc      *TurnContext
	timeout time.Duration
	metrics *Metrics
}

var _ runtime.Decider = (*questionGate)(nil)

// Decide allows every tool except AskUserQuestion, which waits for the user's answer
func (g *questionGate) Decide(ctx context.Context, req runtime.ToolRequest) runtime.Decision {
	if req.ToolName != AskUserQuestionTool {
		return runtime.Allow(req.Input)
	}

	questions := questionList(req.Input)
	if len(questions) == 0 {
		return runtime.Allow(req.Input)
	}

	toolUseID := g.correlate(req)
	log := g.session.logger.With("tool_use_id", toolUseID)

	if !g.session.State.Interactive() {
		g.metrics.Questions.WithLabelValues(QuestionAutoAnswered).Inc()
		log.Debug("auto-answering question in batch mode")
		return runtime.Allow(withAnswers(req.Input, defaultAnswers(questions)))
	}

	signal, err := g.session.State.OpenQuestion(toolUseID, req.Input["questions"])
	if err != nil {
		log.Warn("question already pending, denying", "error", err)
		return runtime.Deny(err.Error())
	}

	frame := userQuestionFrame{
		Type:      OutUserQuestion,
		ToolUseID: toolUseID,
		Questions: req.Input["questions"],
		Timestamp: time.Now().UTC(),
	}
	active, err := g.session.SendForTurn(g.turn.ID, frame)
	if !active {
		g.session.State.TakeAnswer(toolUseID)
		g.metrics.Questions.WithLabelValues(QuestionCancelled).Inc()
		return runtime.Deny(reasonInterrupted)
	}
	if err != nil {
		g.session.State.TakeAnswer(toolUseID)
		log.Warn("failed to send question", "error", err)
		return runtime.Deny(reasonUndelivered)
	}
	log.Info("waiting for user answer", "timeout", g.timeout)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-signal:
		answers, _ := g.session.State.TakeAnswer(toolUseID)
		g.metrics.Questions.WithLabelValues(QuestionAnswered).Inc()
		log.Info("user answered question")
		return runtime.Allow(withAnswers(req.Input, answers))

	case <-timer.C:
		g.session.State.TakeAnswer(toolUseID)
		g.metrics.Questions.WithLabelValues(QuestionTimedOut).Inc()
		log.Warn("question timed out")
		return runtime.Deny(reasonNoResponse)

	case <-g.turn.Done():
	case <-ctx.Done():
	}

	g.session.State.TakeAnswer(toolUseID)
	g.metrics.Questions.WithLabelValues(QuestionCancelled).Inc()
	log.Info("question abandoned")
	return runtime.Deny(reasonInterrupted)
}

// correlate picks the tool_use ID the client will answer against: the most
// recent uncompleted AskUserQuestion seen this turn, else the runtime's own
// ID, else a synthesized one.
func (g *questionGate) correlate(req runtime.ToolRequest) string {
	if id := g.tc.latestUncompleted(req.ToolName); id != "" {
		return id
	}
	if req.ToolUseID != "" {
		return req.ToolUseID
	}
	return "ask_" + uuid.New().String()
}

// questionList extracts the questions array from AskUserQuestion input
func questionList(input map[string]any) []any {
	qs, _ := input["questions"].([]any)
	return qs
}

// withAnswers returns a copy of input with answers merged in
func withAnswers(input map[string]any, answers map[string]any) map[string]any {
	out := make(map[string]any, len(input)+1)
	maps.Copy(out, input)
	if answers == nil {
		answers = map[string]any{}
	}
	out["answers"] = answers
	return out
}

// defaultAnswers picks the first option of every question
func defaultAnswers(questions []any) map[string]any {
	answers := make(map[string]any, len(questions))
	for i, q := range questions {
		key := strconv.Itoa(i)
		value := "0"
		if m, ok := q.(map[string]any); ok {
			if text, ok := m["question"].(string); ok && text != "" {
				key = text
			}
			if opts, ok := m["options"].([]any); ok && len(opts) > 0 {
				value = optionLabel(opts[0])
			}
		}
		answers[key] = value
	}
	return answers
}

func optionLabel(opt any) string {
	switch v := opt.(type) {
	case string:
		return v
	case map[string]any:
		if label, ok := v["label"].(string); ok {
			return label
		}
	}
	return fmt.Sprint(opt)
}
