// ABOUTME: Error codes sent to chat clients and the sentinel errors behind them
// ABOUTME: Every error frame carries one of these stable codes

package chat

import "errors"

// ErrorCode is the stable machine-readable code on an error frame
type ErrorCode string

const (
	CodeSessionNotFound     ErrorCode = "session_not_found"
	CodeProjectNotFound     ErrorCode = "project_not_found"
	CodeAPIKeyNotConfigured ErrorCode = "api_key_not_configured"
	CodeCostLimitExceeded   ErrorCode = "cost_limit_exceeded"
	CodeProcessingError     ErrorCode = "processing_error"
	CodeChatError           ErrorCode = "chat_error"
	CodeInvalidMessageType  ErrorCode = "invalid_message_type"
	CodeConnectionTimeout   ErrorCode = "connection_timeout"
	CodeStreamInterrupted   ErrorCode = "stream_interrupted"
	CodeMessageSaveFailed   ErrorCode = "message_save_failed"
	CodeInternalError       ErrorCode = "internal_error"
)

var (
	// ErrSessionNotFound is returned by a SessionLookup for unknown sessions
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyProcessing is returned when a turn is started while another is in flight
	ErrAlreadyProcessing = errors.New("already processing a message")

	// ErrNoPendingQuestion is returned when an answer arrives with no question outstanding
	ErrNoPendingQuestion = errors.New("no pending question to answer")

	// ErrToolUseIDMismatch is returned when an answer names a different question
	ErrToolUseIDMismatch = errors.New("tool use ID mismatch")

	// ErrQuestionPending is returned when a second question is raised before the first is answered
	ErrQuestionPending = errors.New("another question is already pending")
)
