// Package chat runs interactive agent chat sessions over WebSocket.
//
// # Overview
//
// A client connects to /ws/chat/{session_id}. The Orchestrator looks the
// session up, registers the connection, and relays each chat message to an
// upstream agent runtime, streaming the runtime's output back as JSON frames.
//
// # Components
//
//   - Registry: live connections by session ID. A newer connection for the
//     same session replaces the older one.
//   - Heartbeat: one goroutine per connection sending ping frames.
//   - ClientPool: at most one runtime.Client per session, reused across
//     turns so the upstream conversation keeps its context.
//   - questionGate: the runtime.Decider that holds an AskUserQuestion tool
//     call until the client answers or the question times out.
//   - stream: the relay from runtime events to frames and content blocks.
//   - RunTurn: validation, streaming with one resume retry, and persistence.
//
// # Turn Lifecycle
//
//	Idle -> Validating -> AwaitingStream -> Persisting -> Idle
//
// At most one turn runs per session. A chat frame received while a turn is
// in flight is rejected with processing_error. Interrupting a turn or
// dropping the connection saves the user message and the partial response
// (marked incomplete) and clears the processing flag.
//
// # Frames
//
// Inbound: chat, interrupt, pong, ack, get_state, resume, question_answer.
//
// Outbound: connected, ping, thinking, text, tool_use_start, tool_result,
// user_question, result, interrupted, state, error, resume_started,
// resume_not_needed, resume_failed.
//
// Every error frame carries a stable code (see ErrorCode).
//
// # Shutdown
//
// Orchestrator.Shutdown cancels every live connection, waits for their
// cleanup (partial saves included) until its context expires, then closes
// the pooled runtime clients.
//
// # Batch Mode
//
// Connecting with ?mode=batch makes the session non-interactive: questions
// are answered with each question's first option without involving the client.
package chat
