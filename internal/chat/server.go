// ABOUTME: WebSocket connection handler for /ws/chat/{session_id}
// ABOUTME: Registers the session, runs the receive loop, and cleans up on disconnect

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxFrameBytes bounds a single inbound frame
const maxFrameBytes = 1 << 20

// wsWriter adapts a websocket connection to frameWriter
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteFrame(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.conn, v)
}

// ServeHTTP upgrades the request and serves one chat connection until it closes.
// The session ID comes from the {session_id} path segment.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: o.cfg.AllowedOrigins,
	})
	if err != nil {
		o.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	writer := &wsWriter{conn: conn}
	ctx := r.Context()

	info, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		code, msg := CodeSessionNotFound, "Session not found"
		if !errors.Is(err, ErrSessionNotFound) {
			o.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
			code, msg = CodeInternalError, "Failed to load session"
		}
		wctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		_ = writer.WriteFrame(wctx, newErrorFrame(code, msg, map[string]any{"session_id": sessionID}))
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, msg)
		return
	}

	o.conns.Add(1)
	defer o.conns.Done()

	interactive := r.URL.Query().Get("mode") != "batch"
	s := newSession(ctx, sessionID, info, writer, interactive, o.cfg.SendTimeout, o.logger)
	o.open(s)
	defer o.cleanup(s)

	o.receive(s, conn)
}

// open registers s, replacing any older connection for the same session
func (o *Orchestrator) open(s *Session) {
	if prev := o.registry.Register(s); prev != nil {
		prev.logger.Info("connection replaced by a newer one")
		prev.cancel()
	}
	o.metrics.Connections.Inc()
	s.State.SetConnectionState(StateConnected)
	o.touchSession(s)
	s.logger.Info("chat connection opened",
		"project_id", s.ProjectID,
		"interactive", s.State.Interactive(),
	)

	o.send(s, connectedFrame{Type: OutConnected, SessionID: s.ID, Timestamp: time.Now().UTC()})
	go runHeartbeat(s, o.cfg.HeartbeatInterval)
}

// receive reads frames until the connection fails or s is cancelled
func (o *Orchestrator) receive(s *Session, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Debug("client closed connection")
			default:
				if s.ctx.Err() == nil {
					s.logger.Warn("receive failed", "error", err)
				}
			}
			return
		}

		s.State.Touch()

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.sendError(CodeProcessingError, "Invalid message format", nil)
			continue
		}
		o.dispatch(s, &in)
	}
}

// dispatch routes one inbound frame. Chat turns run on their own goroutine so
// interrupts and answers are handled while a turn is in flight.
func (o *Orchestrator) dispatch(s *Session, in *Inbound) {
	switch in.Type {
	case InChat:
		if strings.TrimSpace(in.Content) == "" {
			s.sendError(CodeProcessingError, "Message content is required", nil)
			return
		}
		turn, ok := o.beginTurn(s, in.Content)
		if !ok {
			return
		}
		go o.runTurn(s, turn, in.Content, in.Files)

	case InInterrupt:
		o.handleInterrupt(s)

	case InPong:
		// Touch already recorded the activity

	case InAck:
		o.handleAck(s, in.MessageID)

	case InGetState:
		o.handleGetState(s)

	case InResume:
		o.handleResume(s)

	case InQuestionAnswer:
		o.handleQuestionAnswer(s, in)

	default:
		s.sendError(CodeInvalidMessageType, fmt.Sprintf("Unknown message type: %s", in.Type), map[string]any{"type": in.Type})
	}
}

// cleanup saves any in-flight turn and releases the session's resources
func (o *Orchestrator) cleanup(s *Session) {
	s.State.SetConnectionState(StateDisconnecting)

	if ct, ok := s.CancelTurn(); ok {
		saved := o.abandonTurn(s, ct)
		s.logger.Info("saved in-flight turn on disconnect", "turn", ct.TurnID, "partial_saved", saved)
	}

	// A replacing connection keeps the runtime client and its conversation
	if o.registry.Remove(s) {
		o.pool.Close(context.WithoutCancel(s.ctx), s.ID)
	}

	s.cancel()
	s.State.SetConnectionState(StateDisconnected)
	o.metrics.Connections.Dec()
	s.logger.Info("chat connection closed")
}
