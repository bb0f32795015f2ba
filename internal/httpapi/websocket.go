// WebSocket handlers: the per-room broadcast socket (C6 fan-out) and the
// raw pty passthrough socket. Grounded on the VM agent's
// internal/server/websocket.go control-message loop (a Type-discriminated
// JSON envelope read in a loop, dispatched by switch), generalized from a
// single local pty to a multiplexer session that may live on a remote host.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentwire/portal/internal/permission"
	"github.com/agentwire/portal/internal/registry"
)

// wsSocket adapts a *websocket.Conn to roomhub.Socket. Only the hub's
// dedicated write-pump goroutine ever calls WriteMessage on a given
// subscriber, so no additional write lock is needed here.
type wsSocket struct {
	conn          *websocket.Conn
	writeDeadline time.Duration
}

func (s *wsSocket) WriteMessage(data []byte) error {
	if s.writeDeadline > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a going-away (1001) close frame before closing the
// underlying connection, per spec.md §5's shutdown contract.
func (s *wsSocket) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
	return s.conn.Close()
}

type roomCommand struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Decision string `json:"decision,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleRoomWS serves GET /ws/{name}: the per-room broadcast socket a
// browser tab subscribes to for output, questions, and activity frames,
// and through which it can type input, claim the talker lock, answer
// questions, and resolve permission requests.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	room, err := s.reg.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "room", name, "error", err)
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	sub, err := s.hub.Subscribe(name, &wsSocket{conn: conn, writeDeadline: s.cfg.WSWriteDeadline}, subID)
	if err != nil {
		s.log.Warn("subscribe failed", "room", name, "error", err)
		return
	}
	defer s.hub.Unsubscribe(name, subID)

	go func() {
		<-sub.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd roomCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		s.dispatchRoomCommand(r, room, subID, cmd)
	}
}

// dispatchRoomCommand applies one inbound control message from a room's
// WS tab. The hub's own broadcasts (session_locked, question, etc.) carry
// the resulting state back to every subscriber, so most of these are
// fire-and-forget from this socket's point of view.
func (s *Server) dispatchRoomCommand(r *http.Request, room registry.Room, subID string, cmd roomCommand) {
	switch cmd.Type {
	case "input":
		if err := s.mux.SendKeys(r.Context(), room.Host, room.ID, cmd.Text); err != nil {
			s.log.Warn("ws input send-keys failed", "room", room.ID, "error", err)
			return
		}
		s.hub.TouchActivity(room.ID)

	case "recording_started":
		if _, err := s.hub.TryLock(room.ID, subID); err != nil {
			s.log.Warn("ws recording_started failed", "room", room.ID, "error", err)
		}

	case "recording_stopped":
		if err := s.hub.Unlock(room.ID, subID); err != nil {
			s.log.Warn("ws recording_stopped failed", "room", room.ID, "error", err)
		}

	case "answer":
		if err := s.hub.AnswerQuestion(r.Context(), room.ID, cmd.Answer); err != nil {
			s.log.Warn("ws answer failed", "room", room.ID, "error", err)
		}

	case "permission_respond":
		if err := s.perm.Decide(room.ID, permission.Decision(cmd.Decision), cmd.Message); err != nil {
			s.log.Warn("ws permission_respond failed", "room", room.ID, "error", err)
		}

	default:
		s.log.Debug("unknown room ws command", "room", room.ID, "type", cmd.Type)
	}
}
