// handleTerminalWS: raw pty passthrough, binary frames in both
// directions with a thin JSON control channel for resize, grounded on
// the VM agent's internal/server/websocket.go terminal handler (input/
// resize message types over a text-framed JSON envelope), generalized
// to carry raw pty bytes as binary frames instead of JSON-wrapped text
// so UTF-8 splits and control sequences survive untouched.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

type terminalControl struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	room, err := s.reg.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}

	cols := s.cfg.DefaultCols
	rows := s.cfg.DefaultRows
	if v, err := strconv.Atoi(r.URL.Query().Get("cols")); err == nil && v > 0 {
		cols = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("rows")); err == nil && v > 0 {
		rows = v
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("terminal ws upgrade failed", "room", name, "error", err)
		return
	}
	defer conn.Close()

	pty, err := s.mux.AttachPty(r.Context(), room.Host, room.ID, cols, rows)
	if err != nil {
		s.log.Warn("attach pty failed", "room", name, "error", err)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"failed to attach terminal"}`))
		return
	}
	defer pty.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteDeadline))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadDeadline))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			if _, err := pty.Write(data); err != nil {
				break
			}
		case websocket.TextMessage:
			var ctrl terminalControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			if ctrl.Type == "resize" && ctrl.Cols > 0 && ctrl.Rows > 0 {
				_ = pty.Resize(ctrl.Cols, ctrl.Rows)
			}
		}
	}

	pty.Close()
	<-done
}
