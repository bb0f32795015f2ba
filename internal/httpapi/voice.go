// Voice and permission handlers: transcription, typed input, speech
// synthesis, permission rendezvous, and question answering. Grounded on
// the TTS/STT broker (internal/ttsbroker) and permission rendezvous
// (internal/permission) this package composes; the multipart upload
// handling follows the VM agent's upload-handling style in
// internal/server/routes.go.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/permission"
)

// handleTranscribe serves POST /transcribe.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, apperr.Wrap(apperr.BadName, "missing audio upload", err))
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "reading audio upload", err))
		return
	}

	text, err := s.tts.Transcribe(r.Context(), audio, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text})
}

type sendRequest struct {
	Text string `json:"text"`
}

// handleSend serves POST /send/{name}.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	room, err := s.reg.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.mux.SendKeys(r.Context(), room.Host, name, req.Text); err != nil {
		writeError(w, err)
		return
	}
	s.hub.TouchActivity(name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type sayRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// handleSay serves POST /api/say/{name}: synthesizes speech and publishes
// it as an audio frame to every WS subscriber of the room.
func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req sayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Text == "" {
		writeError(w, apperr.New(apperr.BadName, "text is required"))
		return
	}

	if _, err := s.reg.Get(name); err != nil {
		writeError(w, err)
		return
	}

	s.hub.PublishTTSStart(name, req.Text)
	audio, err := s.tts.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.PublishAudio(name, base64.StdEncoding.EncodeToString(audio))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type permissionRequestBody struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Message   string          `json:"message"`
}

// handlePermissionRequest serves POST /api/permission/{name}: the agent
// hook blocks here until the browser responds or the deadline expires.
func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req permissionRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.perm.Request(r.Context(), name, permission.Request{
		Tool:    req.ToolName,
		Input:   req.ToolInput,
		Message: req.Message,
	})
	if err != nil {
		s.audit.Record(name, "permission_request", map[string]any{"tool": req.ToolName}, "error: "+err.Error())
		writeError(w, err)
		return
	}
	s.audit.Record(name, "permission_request", map[string]any{"tool": req.ToolName}, string(result.Decision))
	writeJSON(w, http.StatusOK, map[string]any{"decision": string(result.Decision), "message": result.Message})
}

type permissionRespondRequest struct {
	Decision string `json:"decision"`
	Message  string `json:"message"`
}

// handlePermissionRespond serves POST /api/permission/{name}/respond.
func (s *Server) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req permissionRespondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.perm.Decide(name, permission.Decision(req.Decision), req.Message); err != nil {
		writeError(w, err)
		return
	}
	s.audit.Record(name, "permission_respond", nil, req.Decision)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type answerRequest struct {
	Answer       string `json:"answer"`
	OptionNumber int    `json:"option_number"`
	Custom       bool   `json:"custom"`
}

// handleAnswer serves POST /api/answer/{name}.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	answer := req.Answer
	if answer == "" && req.OptionNumber > 0 {
		answer = strconv.Itoa(req.OptionNumber)
	}
	if answer == "" {
		writeError(w, apperr.New(apperr.BadName, "answer or option_number is required"))
		return
	}

	if err := s.hub.AnswerQuestion(r.Context(), name, answer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

