// Package httpapi is the HTTP/WS surface (C9): it registers the routes of
// spec.md §6, except restart-service, which has no handler, against a
// stdlib net/http.ServeMux using Go's method+path
// pattern routing, and wires the Session Registry, Session Orchestrator,
// TTS/STT Broker, Room Hub, and Permission Rendezvous together. Grounded
// on the VM agent's internal/server package: the same
// "mux.HandleFunc("METHOD /path", handler)" registration style
// (internal/server/server.go) and the same writeJSON/writeError response
// helpers (internal/server/routes.go).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/auditlog"
	"github.com/agentwire/portal/internal/config"
	"github.com/agentwire/portal/internal/muxadapter"
	"github.com/agentwire/portal/internal/orchestrator"
	"github.com/agentwire/portal/internal/outputpump"
	"github.com/agentwire/portal/internal/permission"
	"github.com/agentwire/portal/internal/registry"
	"github.com/agentwire/portal/internal/roomhub"
	"github.com/agentwire/portal/internal/ttsbroker"
)

// Server wires every portal component into the HTTP/WS surface.
type Server struct {
	cfg   *config.Config
	log   *slog.Logger
	reg   *registry.Registry
	orch  *orchestrator.Orchestrator
	mux   *muxadapter.Adapter
	hub   *roomhub.Hub
	tts   *ttsbroker.Broker
	perm  *permission.Rendezvous
	pump  *outputpump.Pump
	audit *auditlog.Log

	// bgCtx outlives any single request: the Output Pump is started
	// against it (never against a request's own context, which Go
	// cancels the instant the handler returns) so a room's tail loop
	// runs for the room's lifetime, not for one HTTP round trip.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	upgrader websocket.Upgrader
}

// New builds a Server. Construct the mux with NewMux. audit may be nil: its
// methods are all nil-safe no-ops, so the surface works without an audit
// log configured.
func New(cfg *config.Config, log *slog.Logger, reg *registry.Registry, orch *orchestrator.Orchestrator, mux *muxadapter.Adapter, hub *roomhub.Hub, tts *ttsbroker.Broker, perm *permission.Rendezvous, pump *outputpump.Pump, audit *auditlog.Log) *Server {
	if log == nil {
		log = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		orch:     orch,
		mux:      mux,
		hub:      hub,
		tts:      tts,
		perm:     perm,
		pump:     pump,
		audit:    audit,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Close cancels the Server's background context, stopping every pump loop
// started from it. Called during shutdown, right after the Room Hub shuts
// down and before the HTTP server drains; a pump started after Close exits
// at once, since its context is already cancelled.
func (s *Server) Close() {
	s.bgCancel()
}

// NewMux registers every route and returns the composed handler.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/create", s.handleCreate)
	mux.HandleFunc("DELETE /api/sessions/{name}", s.handleDelete)
	mux.HandleFunc("POST /api/session/{name}/recreate", s.handleRecreate)
	mux.HandleFunc("POST /api/session/{name}/fork", s.handleFork)
	mux.HandleFunc("POST /api/session/{name}/spawn-sibling", s.handleSpawnSibling)
	mux.HandleFunc("GET /api/check-path", s.handleCheckPath)
	mux.HandleFunc("GET /api/check-branches", s.handleCheckBranches)

	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /send/{name}", s.handleSend)
	mux.HandleFunc("POST /api/say/{name}", s.handleSay)
	mux.HandleFunc("POST /api/permission/{name}", s.handlePermissionRequest)
	mux.HandleFunc("POST /api/permission/{name}/respond", s.handlePermissionRespond)
	mux.HandleFunc("POST /api/answer/{name}", s.handleAnswer)

	// session/room path synonyms, per SPEC_FULL.md §E.1: the same handlers,
	// registered under /api/rooms too.
	mux.HandleFunc("GET /api/rooms", s.handleListSessions)
	mux.HandleFunc("DELETE /api/rooms/{name}", s.handleDelete)
	mux.HandleFunc("POST /api/room/{name}/recreate", s.handleRecreate)
	mux.HandleFunc("POST /api/room/{name}/fork", s.handleFork)
	mux.HandleFunc("POST /api/room/{name}/spawn-sibling", s.handleSpawnSibling)

	mux.HandleFunc("GET /ws/{name}", s.handleRoomWS)
	mux.HandleFunc("GET /ws/terminal/{name}", s.handleTerminalWS)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), apperr.BodyFor(err))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.New(apperr.BadName, "empty request body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.BadName, "invalid request body", err)
	}
	return nil
}
