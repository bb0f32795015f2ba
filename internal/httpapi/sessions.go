// Session lifecycle handlers: list/create/delete/recreate/fork/spawn-sibling
// plus the git introspection helpers used by the new-session dialog.
// Grounded on the VM agent's worktree handlers (internal/server/worktrees.go)
// for the request/response shapes, generalized from one workspace to the
// cross-host room registry.
package httpapi

import (
	"net/http"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/orchestrator"
	"github.com/agentwire/portal/internal/registry"
)

type sessionDTO struct {
	Name              string `json:"name"`
	Path              string `json:"path"`
	Voice             string `json:"voice,omitempty"`
	Machine           string `json:"machine"`
	BypassPermissions bool   `json:"bypass_permissions"`
	Restricted        bool   `json:"restricted"`
	Activity          string `json:"activity"`
	Branch            string `json:"branch,omitempty"`
}

type machineDTO struct {
	ID           string       `json:"id"`
	SessionCount int          `json:"session_count"`
	Sessions     []sessionDTO `json:"sessions"`
}

func (s *Server) toDTO(r registry.Room) sessionDTO {
	activity := "idle"
	if s.hub.IsActive(r.ID) {
		activity = "active"
	}
	return sessionDTO{
		Name:              r.ID,
		Path:              r.Cwd,
		Voice:             r.Voice,
		Machine:           r.Host,
		BypassPermissions: r.Mode == registry.ModeBypass,
		Restricted:        r.Mode == registry.ModeRestricted,
		Activity:          activity,
		Branch:            r.WorktreeBranch,
	}
}

// handleListSessions serves GET /api/sessions (and its /api/rooms synonym).
// Reconciles every configured host first (registry.Reconcile coalesces
// repeat calls within its own window, so this is cheap on a quiet portal).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	for _, host := range s.reconcileHosts() {
		if err := s.reg.Reconcile(r.Context(), host); err != nil {
			s.log.Warn("reconcile failed", "host", host, "error", err)
		}
	}
	rooms := s.reg.List()

	local := struct {
		Sessions []sessionDTO `json:"sessions"`
	}{Sessions: []sessionDTO{}}
	byHost := map[string][]sessionDTO{}

	for _, room := range rooms {
		dto := s.toDTO(room)
		if room.Host == "local" || room.Host == "" {
			local.Sessions = append(local.Sessions, dto)
			continue
		}
		byHost[room.Host] = append(byHost[room.Host], dto)
	}

	machines := make([]machineDTO, 0, len(byHost))
	for id, sessions := range byHost {
		machines = append(machines, machineDTO{ID: id, SessionCount: len(sessions), Sessions: sessions})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"local":    local,
		"machines": machines,
	})
}

type createRequest struct {
	Name              string   `json:"name"`
	Path              string   `json:"path"`
	Voice             string   `json:"voice"`
	Machine           string   `json:"machine"`
	Worktree          bool     `json:"worktree"`
	Branch            string   `json:"branch"`
	BypassPermissions bool     `json:"bypass_permissions"`
	Restricted        bool     `json:"restricted"`
	Roles             []string `json:"roles"`
}

func (c createRequest) mode() registry.PermissionMode {
	switch {
	case c.BypassPermissions:
		return registry.ModeBypass
	case c.Restricted:
		return registry.ModeRestricted
	default:
		return registry.ModePrompted
	}
}

func orchestratorNewParams(req createRequest, host, branch string) orchestrator.NewParams {
	return orchestrator.NewParams{
		Name:   req.Name,
		Host:   host,
		Cwd:    req.Path,
		Branch: branch,
		Roles:  req.Roles,
		Mode:   req.mode(),
		Voice:  req.Voice,
	}
}

// reconcileHosts returns every host reconciliation must cover: "local"
// always exists implicitly (config.go) and need not be listed in
// cfg.Hosts, so it's added explicitly here alongside every configured host.
func (s *Server) reconcileHosts() []string {
	hosts := make([]string, 0, len(s.cfg.Hosts)+1)
	hosts = append(hosts, "local")
	for host := range s.cfg.Hosts {
		if host == "local" {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// startRoom brings up the Room Hub and Output Pump for a newly created or
// recreated room. The pump runs against the Server's background context,
// not the request's: the request context is cancelled the instant this
// handler returns, which would kill the pump's tail loop before it ever
// captured a frame.
func (s *Server) startRoom(room registry.Room) {
	s.hub.EnsureRoom(room.ID, room.Host)
	s.pump.Start(s.bgCtx, room)
}

func (s *Server) stopRoom(roomID string) {
	s.pump.Stop(roomID)
	s.hub.RemoveRoom(roomID)
	s.perm.RoomDestroyed(roomID)
}

// handleCreate serves POST /api/create.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, apperr.New(apperr.BadName, "name and path are required"))
		return
	}
	host := req.Machine
	if host == "" {
		host = "local"
	}
	branch := ""
	if req.Worktree {
		branch = req.Branch
	}

	room, err := s.orch.New(r.Context(), orchestratorNewParams(req, host, branch))
	if err != nil {
		s.audit.Record(req.Name, "create", map[string]any{"path": req.Path, "machine": host}, "error: "+err.Error())
		writeError(w, err)
		return
	}
	s.startRoom(room)
	s.audit.Record(room.ID, "create", map[string]any{"path": room.Cwd, "machine": room.Host}, "ok")

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"name":    room.ID,
		"path":    room.Cwd,
		"branch":  room.WorktreeBranch,
		"machine": room.Host,
	})
}

// handleDelete serves DELETE /api/sessions/{name} (and /api/rooms/{name}).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.orch.Kill(r.Context(), name); err != nil {
		s.audit.Record(name, "kill", nil, "error: "+err.Error())
		writeError(w, err)
		return
	}
	s.stopRoom(name)
	s.audit.Record(name, "kill", nil, "ok")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session killed"})
}

// handleRecreate serves POST /api/session/{name}/recreate (and the room
// synonym).
func (s *Server) handleRecreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.stopRoom(name)
	room, err := s.orch.Recreate(r.Context(), name)
	if err != nil {
		s.audit.Record(name, "recreate", nil, "error: "+err.Error())
		writeError(w, err)
		return
	}
	s.startRoom(room)
	s.audit.Record(room.ID, "recreate", nil, "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"name":    room.ID,
		"path":    room.Cwd,
		"branch":  room.WorktreeBranch,
		"machine": room.Host,
	})
}

type forkRequest struct {
	Target string `json:"target"`
}

// handleFork serves POST /api/session/{name}/fork (and the room synonym).
func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("name")
	var req forkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Target == "" {
		writeError(w, apperr.New(apperr.BadName, "target is required"))
		return
	}

	room, err := s.orch.Fork(r.Context(), source, req.Target)
	if err != nil {
		s.audit.Record(source, "fork", map[string]any{"target": req.Target}, "error: "+err.Error())
		writeError(w, err)
		return
	}
	s.startRoom(room)
	s.audit.Record(room.ID, "fork", map[string]any{"source": source}, "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"name":    room.ID,
		"path":    room.Cwd,
		"branch":  room.WorktreeBranch,
		"machine": room.Host,
	})
}

type spawnSiblingRequest struct {
	Kind   string `json:"kind"`
	Branch string `json:"branch"`
}

// handleSpawnSibling serves POST /api/session/{name}/spawn-sibling (and the
// room synonym).
func (s *Server) handleSpawnSibling(w http.ResponseWriter, r *http.Request) {
	parent := r.PathValue("name")
	var req spawnSiblingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		req.Kind = "lightweight"
	}

	idx, err := s.orch.SpawnPane(r.Context(), parent, req.Kind, req.Branch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pane_index": idx})
}

// handleCheckPath serves GET /api/check-path.
func (s *Server) handleCheckPath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	host := r.URL.Query().Get("machine")
	if host == "" {
		host = "local"
	}
	if path == "" {
		writeError(w, apperr.New(apperr.BadName, "path is required"))
		return
	}

	isGit, branch, err := s.orch.CheckPath(r.Context(), host, path)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"is_git": isGit}
	if isGit {
		resp["current_branch"] = branch
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCheckBranches serves GET /api/check-branches.
func (s *Server) handleCheckBranches(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	host := r.URL.Query().Get("machine")
	prefix := r.URL.Query().Get("prefix")
	if host == "" {
		host = "local"
	}
	if path == "" {
		writeError(w, apperr.New(apperr.BadName, "path is required"))
		return
	}

	branches, err := s.orch.CheckBranches(r.Context(), host, path, prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"existing": branches})
}
