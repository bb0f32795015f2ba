// Package permission implements the Permission Rendezvous (C8): it
// correlates an agent hook's permission-request POST with a decision from
// a browser (or from the restricted-mode policy) and unblocks the
// waiting hook within a bounded deadline. Grounded on the VM agent's
// internal/auth request/response correlation (a pending-request map keyed
// by id, resolved by an out-of-band call, with a deadline fallback) —
// generalized here from JWT verification callbacks to tool-call decisions.
package permission

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/config"
	"github.com/agentwire/portal/internal/registry"
)

// Decision is the outcome of a permission request.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Request is an incoming permission-hook call.
type Request struct {
	Tool    string
	Input   json.RawMessage
	Message string
}

// Result is returned to the agent hook.
type Result struct {
	Decision Decision `json:"decision"`
	Message  string   `json:"message,omitempty"`
}

// Hub is the subset of roomhub.Hub the rendezvous depends on.
type Hub interface {
	PublishPermissionRequest(roomID, tool string, input json.RawMessage, message string)
	PublishPermissionResolved(roomID string)
}

// pending is one outstanding permission request awaiting a decision.
type pending struct {
	id       string
	tool     string
	input    json.RawMessage
	message  string
	decision chan Result
}

// restrictedBash matches the one Bash invocation restricted mode allows:
// say/remote-say with a single double-quoted argument and nothing else.
var restrictedBash = regexp.MustCompile(`^(say|remote-say) "[^"]*"$`)

// Rendezvous correlates permission requests with decisions, at most one
// pending request per room (I3).
type Rendezvous struct {
	hub Hub
	reg *registry.Registry
	cfg *config.Config

	mu     sync.Mutex
	byRoom map[string]*pending
}

// New builds a Rendezvous.
func New(hub Hub, reg *registry.Registry, cfg *config.Config) *Rendezvous {
	return &Rendezvous{
		hub:    hub,
		reg:    reg,
		cfg:    cfg,
		byRoom: make(map[string]*pending),
	}
}

// Request handles an incoming agent-hook permission request. In
// restricted mode it resolves immediately from policy. Otherwise it
// registers a pending entry, broadcasts permission_request, and blocks
// until a decision arrives, the deadline expires, or ctx is cancelled.
func (r *Rendezvous) Request(ctx context.Context, roomID string, req Request) (Result, error) {
	room, err := r.reg.Get(roomID)
	if err != nil {
		return Result{}, err
	}

	if room.Mode == registry.ModeRestricted {
		return evaluatePolicy(req), nil
	}

	p := &pending{
		id:       uuid.NewString(),
		tool:     req.Tool,
		input:    req.Input,
		message:  req.Message,
		decision: make(chan Result, 1),
	}

	r.mu.Lock()
	if _, exists := r.byRoom[roomID]; exists {
		r.mu.Unlock()
		return Result{}, apperr.New(apperr.Conflict, "a permission request is already pending for room: "+roomID)
	}
	r.byRoom[roomID] = p
	r.mu.Unlock()

	r.hub.PublishPermissionRequest(roomID, req.Tool, req.Input, req.Message)

	deadline := r.deadline()
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case result := <-p.decision:
		return result, nil
	case <-timer.C:
		r.resolve(roomID, Result{Decision: Deny, Message: "timeout"})
		return Result{Decision: Deny, Message: "timeout"}, nil
	case <-ctx.Done():
		r.clear(roomID)
		return Result{}, ctx.Err()
	}
}

// Decide resolves the pending request for roomID with decision, supplied
// by a browser. Returns NotFound if nothing is pending.
func (r *Rendezvous) Decide(roomID string, decision Decision, message string) error {
	return r.resolve(roomID, Result{Decision: decision, Message: message})
}

func (r *Rendezvous) resolve(roomID string, result Result) error {
	r.mu.Lock()
	p, ok := r.byRoom[roomID]
	if ok {
		delete(r.byRoom, roomID)
	}
	r.mu.Unlock()

	if !ok {
		return apperr.New(apperr.NotFound, "no pending permission request for room: "+roomID)
	}

	select {
	case p.decision <- result:
	default:
	}
	r.hub.PublishPermissionResolved(roomID)
	return nil
}

func (r *Rendezvous) clear(roomID string) {
	r.mu.Lock()
	delete(r.byRoom, roomID)
	r.mu.Unlock()
}

// Pending reports whether roomID currently has a pending request.
func (r *Rendezvous) Pending(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byRoom[roomID]
	return ok
}

// RoomDestroyed resolves any pending request for roomID with deny, per
// spec's "on room destruction, resolve all pending with deny."
func (r *Rendezvous) RoomDestroyed(roomID string) {
	r.resolve(roomID, Result{Decision: Deny, Message: "room destroyed"})
}

func (r *Rendezvous) deadline() time.Duration {
	d := r.cfg.PermissionDeadline + r.cfg.PermissionSlack
	if d <= 0 {
		return 5*time.Minute + time.Second
	}
	return d
}

// evaluatePolicy implements the restricted-mode built-in policy: allow
// AskUserQuestion; allow Bash matching ^(say|remote-say) "[^"]*"$; deny
// everything else.
func evaluatePolicy(req Request) Result {
	switch req.Tool {
	case "AskUserQuestion":
		return Result{Decision: Allow}
	case "Bash":
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(req.Input, &args); err == nil && restrictedBash.MatchString(args.Command) {
			return Result{Decision: Allow}
		}
		return Result{Decision: Deny, Message: "restricted"}
	default:
		return Result{Decision: Deny, Message: "restricted"}
	}
}
