// Package registry holds the canonical room table: the in-memory map of
// known rooms (agent sessions) across all hosts. It reconciles against the
// multiplexer on demand and owns per-room settings (voice, permission
// mode, role files, parent for hierarchical notification), optionally
// persisting those settings through a roomconfig.Store so they survive a
// restart even though room existence itself is always rediscovered fresh
// from the multiplexer. Grounded on the VM agent's agentsessions.Manager
// (RWMutex-guarded map of records, copy-on-read), generalized from a
// per-workspace session map to a flat cross-host room table keyed by
// canonical id.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/muxadapter"
	"github.com/agentwire/portal/internal/roomconfig"
)

// PermissionMode is one of the three modes a room can run in.
type PermissionMode string

const (
	ModeBypass    PermissionMode = "bypass"
	ModePrompted  PermissionMode = "prompted"
	ModeRestricted PermissionMode = "restricted"
)

// Room is the registry's record of one agent session.
type Room struct {
	ID             string
	Host           string
	Cwd            string
	WorktreeBranch string
	Mode           PermissionMode
	Voice          string
	Roles          []string
	ParentID       string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ConfigPatch updates the mutable subset of a Room's fields.
type ConfigPatch struct {
	Voice    *string
	Mode     *PermissionMode
	Roles    []string
	ParentID *string
}

// GoneEvent fires when reconciliation discovers a room's underlying
// multiplexer session has disappeared.
type GoneEvent struct {
	RoomID string
}

// Registry is the thread-safe canonical room table.
type Registry struct {
	mux      *muxadapter.Adapter
	onGone   func(GoneEvent)
	store    *roomconfig.Store

	mu    sync.RWMutex
	rooms map[string]*Room

	coalesce time.Duration
	lastReconcile map[string]time.Time
	reconcileMu   sync.Mutex
}

// New builds a Registry. onGone is invoked (outside any lock) whenever
// reconciliation removes a room because its multiplexer session vanished.
func New(mux *muxadapter.Adapter, coalesce time.Duration, onGone func(GoneEvent)) *Registry {
	if coalesce <= 0 {
		coalesce = 2 * time.Second
	}
	return &Registry{
		mux:           mux,
		onGone:        onGone,
		rooms:         make(map[string]*Room),
		coalesce:      coalesce,
		lastReconcile: make(map[string]time.Time),
	}
}

// SetConfigStore attaches the persisted voice/mode/roles/parent overlay
// store. Left unset, the registry behaves exactly as before: new rooms
// get config defaults and nothing is persisted across a restart. Set
// once, at startup, before the registry starts taking reconcile/update
// calls from request handlers.
func (r *Registry) SetConfigStore(store *roomconfig.Store) {
	r.store = store
}

// Get returns a copy of the room record for id, or NotFound.
func (r *Registry) Get(id string) (Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return Room{}, apperr.New(apperr.NotFound, "room not found: "+id)
	}
	return *room, nil
}

// List returns a snapshot of every room, oldest first.
func (r *Registry) List() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		result = append(result, *room)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ListByHost returns a snapshot of every room on host.
func (r *Registry) ListByHost(host string) []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Room
	for _, room := range r.rooms {
		if room.Host == host {
			result = append(result, *room)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Put inserts or replaces a room record.
func (r *Registry) Put(room Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := room
	r.rooms[room.ID] = &cp
}

// Delete removes a room record, returning NotFound if it was already
// absent (idempotent verbs treat this as success, per spec.md §7).
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.rooms[id]
	if ok {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotFound, "room not found: "+id)
	}
	r.store.Delete(id)
	return nil
}

// UpdateConfig applies patch to an existing room and persists the
// resulting overlay so it survives a portal restart.
func (r *Registry) UpdateConfig(id string, patch ConfigPatch) error {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return apperr.New(apperr.NotFound, "room not found: "+id)
	}
	if patch.Voice != nil {
		room.Voice = *patch.Voice
	}
	if patch.Mode != nil {
		room.Mode = *patch.Mode
	}
	if patch.Roles != nil {
		room.Roles = patch.Roles
	}
	if patch.ParentID != nil {
		room.ParentID = *patch.ParentID
	}
	overlay := roomconfig.Overlay{
		Voice:    room.Voice,
		Mode:     string(room.Mode),
		Roles:    room.Roles,
		ParentID: room.ParentID,
	}
	r.mu.Unlock()

	return r.store.Save(id, overlay)
}

// TouchActivity bumps a room's last-activity timestamp.
func (r *Registry) TouchActivity(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		room.LastActivityAt = at
	}
}

// Reconcile diffs the multiplexer's session list for host against the
// registry: sessions present in the multiplexer but not the registry are
// added with config defaults; sessions present in the registry but not the
// multiplexer are deleted and reported via onGone. Calls are coalesced to
// at most once per `coalesce` window per host.
func (r *Registry) Reconcile(ctx context.Context, host string) error {
	r.reconcileMu.Lock()
	last, ok := r.lastReconcile[host]
	if ok && time.Since(last) < r.coalesce {
		r.reconcileMu.Unlock()
		return nil
	}
	r.lastReconcile[host] = time.Now()
	r.reconcileMu.Unlock()

	sessions, err := r.mux.ListSessions(ctx, host)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
	}

	r.mu.Lock()
	var goneIDs []string
	var toAdd []string
	for id := range live {
		if _, ok := r.rooms[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id, room := range r.rooms {
		if room.Host != host {
			continue
		}
		if !live[id] {
			goneIDs = append(goneIDs, id)
		}
	}
	for _, id := range goneIDs {
		delete(r.rooms, id)
	}
	now := time.Now()
	for _, id := range toAdd {
		room := &Room{
			ID:        id,
			Host:      host,
			Mode:      ModePrompted,
			CreatedAt: now,
		}
		if overlay, ok := r.store.Get(id); ok {
			room.Voice = overlay.Voice
			room.Roles = overlay.Roles
			room.ParentID = overlay.ParentID
			if overlay.Mode != "" {
				room.Mode = PermissionMode(overlay.Mode)
			}
		}
		r.rooms[id] = room
	}
	r.mu.Unlock()

	if r.onGone != nil {
		for _, id := range goneIDs {
			r.onGone(GoneEvent{RoomID: id})
		}
	}
	return nil
}
