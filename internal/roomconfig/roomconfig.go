// Package roomconfig persists the one piece of room state that must
// survive a portal restart: per-room voice/permission-mode/role/parent
// overrides. Everything else about a room (whether it exists at all) is
// reconstructed from the multiplexer by the registry's own reconciliation,
// per spec.md's "no database" non-goal — this is a flat JSON file, not a
// database, and is rewritten wholesale on every mutation rather than
// appended to, unlike internal/auditlog's batched log.
package roomconfig

import (
	"encoding/json"
	"os"
	"sync"
)

// Overlay is the subset of a room's settings worth remembering across a
// restart, keyed by room id in the on-disk map. Mode mirrors
// registry.PermissionMode's string values ("bypass", "prompted",
// "restricted") without importing that package, so the registry can
// depend on roomconfig and not the other way around.
type Overlay struct {
	Voice    string   `json:"voice,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	ParentID string   `json:"parent,omitempty"`
}

// Store is a thread-safe, nil-safe wrapper around a JSON file mapping
// room id to Overlay. A nil *Store behaves like an empty, read-only store.
type Store struct {
	path string

	mu       sync.Mutex
	overlays map[string]Overlay
}

// Load reads path into a Store. A missing file is treated as an empty
// store rather than an error, since the first portal run has nothing to
// load yet.
func Load(path string) (*Store, error) {
	s := &Store{path: path, overlays: map[string]Overlay{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.overlays); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the persisted overlay for id, if any.
func (s *Store) Get(id string) (Overlay, bool) {
	if s == nil {
		return Overlay{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.overlays[id]
	return ov, ok
}

// Save records ov for id and rewrites the backing file.
func (s *Store) Save(id string, ov Overlay) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[id] = ov
	return s.persistLocked()
}

// Delete removes any persisted overlay for id and rewrites the backing
// file. A room with no overlay is left as a no-op.
func (s *Store) Delete(id string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overlays[id]; !ok {
		return nil
	}
	delete(s.overlays, id)
	return s.persistLocked()
}

// persistLocked marshals and writes the file; callers must hold s.mu so
// the in-memory map and the on-disk copy never interleave across calls.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.overlays, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
