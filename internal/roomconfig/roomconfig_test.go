package roomconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "rooms.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := s.Get("api"); ok {
		t.Error("expected no overlay from a missing file")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ov := Overlay{Voice: "nova", Mode: "bypass", Roles: []string{"reviewer"}, ParentID: "parent-1"}
	if err := s.Save("api", ov); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get("api")
	if !ok {
		t.Fatal("expected overlay to round-trip")
	}
	if !reflect.DeepEqual(got, ov) {
		t.Errorf("got %+v, want %+v", got, ov)
	}
}

func TestDeleteRemovesOverlayAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	s, _ := Load(path)
	s.Save("api", Overlay{Voice: "nova"})

	if err := s.Delete("api"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("api"); ok {
		t.Error("expected overlay removed")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.Get("api"); ok {
		t.Error("expected deletion to persist across reload")
	}
}

func TestDeleteUnknownRoomIsNoop(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "rooms.json"))
	if err := s.Delete("ghost"); err != nil {
		t.Fatalf("Delete on unknown id should be a no-op, got %v", err)
	}
}

func TestNilStoreIsNoopThroughout(t *testing.T) {
	var s *Store
	if _, ok := s.Get("api"); ok {
		t.Error("expected nil store Get to report not-found")
	}
	if err := s.Save("api", Overlay{Voice: "nova"}); err != nil {
		t.Errorf("expected nil store Save to be a no-op, got %v", err)
	}
	if err := s.Delete("api"); err != nil {
		t.Errorf("expected nil store Delete to be a no-op, got %v", err)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject malformed JSON")
	}
}
