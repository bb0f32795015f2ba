package tunnel

import (
	"sync"

	"github.com/agentwire/portal/internal/apperr"
)

// HealthTracker records which hosts are currently degraded, per
// SPEC_FULL.md's supplemented "host health" feature: Manager.Up marks a
// host degraded when bringing up one of its forwards fails with
// HostUnreachable. A mark is cleared only by Record(host, nil) or
// ClearDegraded; no portal call site makes either call after a success.
// It is deliberately not a metrics subsystem — one bool per host id,
// nothing retained over time.
type HealthTracker struct {
	mu       sync.RWMutex
	degraded map[string]bool
}

// NewHealthTracker returns an empty tracker; every host starts healthy.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{degraded: make(map[string]bool)}
}

// MarkDegraded flags host as degraded.
func (h *HealthTracker) MarkDegraded(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded[host] = true
}

// ClearDegraded flags host as healthy again.
func (h *HealthTracker) ClearDegraded(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.degraded, host)
}

// IsDegraded reports whether host is currently flagged degraded.
func (h *HealthTracker) IsDegraded(host string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.degraded[host]
}

// Record is a convenience for call sites that just have an error: nil
// clears degraded status, apperr.HostUnreachable sets it, anything else is
// left alone.
func (h *HealthTracker) Record(host string, err error) {
	if host == "" || host == "local" {
		return
	}
	if err == nil {
		h.ClearDegraded(host)
		return
	}
	if apperr.Is(err, apperr.HostUnreachable) {
		h.MarkDegraded(host)
	}
}
