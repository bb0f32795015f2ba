// Package outputpump implements the Output Pump (C7): one background
// task per active room that tails the multiplexer pane, diffs against
// the prior snapshot, publishes output/activity events to the Room Hub,
// and parses pane text for the structured question grammar. Grounded on
// the VM agent's idle-detection sampling loop (internal/idle) —
// generalized from a single whole-VM idle timer into a per-room polling
// loop that also diffs pane content and extracts questions, neither of
// which the teacher's idle loop needs to do.
package outputpump

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/config"
	"github.com/agentwire/portal/internal/muxadapter"
	"github.com/agentwire/portal/internal/question"
	"github.com/agentwire/portal/internal/registry"
	"github.com/agentwire/portal/internal/roomhub"
)

// Hub is the subset of roomhub.Hub the pump depends on.
type Hub interface {
	PublishOutput(roomID, text string)
	TouchActivity(roomID string)
	SetQuestion(roomID string, q *question.Question) error
	PendingQuestion(roomID string) (*question.Question, bool)
}

// Mux is the subset of muxadapter.Adapter the pump depends on.
type Mux interface {
	CapturePane(ctx context.Context, host, id string, nLines int) (string, error)
}

// RoomGoner is notified when a room's pump detects the underlying
// multiplexer session is gone.
type RoomGoner interface {
	Delete(id string) error
}

var _ Hub = (*roomhub.Hub)(nil)
var _ Mux = (*muxadapter.Adapter)(nil)
var _ RoomGoner = (*registry.Registry)(nil)

// Pump runs one tail loop per room.
type Pump struct {
	mux Mux
	hub Hub
	reg RoomGoner
	cfg *config.Config
	log *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Pump.
func New(mux Mux, hub Hub, reg RoomGoner, cfg *config.Config, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		mux:     mux,
		hub:     hub,
		reg:     reg,
		cfg:     cfg,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the tail loop for room if one isn't already running.
// Starting a pump that already exists is a no-op, per the at-most-one-
// pump-per-room invariant.
func (p *Pump) Start(ctx context.Context, room registry.Room) {
	p.mu.Lock()
	if _, exists := p.cancels[room.ID]; exists {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancels[room.ID] = cancel
	p.mu.Unlock()

	go p.run(loopCtx, room)
}

// Stop cancels the tail loop for roomID, if running.
func (p *Pump) Stop(roomID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[roomID]
	if ok {
		delete(p.cancels, roomID)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether roomID currently has an active pump.
func (p *Pump) Running(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancels[roomID]
	return ok
}

func (p *Pump) run(ctx context.Context, room registry.Room) {
	defer p.Stop(room.ID)

	captureInterval := p.cfg.PumpCaptureInterval
	if captureInterval <= 0 {
		captureInterval = 300 * time.Millisecond
	}
	lines := p.cfg.PumpCaptureLines
	if lines <= 0 {
		lines = 400
	}

	ticker := time.NewTicker(captureInterval)
	defer ticker.Stop()

	var prior string
	delay := p.backoffMin()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		text, err := p.mux.CapturePane(ctx, room.Host, room.ID, lines)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				p.log.Info("outputpump: room gone, stopping pump", "room", room.ID)
				_ = p.reg.Delete(room.ID)
				return
			}

			p.log.Warn("outputpump: transient capture failure, backing off", "room", room.ID, "error", err, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			delay = p.nextDelay(delay)
			continue
		}

		delay = p.backoffMin()

		if text != prior {
			p.hub.PublishOutput(room.ID, boundedTail(text, p.diffMaxBytes()))
			p.hub.TouchActivity(room.ID)
			prior = text
		}

		p.maybeSetQuestion(room.ID, text)
	}
}

func (p *Pump) maybeSetQuestion(roomID, paneText string) {
	q := question.Parse(question.StripANSI(paneText))
	if q == nil {
		return
	}
	if current, ok := p.hub.PendingQuestion(roomID); ok && sameQuestion(current, q) {
		return
	}
	if err := p.hub.SetQuestion(roomID, q); err != nil {
		p.log.Warn("outputpump: failed to set question", "room", roomID, "error", err)
	}
}

func sameQuestion(a, b *question.Question) bool {
	if a.Header != b.Header || a.Question != b.Question || len(a.Options) != len(b.Options) {
		return false
	}
	for i := range a.Options {
		if a.Options[i] != b.Options[i] {
			return false
		}
	}
	return true
}

// boundedTail returns text itself if it fits within max bytes, else the
// last max bytes of it, per spec's "send at most the last 10KB" rule.
func boundedTail(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	return text[len(text)-max:]
}

func (p *Pump) diffMaxBytes() int {
	if p.cfg.PumpDiffMaxBytes > 0 {
		return p.cfg.PumpDiffMaxBytes
	}
	return 10 * 1024
}

func (p *Pump) backoffMin() time.Duration {
	if p.cfg.PumpBackoffMin > 0 {
		return p.cfg.PumpBackoffMin
	}
	return 500 * time.Millisecond
}

func (p *Pump) backoffMax() time.Duration {
	if p.cfg.PumpBackoffMax > 0 {
		return p.cfg.PumpBackoffMax
	}
	return 5 * time.Second
}

func (p *Pump) nextDelay(cur time.Duration) time.Duration {
	next := cur * 2
	if max := p.backoffMax(); next > max {
		next = max
	}
	return next
}
