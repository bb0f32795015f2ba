// Package roomhub implements the Room Hub (C6): per-room subscriber
// fan-out, the single-talker lock, pending-question state, and activity
// tracking. Grounded on the ACP session host's viewer/broadcast machinery
// (internal/acp/session_host.go) — a per-subscriber buffered send channel
// drained by a write-pump goroutine — generalized with a bounded
// per-socket send budget and drop-after-N-overruns policy (the original
// silently dropped individual frames; here a persistently slow subscriber
// is dropped instead) plus a bounded replay ring per room so a late
// joiner still sees recent output.
package roomhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/question"
)

// Socket is the minimal outbound interface a subscriber's transport must
// satisfy; the HTTP/WS surface adapts *websocket.Conn to this.
type Socket interface {
	WriteMessage(data []byte) error
	Close() error
}

// PaneWriter delivers keystrokes into a room's multiplexer pane;
// satisfied by *muxadapter.Adapter.
type PaneWriter interface {
	SendKeys(ctx context.Context, host, id, text string) error
}

// Subscriber is one browser WebSocket bound to a room.
type Subscriber struct {
	ID       string
	conn     Socket
	sendCh   chan []byte
	done     chan struct{}
	overruns int
	closeOne sync.Once
}

// Done returns a channel closed when the subscriber's write pump exits.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

type pendingQuestion struct {
	q         *question.Question
	createdAt time.Time
	timer     *time.Timer
}

type room struct {
	id   string
	host string

	mu             sync.RWMutex
	subs           map[string]*Subscriber
	lockHolder     string
	lockAcquiredAt time.Time
	question       *pendingQuestion
	lastActivity   time.Time
	active         bool
	replay         [][]byte

	stop chan struct{}
}

// Hub fans out room state to subscribers and tracks per-room lock,
// question, and activity state.
type Hub struct {
	sendBudget   time.Duration
	dropAfter    int
	lockTTL      time.Duration
	questionTTL  time.Duration
	idleAfter    time.Duration
	tickInterval time.Duration
	replaySize   int

	pane PaneWriter
	log  *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// Config bundles the Room Hub's timing knobs.
type Config struct {
	SubscriberSendBudget time.Duration
	SubscriberDropAfter  int
	TalkerLockTTL        time.Duration
	QuestionExpiry       time.Duration
	IdleThreshold        time.Duration
	TickInterval         time.Duration
	ReplayBufferSize     int
}

// New builds a Hub.
func New(cfg Config, pane PaneWriter, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SubscriberDropAfter <= 0 {
		cfg.SubscriberDropAfter = 3
	}
	if cfg.SubscriberSendBudget <= 0 {
		cfg.SubscriberSendBudget = 50 * time.Millisecond
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ReplayBufferSize <= 0 {
		cfg.ReplayBufferSize = 50
	}
	return &Hub{
		sendBudget:   cfg.SubscriberSendBudget,
		dropAfter:    cfg.SubscriberDropAfter,
		lockTTL:      cfg.TalkerLockTTL,
		questionTTL:  cfg.QuestionExpiry,
		idleAfter:    cfg.IdleThreshold,
		tickInterval: cfg.TickInterval,
		replaySize:   cfg.ReplayBufferSize,
		pane:         pane,
		log:          log,
		rooms:        make(map[string]*room),
	}
}

// EnsureRoom creates per-room state and starts its idle-detection tick if
// it does not already exist. Idempotent.
func (h *Hub) EnsureRoom(id, host string) {
	h.mu.Lock()
	if _, ok := h.rooms[id]; ok {
		h.mu.Unlock()
		return
	}
	r := &room{
		id:           id,
		host:         host,
		subs:         make(map[string]*Subscriber),
		lastActivity: time.Now(),
		active:       false,
		stop:         make(chan struct{}),
	}
	h.rooms[id] = r
	h.mu.Unlock()

	go h.idleTick(r)
}

// Shutdown tears down every room's subscribers and background ticks, for
// the portal's global shutdown path.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.RemoveRoom(id)
	}
}

// RemoveRoom tears down a room's subscribers and background tick,
// called when the registry fires room-gone.
func (h *Hub) RemoveRoom(id string) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if ok {
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	close(r.stop)

	r.mu.Lock()
	if r.question != nil && r.question.timer != nil {
		r.question.timer.Stop()
	}
	subs := r.subs
	r.subs = make(map[string]*Subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.closeOne.Do(func() { close(sub.done) })
		_ = sub.conn.Close()
	}
}

func (h *Hub) getRoom(id string) (*room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Subscribe registers sub as a subscriber of roomID and starts its write
// pump. The room must already have been created via EnsureRoom.
func (h *Hub) Subscribe(roomID string, conn Socket, id string) (*Subscriber, error) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "room not found: "+roomID)
	}

	sub := &Subscriber{
		ID:     id,
		conn:   conn,
		sendCh: make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[id] = sub
	backlog := append([][]byte(nil), r.replay...)
	r.mu.Unlock()

	go h.writePump(r, sub)
	for _, data := range backlog {
		h.sendToSubscriber(r, sub, data)
	}
	return sub, nil
}

// Unsubscribe removes sub from roomID's subscriber set.
func (h *Hub) Unsubscribe(roomID, subID string) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if ok {
		delete(r.subs, subID)
	}
	r.mu.Unlock()
	if ok {
		sub.closeOne.Do(func() { close(sub.done) })
	}
}

// SubscriberCount returns the number of active subscribers in roomID.
func (h *Hub) SubscriberCount(roomID string) int {
	r, ok := h.getRoom(roomID)
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// broadcast marshals frame, records it in the room's replay ring, and
// enqueues it to every subscriber, subject to the per-socket send budget.
func (h *Hub) broadcast(r *room, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("roomhub: failed to marshal frame", "room", r.id, "error", err)
		return
	}

	r.mu.Lock()
	r.replay = append(r.replay, data)
	if len(r.replay) > h.replaySize {
		r.replay = r.replay[len(r.replay)-h.replaySize:]
	}
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		h.sendToSubscriber(r, sub, data)
	}
}

// sendToSubscriber enqueues data within the send budget; after
// dropAfter consecutive overruns the subscriber is dropped from the room.
func (h *Hub) sendToSubscriber(r *room, sub *Subscriber, data []byte) {
	timer := time.NewTimer(h.sendBudget)
	defer timer.Stop()

	select {
	case sub.sendCh <- data:
		sub.overruns = 0
		return
	case <-sub.done:
		return
	case <-timer.C:
	}

	sub.overruns++
	if sub.overruns < h.dropAfter {
		return
	}

	h.log.Warn("roomhub: dropping slow subscriber", "room", r.id, "subscriber", sub.ID)
	h.Unsubscribe(r.id, sub.ID)
}

func (h *Hub) writePump(r *room, sub *Subscriber) {
	defer func() {
		sub.closeOne.Do(func() { close(sub.done) })
		_ = sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.sendCh:
			if !ok {
				return
			}
			if err := sub.conn.WriteMessage(data); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

// TryLock acquires the single-talker lock for holder if it is free or
// already held by holder or has exceeded its idle TTL.
func (h *Hub) TryLock(roomID, holder string) (bool, error) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return false, apperr.New(apperr.NotFound, "room not found: "+roomID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := r.lockHolder != "" && time.Since(r.lockAcquiredAt) > h.lockTTL
	if r.lockHolder == "" || r.lockHolder == holder || expired {
		r.lockHolder = holder
		r.lockAcquiredAt = time.Now()
		r.mu.Unlock()
		h.broadcast(r, sessionLockedFrame(holder))
		r.mu.Lock()
		return true, nil
	}
	return false, nil
}

// Unlock releases the lock if holder currently owns it.
func (h *Hub) Unlock(roomID, holder string) error {
	r, ok := h.getRoom(roomID)
	if !ok {
		return apperr.New(apperr.NotFound, "room not found: "+roomID)
	}

	r.mu.Lock()
	if r.lockHolder != holder {
		r.mu.Unlock()
		return nil
	}
	r.lockHolder = ""
	r.mu.Unlock()

	h.broadcast(r, sessionUnlockedFrame())
	return nil
}

// SetQuestion replaces any prior pending question, broadcasts it, and
// starts its expiry timer.
func (h *Hub) SetQuestion(roomID string, q *question.Question) error {
	r, ok := h.getRoom(roomID)
	if !ok {
		return apperr.New(apperr.NotFound, "room not found: "+roomID)
	}

	r.mu.Lock()
	if r.question != nil && r.question.timer != nil {
		r.question.timer.Stop()
	}
	pq := &pendingQuestion{q: q, createdAt: time.Now()}
	r.question = pq
	r.mu.Unlock()

	pq.timer = time.AfterFunc(h.questionTTL, func() {
		r.mu.Lock()
		if r.question == pq {
			r.question = nil
		}
		r.mu.Unlock()
	})

	options := make([]OptionDTO, len(q.Options))
	for i, o := range q.Options {
		options[i] = OptionDTO{Number: o.Number, Label: o.Label, Description: o.Description, FreeText: o.FreeText}
	}
	h.broadcast(r, questionFrame(q.Header, q.Question, options))
	return nil
}

// PendingQuestion returns the room's current pending question, if any.
func (h *Hub) PendingQuestion(roomID string) (*question.Question, bool) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.question == nil {
		return nil, false
	}
	return r.question.q, true
}

// AnswerQuestion clears the pending question, writes the answer text as
// keystrokes into the room's pane, and broadcasts question_answered.
func (h *Hub) AnswerQuestion(ctx context.Context, roomID, answer string) error {
	r, ok := h.getRoom(roomID)
	if !ok {
		return apperr.New(apperr.NotFound, "room not found: "+roomID)
	}

	r.mu.Lock()
	if r.question == nil {
		r.mu.Unlock()
		return apperr.New(apperr.NotFound, "no pending question for room: "+roomID)
	}
	if r.question.timer != nil {
		r.question.timer.Stop()
	}
	r.question = nil
	host := r.host
	r.mu.Unlock()

	if h.pane != nil {
		if err := h.pane.SendKeys(ctx, host, roomID, answer); err != nil {
			return err
		}
	}

	h.broadcast(r, questionAnsweredFrame())
	return nil
}

// IsActive reports whether roomID is currently considered active (has
// had activity within the idle threshold).
func (h *Hub) IsActive(roomID string) bool {
	r, ok := h.getRoom(roomID)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Broadcast sends a raw application event to every subscriber of roomID.
func (h *Hub) Broadcast(roomID string, frame Frame) {
	if r, ok := h.getRoom(roomID); ok {
		h.broadcast(r, frame)
	}
}

// PublishOutput broadcasts an output frame.
func (h *Hub) PublishOutput(roomID, text string) { h.Broadcast(roomID, outputFrame(text)) }

// PublishTTSStart broadcasts a tts_start frame.
func (h *Hub) PublishTTSStart(roomID, text string) { h.Broadcast(roomID, ttsStartFrame(text)) }

// PublishAudio broadcasts a base64-encoded audio frame.
func (h *Hub) PublishAudio(roomID, base64Audio string) { h.Broadcast(roomID, audioFrame(base64Audio)) }

// PublishPermissionRequest broadcasts a permission_request frame.
func (h *Hub) PublishPermissionRequest(roomID, tool string, input json.RawMessage, message string) {
	h.Broadcast(roomID, permissionRequestFrame(tool, input, message))
}

// PublishPermissionResolved broadcasts a permission_resolved frame.
func (h *Hub) PublishPermissionResolved(roomID string) {
	h.Broadcast(roomID, permissionResolvedFrame())
}

// TouchActivity bumps the room's activity timestamp. If the room was
// previously idle, it broadcasts session_activity active=true.
func (h *Hub) TouchActivity(roomID string) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return
	}

	r.mu.Lock()
	wasIdle := !r.active
	r.lastActivity = time.Now()
	r.active = true
	r.mu.Unlock()

	h.Broadcast(roomID, activityFrame())
	if wasIdle {
		h.broadcast(r, sessionActivityFrame(roomID, true))
	}
}

// idleTick runs every tickInterval and, once a room has been silent for
// longer than idleAfter, broadcasts session_activity active=false exactly
// once per idle transition.
func (h *Hub) idleTick(r *room) {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			shouldMarkIdle := r.active && time.Since(r.lastActivity) > h.idleAfter
			if shouldMarkIdle {
				r.active = false
			}
			r.mu.Unlock()
			if shouldMarkIdle {
				h.broadcast(r, sessionActivityFrame(r.id, false))
			}
		case <-r.stop:
			return
		}
	}
}
