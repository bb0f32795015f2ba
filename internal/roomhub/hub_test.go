package roomhub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/question"
)

// fakeSocket records every message written to it.
type fakeSocket struct {
	mu       sync.Mutex
	messages [][]byte
	block    chan struct{} // if non-nil, WriteMessage blocks until closed
	closed   bool
}

func (f *fakeSocket) WriteMessage(data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePane records SendKeys calls instead of touching a real pane.
type fakePane struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePane) SendKeys(ctx context.Context, host, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, host+"/"+id+": "+text)
	return nil
}

func testHub() *Hub {
	return New(Config{
		SubscriberSendBudget: 20 * time.Millisecond,
		SubscriberDropAfter:  3,
		TalkerLockTTL:        100 * time.Millisecond,
		QuestionExpiry:       time.Hour,
		IdleThreshold:        50 * time.Millisecond,
		TickInterval:         10 * time.Millisecond,
	}, &fakePane{}, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func TestSubscribeUnknownRoomFails(t *testing.T) {
	h := testHub()
	_, err := h.Subscribe("ghost", &fakeSocket{}, "s1")
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSubscriberCountTracksSubscribeUnsubscribe(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	sock := &fakeSocket{}
	if _, err := h.Subscribe("api", sock, "s1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := h.SubscriberCount("api"); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}

	h.Unsubscribe("api", "s1")
	if n := h.SubscriberCount("api"); n != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", n)
	}
}

func TestBroadcastDeliversToAllSubscribersInOrder(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	s1, s2 := &fakeSocket{}, &fakeSocket{}
	h.Subscribe("api", s1, "s1")
	h.Subscribe("api", s2, "s2")

	h.PublishOutput("api", "line one")
	h.PublishOutput("api", "line two")

	waitFor(t, time.Second, func() bool { return s1.count() == 2 && s2.count() == 2 })

	s1.mu.Lock()
	first := s1.messages[0]
	second := s1.messages[1]
	s1.mu.Unlock()

	var f1, f2 map[string]any
	json.Unmarshal(first, &f1)
	json.Unmarshal(second, &f2)
	if f1["data"] != "line one" || f2["data"] != "line two" {
		t.Errorf("messages out of order: %v, %v", f1, f2)
	}
}

func TestSlowSubscriberDroppedAfterConsecutiveOverruns(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	blocked := &fakeSocket{block: make(chan struct{})}
	sub, err := h.Subscribe("api", blocked, "slow")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// sendCh has capacity 32, so fill it, then force the budget timeout
	// path by publishing more than capacity plus the drop threshold.
	for i := 0; i < 40; i++ {
		h.PublishOutput("api", "x")
	}

	waitFor(t, time.Second, func() bool { return h.SubscriberCount("api") == 0 })

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber done channel to close after drop")
	}
}

func TestTryLockGrantsWhenFree(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	ok, err := h.TryLock("api", "alice")
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v; want true, nil", ok, err)
	}
}

func TestTryLockDeniesDifferentHolderUntilReleased(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	if ok, _ := h.TryLock("api", "alice"); !ok {
		t.Fatal("expected alice to acquire lock")
	}
	if ok, _ := h.TryLock("api", "bob"); ok {
		t.Fatal("expected bob to be denied while alice holds the lock")
	}
	if err := h.Unlock("api", "alice"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if ok, _ := h.TryLock("api", "bob"); !ok {
		t.Fatal("expected bob to acquire lock after release")
	}
}

func TestTryLockReacquiredBySameHolder(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	h.TryLock("api", "alice")
	ok, err := h.TryLock("api", "alice")
	if err != nil || !ok {
		t.Fatalf("same-holder reacquire should succeed, got %v, %v", ok, err)
	}
}

func TestTryLockExpiresAfterTTL(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	h.TryLock("api", "alice")
	time.Sleep(150 * time.Millisecond) // past the 100ms TTL
	ok, err := h.TryLock("api", "bob")
	if err != nil || !ok {
		t.Fatalf("expected lock to expire and be granted to bob, got %v, %v", ok, err)
	}
}

func TestSetQuestionReplacesPriorPending(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	q1 := &question.Question{Header: "h1", Question: "pick one"}
	q2 := &question.Question{Header: "h2", Question: "pick another"}

	h.SetQuestion("api", q1)
	h.SetQuestion("api", q2)

	got, ok := h.PendingQuestion("api")
	if !ok || got.Header != "h2" {
		t.Fatalf("expected q2 to supersede q1, got %+v, %v", got, ok)
	}
}

func TestAnswerQuestionClearsStateAndSendsKeys(t *testing.T) {
	h := testHub()
	pane := &fakePane{}
	h.pane = pane
	h.EnsureRoom("api", "local")

	h.SetQuestion("api", &question.Question{Header: "h", Question: "q"})
	if err := h.AnswerQuestion(context.Background(), "api", "2"); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}

	if _, ok := h.PendingQuestion("api"); ok {
		t.Error("expected pending question to be cleared")
	}

	pane.mu.Lock()
	defer pane.mu.Unlock()
	if len(pane.calls) != 1 || pane.calls[0] != "local/api: 2" {
		t.Errorf("pane.calls = %v", pane.calls)
	}
}

func TestAnswerQuestionWithoutPendingFails(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	err := h.AnswerQuestion(context.Background(), "api", "2")
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestTouchActivityBroadcastsActiveTrueOnce(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	sock := &fakeSocket{}
	h.Subscribe("api", sock, "s1")

	h.TouchActivity("api")
	h.TouchActivity("api") // second touch while already active: no extra session_activity frame

	waitFor(t, time.Second, func() bool { return sock.count() >= 2 }) // two activity frames

	activityFrames := 0
	sock.mu.Lock()
	for _, m := range sock.messages {
		var f map[string]any
		json.Unmarshal(m, &f)
		if f["type"] == "session_activity" {
			activityFrames++
		}
	}
	sock.mu.Unlock()

	if activityFrames != 1 {
		t.Errorf("expected exactly one session_activity frame on the idle->active edge, got %d", activityFrames)
	}
}

func TestIdleTickBroadcastsInactiveAfterThreshold(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	sock := &fakeSocket{}
	h.Subscribe("api", sock, "s1")
	h.TouchActivity("api")

	waitFor(t, time.Second, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		for _, m := range sock.messages {
			var f map[string]any
			json.Unmarshal(m, &f)
			if f["type"] == "session_activity" && f["active"] == false {
				return true
			}
		}
		return false
	})
}

func TestLateJoinerReceivesReplayBacklog(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	h.PublishOutput("api", "before join")
	h.PublishOutput("api", "also before join")

	sock := &fakeSocket{}
	if _, err := h.Subscribe("api", sock, "latecomer"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sock.count() == 2 })

	sock.mu.Lock()
	defer sock.mu.Unlock()
	var f0, f1 map[string]any
	json.Unmarshal(sock.messages[0], &f0)
	json.Unmarshal(sock.messages[1], &f1)
	if f0["data"] != "before join" || f1["data"] != "also before join" {
		t.Errorf("replay backlog out of order: %v, %v", f0, f1)
	}
}

func TestIsActiveReflectsActivityState(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	if h.IsActive("api") {
		t.Fatal("expected newly created room to be inactive")
	}
	h.TouchActivity("api")
	if !h.IsActive("api") {
		t.Fatal("expected room to be active right after TouchActivity")
	}
}

func TestRemoveRoomClosesSubscribers(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")

	sock := &fakeSocket{}
	sub, _ := h.Subscribe("api", sock, "s1")

	h.RemoveRoom("api")

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be closed when room is removed")
	}
	waitFor(t, time.Second, func() bool { return sock.isClosed() })
}

func TestShutdownClosesEverySubscriberAcrossAllRooms(t *testing.T) {
	h := testHub()
	h.EnsureRoom("api", "local")
	h.EnsureRoom("worker", "local")

	sockA, sockB := &fakeSocket{}, &fakeSocket{}
	h.Subscribe("api", sockA, "s1")
	h.Subscribe("worker", sockB, "s2")

	h.Shutdown()

	waitFor(t, time.Second, func() bool { return sockA.isClosed() && sockB.isClosed() })
	if h.SubscriberCount("api") != 0 || h.SubscriberCount("worker") != 0 {
		t.Error("expected shutdown to remove every room's subscribers")
	}
}
