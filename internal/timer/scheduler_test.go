package timer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chime/internal/bus"
	"chime/internal/timer"
	"chime/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// recorder gathers bus events in a concurrency-safe way.
type recorder struct {
	mu   sync.Mutex
	list []bus.Event
}

func (r *recorder) add(e bus.Event) {
	r.mu.Lock()
	r.list = append(r.list, e)
	r.mu.Unlock()
}

func (r *recorder) byKind(kind string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.list {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(kind string) int { return len(r.byKind(kind)) }

// waitForKind polls until n events of the given kind arrive or timeout elapses.
func waitForKind(t *testing.T, r *recorder, kind string, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count(kind) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// newRunning returns a started scheduler wired to a fresh bus and recorder.
func newRunning(t *testing.T, opts ...timer.Option) (*timer.Scheduler, *recorder) {
	t.Helper()
	b := bus.New()
	r := &recorder{}
	b.Subscribe(r.add)

	s := timer.New(b, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s, r
}

func notifyTask(msg string) types.Task {
	return types.Task{Type: types.TaskNotify, Message: msg}
}

// ─── creation & one-shot firing ──────────────────────────────────────────────

// TestCreate_PastRunAt_FiresPromptlyAndIsRemoved verifies that a one-shot
// timer with runAt in the past fires at-or-after creation (never before) and
// leaves the live set immediately after firing.
func TestCreate_PastRunAt_FiresPromptlyAndIsRemoved(t *testing.T) {
	s, r := newRunning(t)

	created := time.Now().UnixMilli()
	info := s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: created - 5000,
		Task:  notifyTask("hi"),
	})

	if info.NextRunAt < created {
		t.Errorf("past runAt must be clamped to now: nextRunAt=%d created=%d", info.NextRunAt, created)
	}

	if !waitForKind(t, r, bus.KindFired, 1, 2*time.Second) {
		t.Fatalf("expected 1 firing within 2s, got %d", r.count(bus.KindFired))
	}

	fired := r.byKind(bus.KindFired)[0]
	if fired.Timer.ID != info.ID {
		t.Errorf("fired wrong timer: want %s, got %s", info.ID, fired.Timer.ID)
	}
	if fired.FiredAt < created {
		t.Errorf("timer fired before it was created: firedAt=%d created=%d", fired.FiredAt, created)
	}
	if s.Len() != 0 {
		t.Errorf("one-shot timer must be removed after firing, Len=%d", s.Len())
	}
}

// TestCreate_FutureRunAt_NotEarly verifies a one-shot timer is not fired
// before its scheduled time.
func TestCreate_FutureRunAt_NotEarly(t *testing.T) {
	s, r := newRunning(t)

	s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: time.Now().Add(150 * time.Millisecond).UnixMilli(),
		Task:  notifyTask("later"),
	})

	time.Sleep(80 * time.Millisecond)
	if n := r.count(bus.KindFired); n != 0 {
		t.Fatalf("timer fired too early: %d firings before runAt", n)
	}

	if !waitForKind(t, r, bus.KindFired, 1, time.Second) {
		t.Fatal("expected firing within 1s of runAt")
	}
}

// TestCreate_EmitsCreatedSynchronously verifies the timer.created event is
// delivered before Create returns, and before any firing for that id.
func TestCreate_EmitsCreatedSynchronously(t *testing.T) {
	s, r := newRunning(t)

	info := s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: time.Now().UnixMilli(),
		Task:  notifyTask("sync"),
	})

	// No waiting: the event must already be recorded.
	createds := r.byKind(bus.KindCreated)
	if len(createds) != 1 {
		t.Fatalf("expected 1 created event before Create returned, got %d", len(createds))
	}
	if createds[0].Timer.ID != info.ID {
		t.Errorf("created event id: want %s, got %s", info.ID, createds[0].Timer.ID)
	}

	waitForKind(t, r, bus.KindFired, 1, time.Second)

	// created must precede fired in the recorded stream.
	r.mu.Lock()
	defer r.mu.Unlock()
	seenCreated := false
	for _, e := range r.list {
		switch e.Kind {
		case bus.KindCreated:
			seenCreated = true
		case bus.KindFired:
			if !seenCreated {
				t.Fatal("timer.fired observed before timer.created")
			}
		}
	}
}

// ─── interval timers ─────────────────────────────────────────────────────────

// TestInterval_FiresRepeatedlySpacedByEveryMs runs an interval timer for
// ~350ms and checks 3–4 firings, each at least everyMs apart, with the timer
// still listed afterwards.
func TestInterval_FiresRepeatedlySpacedByEveryMs(t *testing.T) {
	s, r := newRunning(t)

	info := s.Create(timer.CreateInput{
		Mode:    types.ModeInterval,
		EveryMs: 100,
		Task:    notifyTask("tick"),
	})

	time.Sleep(350 * time.Millisecond)

	firings := r.byKind(bus.KindFired)
	if len(firings) < 2 || len(firings) > 4 {
		t.Fatalf("expected 2–4 firings in 350ms at 100ms cadence, got %d", len(firings))
	}
	for i := 1; i < len(firings); i++ {
		gap := firings[i].FiredAt - firings[i-1].FiredAt
		if gap < 100 {
			t.Errorf("firing %d only %dms after previous (want >= 100)", i, gap)
		}
	}

	list := s.List()
	if len(list) != 1 || list[0].ID != info.ID {
		t.Errorf("interval timer must remain listed until canceled, got %d entries", len(list))
	}
}

// TestInterval_EveryMsClampedToFloor verifies everyMs=10 is clamped to 50 and
// that the effective cadence honours the floor.
func TestInterval_EveryMsClampedToFloor(t *testing.T) {
	s, r := newRunning(t)

	info := s.Create(timer.CreateInput{
		Mode:    types.ModeInterval,
		EveryMs: 10,
		Task:    notifyTask("fast"),
	})
	if info.EveryMs != types.MinIntervalMs {
		t.Fatalf("everyMs: want clamp to %d, got %d", types.MinIntervalMs, info.EveryMs)
	}

	if !waitForKind(t, r, bus.KindFired, 2, 2*time.Second) {
		t.Fatalf("expected 2 firings, got %d", r.count(bus.KindFired))
	}
	firings := r.byKind(bus.KindFired)
	if gap := firings[1].FiredAt - firings[0].FiredAt; gap < types.MinIntervalMs {
		t.Errorf("effective interval %dms, want >= %d", gap, types.MinIntervalMs)
	}
}

// TestInterval_StartAtInPast_ClampedToNow verifies a past startAt does not
// cause a firing before creation.
func TestInterval_StartAtInPast_ClampedToNow(t *testing.T) {
	s, _ := newRunning(t)

	created := time.Now().UnixMilli()
	info := s.Create(timer.CreateInput{
		Mode:    types.ModeInterval,
		EveryMs: 60_000,
		StartAt: created - 10_000,
		Task:    notifyTask("was late"),
	})
	if info.NextRunAt < created {
		t.Errorf("past startAt must be clamped to now: nextRunAt=%d created=%d", info.NextRunAt, created)
	}
}

// ─── cancellation ────────────────────────────────────────────────────────────

// TestCancel_UnknownID_IsANormalOutcome verifies canceling a non-existent id
// returns false, emits ok:false, and leaves the live set unchanged.
func TestCancel_UnknownID_IsANormalOutcome(t *testing.T) {
	s, r := newRunning(t)

	s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: time.Now().Add(time.Minute).UnixMilli(),
		Task:  notifyTask("keep"),
	})

	if s.Cancel("no-such-id") {
		t.Error("Cancel of unknown id must return false")
	}

	canceleds := r.byKind(bus.KindCanceled)
	if len(canceleds) != 1 {
		t.Fatalf("expected 1 canceled event, got %d", len(canceleds))
	}
	if canceleds[0].OK {
		t.Error("canceled event for unknown id must carry ok=false")
	}
	if s.Len() != 1 {
		t.Errorf("live set must be unchanged, Len=%d", s.Len())
	}
}

// TestCancel_BeforeFiring_PreventsFiring verifies a canceled one-shot timer
// never fires.
func TestCancel_BeforeFiring_PreventsFiring(t *testing.T) {
	s, r := newRunning(t)

	info := s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: time.Now().Add(200 * time.Millisecond).UnixMilli(),
		Task:  notifyTask("doomed"),
	})
	if !s.Cancel(info.ID) {
		t.Fatal("Cancel of a live timer must return true")
	}

	time.Sleep(400 * time.Millisecond)
	if n := r.count(bus.KindFired); n != 0 {
		t.Fatalf("canceled timer fired %d times", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len after cancel: want 0, got %d", s.Len())
	}
}

// TestCancel_SoonestTimer_DoesNotFireNextEarly cancels the soonest-due timer
// while the run goroutine sleeps on its deadline. When that stale deadline
// elapses, the timer promoted to the heap root must not fire ahead of its own
// nextRunAt.
func TestCancel_SoonestTimer_DoesNotFireNextEarly(t *testing.T) {
	s, r := newRunning(t)

	soon := s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: time.Now().Add(150 * time.Millisecond).UnixMilli(),
		Task:  notifyTask("canceled first"),
	})
	later := s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: time.Now().Add(5 * time.Second).UnixMilli(),
		Task:  notifyTask("still far off"),
	})

	time.Sleep(30 * time.Millisecond)
	if !s.Cancel(soon.ID) {
		t.Fatal("Cancel of the soonest timer must return true")
	}

	// Wait well past the canceled timer's deadline.
	time.Sleep(400 * time.Millisecond)

	if n := r.count(bus.KindFired); n != 0 {
		fired := r.byKind(bus.KindFired)[0]
		t.Fatalf("timer %s fired %dms before its nextRunAt",
			fired.Timer.ID, fired.Timer.NextRunAt-fired.FiredAt)
	}
	list := s.List()
	if len(list) != 1 || list[0].ID != later.ID {
		t.Errorf("remaining timer lost: %d entries", len(list))
	}
}

// TestCancel_Interval_StopsSubsequentFirings lets an interval timer fire a
// few times, cancels it, and verifies silence afterwards.
func TestCancel_Interval_StopsSubsequentFirings(t *testing.T) {
	s, r := newRunning(t)

	info := s.Create(timer.CreateInput{
		Mode:    types.ModeInterval,
		EveryMs: 80,
		Task:    notifyTask("tick"),
	})

	if !waitForKind(t, r, bus.KindFired, 2, 2*time.Second) {
		t.Fatalf("expected 2 firings before cancel, got %d", r.count(bus.KindFired))
	}
	if !s.Cancel(info.ID) {
		t.Fatal("Cancel of a live interval timer must return true")
	}

	settled := r.count(bus.KindFired)
	time.Sleep(300 * time.Millisecond)
	if after := r.count(bus.KindFired); after != settled {
		t.Errorf("firings continued after cancel: %d → %d", settled, after)
	}
}

// ─── listing ─────────────────────────────────────────────────────────────────

// TestList_ReturnsAllLiveTimersWithDistinctIDs creates N timers and verifies
// the snapshot has exactly N entries with N distinct ids.
func TestList_ReturnsAllLiveTimersWithDistinctIDs(t *testing.T) {
	s, _ := newRunning(t)

	const n = 8
	future := time.Now().Add(time.Minute).UnixMilli()
	for i := 0; i < n; i++ {
		s.Create(timer.CreateInput{Mode: types.ModeOnce, RunAt: future, Task: notifyTask("x")})
	}

	list := s.List()
	if len(list) != n {
		t.Fatalf("List: want %d entries, got %d", n, len(list))
	}
	seen := make(map[string]bool, n)
	for _, ti := range list {
		if seen[ti.ID] {
			t.Errorf("duplicate id %s in snapshot", ti.ID)
		}
		seen[ti.ID] = true
	}
}

// TestPublishList_EmitsSnapshotEvent verifies that listing via the bus emits
// a timer.list event carrying the live set.
func TestPublishList_EmitsSnapshotEvent(t *testing.T) {
	s, r := newRunning(t)

	future := time.Now().Add(time.Minute).UnixMilli()
	s.Create(timer.CreateInput{Mode: types.ModeOnce, RunAt: future, Task: notifyTask("a")})
	s.Create(timer.CreateInput{Mode: types.ModeInterval, EveryMs: 60_000, Task: notifyTask("b")})

	s.PublishList()

	lists := r.byKind(bus.KindList)
	if len(lists) != 1 {
		t.Fatalf("expected 1 list event, got %d", len(lists))
	}
	if len(lists[0].Timers) != 2 {
		t.Errorf("list event: want 2 timers, got %d", len(lists[0].Timers))
	}
}

// ─── task failure containment ────────────────────────────────────────────────

// failSink fails Append a configurable number of times.
type failSink struct {
	mu    sync.Mutex
	fail  int
	calls int
}

func (f *failSink) Append(string, int64, string, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("sink exploded")
	}
	return nil
}

// TestTaskFailure_EmitsErrorAndSparesOtherTimers verifies a failing log task
// produces timer.error (not timer.fired), removes a one-shot timer anyway,
// and leaves other timers unaffected.
func TestTaskFailure_EmitsErrorAndSparesOtherTimers(t *testing.T) {
	sink := &failSink{fail: 1}
	s, r := newRunning(t, timer.WithLogSink(sink))

	now := time.Now().UnixMilli()
	bad := s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: now,
		Task:  types.Task{Type: types.TaskLog, Message: "will fail"},
	})
	s.Create(timer.CreateInput{
		Mode:  types.ModeOnce,
		RunAt: now + 100,
		Task:  notifyTask("survivor"),
	})

	if !waitForKind(t, r, bus.KindError, 1, 2*time.Second) {
		t.Fatalf("expected a timer.error event, got %d", r.count(bus.KindError))
	}
	errEv := r.byKind(bus.KindError)[0]
	if errEv.ID != bad.ID {
		t.Errorf("timer.error id: want %s, got %s", bad.ID, errEv.ID)
	}

	// The healthy timer still fires.
	if !waitForKind(t, r, bus.KindFired, 1, 2*time.Second) {
		t.Fatal("healthy timer did not fire after another task failed")
	}
	if s.Len() != 0 {
		t.Errorf("failed one-shot timer must still be removed, Len=%d", s.Len())
	}
}

// TestIntervalTaskFailure_KeepsRescheduling verifies a failing interval task
// emits timer.error but keeps its schedule.
func TestIntervalTaskFailure_KeepsRescheduling(t *testing.T) {
	sink := &failSink{fail: 1}
	s, r := newRunning(t, timer.WithLogSink(sink))

	s.Create(timer.CreateInput{
		Mode:    types.ModeInterval,
		EveryMs: 60,
		Task:    types.Task{Type: types.TaskLog, Message: "flaky"},
	})

	if !waitForKind(t, r, bus.KindError, 1, 2*time.Second) {
		t.Fatal("expected timer.error from first firing")
	}
	// Second firing succeeds once the sink recovers.
	if !waitForKind(t, r, bus.KindFired, 1, 2*time.Second) {
		t.Fatal("interval timer stopped after a task failure")
	}
	if s.Len() != 1 {
		t.Errorf("interval timer must survive task failure, Len=%d", s.Len())
	}
}
