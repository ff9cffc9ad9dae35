package timer

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chime/internal/bus"
	"chime/internal/metrics"
	"chime/internal/types"
)

// LogSink receives the local side effect of a fired "log" task.
// The journal package provides the production implementation.
type LogSink interface {
	Append(timerID string, firedAt int64, message string, data any) error
}

// Scheduler is the single source of truth for which timers exist and when
// they fire. It owns the timer set and the pending-firing heap; no other
// component mutates timer state.
//
// Usage:
//
//	s := timer.New(b)
//	s.Start(ctx)
//	defer s.Stop()
//
//	info := s.Create(timer.CreateInput{Mode: types.ModeOnce, RunAt: now, Task: task})
//
// All methods are safe for concurrent use. Every mutation and the bus emission
// it causes happen under one lock, so listeners never observe an event whose
// timer state predates the mutation. The flip side: bus listeners must not
// call back into the Scheduler.
type Scheduler struct {
	mu      sync.Mutex
	h       minHeap
	timers  map[string]*types.Timer // id → live timer
	pending map[string]*entry       // id → heap entry for O(1) Cancel lookup

	// notify is a buffered channel of capacity 1. Create sends a signal
	// whenever a new timer might be due earlier than the current sleep
	// deadline, prompting the run goroutine to re-evaluate.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup

	bus  *bus.Bus
	sink LogSink
	reg  *metrics.Registry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogSink installs the sink that records fired "log" tasks.
func WithLogSink(sink LogSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithMetrics installs the metrics registry the scheduler reports to.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Scheduler) { s.reg = reg }
}

// New creates a Scheduler that emits lifecycle events on b.
// Call Start to begin firing timers.
func New(b *bus.Bus, opts ...Option) *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	s := &Scheduler{
		h:       h,
		timers:  make(map[string]*types.Timer),
		pending: make(map[string]*entry),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		bus:     b,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput is the normalised payload of a create request.
// Create never rejects it: out-of-range values are clamped, not errored.
type CreateInput struct {
	Mode    types.Mode
	RunAt   int64 // once: requested firing time (unix ms)
	EveryMs int64 // interval: firing period
	StartAt int64 // interval: optional first firing time; 0 = now + EveryMs
	Task    types.Task
}

// Create registers a new timer and returns a snapshot of it.
// The timer.created event is emitted synchronously before Create returns.
//
// Normalisation rules:
//   - EveryMs below types.MinIntervalMs is clamped up to the floor.
//   - RunAt / StartAt in the past are clamped forward to now — a timer never
//     fires before it is created.
//   - An interval timer with no StartAt first fires one period from now.
func (s *Scheduler) Create(in CreateInput) *types.Timer {
	now := time.Now().UnixMilli()

	t := &types.Timer{
		ID:        ulid.Make().String(),
		Mode:      in.Mode,
		CreatedAt: now,
		Task:      in.Task,
	}

	switch in.Mode {
	case types.ModeInterval:
		t.EveryMs = in.EveryMs
		if t.EveryMs < types.MinIntervalMs {
			t.EveryMs = types.MinIntervalMs
		}
		t.NextRunAt = in.StartAt
		if t.NextRunAt == 0 {
			t.NextRunAt = now + t.EveryMs
		}
	default:
		t.NextRunAt = in.RunAt
	}
	if t.NextRunAt < now {
		t.NextRunAt = now
	}

	s.mu.Lock()
	s.timers[t.ID] = t
	s.push(t.ID, t.NextRunAt)
	if s.reg != nil {
		s.reg.TimersCreated.Inc(string(t.Mode))
		s.reg.TimersLive.Set(int64(len(s.timers)))
	}
	s.bus.Emit(bus.Event{Kind: bus.KindCreated, Timer: t.Clone()})
	s.mu.Unlock()

	s.wake()
	return t.Clone()
}

// Cancel removes the timer with the given id from the live set and stops any
// pending firing for it. It returns whether a live timer existed. The
// timer.canceled event carries the same boolean and is emitted in both cases,
// so subscribers can distinguish a no-op cancel from an effective one.
//
// Cancellation is advisory against future firings only: a firing already in
// progress completes its cycle, but no further firing occurs for this id.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
		if e, live := s.pending[id]; live {
			s.h.remove(e.heapIdx)
			delete(s.pending, id)
		}
	}
	if s.reg != nil {
		s.reg.TimersCanceled.Inc(fmt.Sprintf("%t", ok))
		s.reg.TimersLive.Set(int64(len(s.timers)))
	}
	s.bus.Emit(bus.Event{Kind: bus.KindCanceled, ID: id, OK: ok})
	return ok
}

// List returns a snapshot of all live timers, sorted by id. ULIDs are
// time-ordered, so the sort approximates creation order, but callers must not
// rely on any particular ordering — the timer set is a set, not a queue.
func (s *Scheduler) List() []*types.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PublishList emits a timer.list event carrying the current snapshot.
// It exists so a list request received over the wire is answered the same way
// every other request is: through the broadcast bus.
func (s *Scheduler) PublishList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.Emit(bus.Event{Kind: bus.KindList, Timers: s.snapshotLocked()})
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Start launches the background firing goroutine. Must be called exactly once.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the firing goroutine and waits for it to exit.
// Timers still pending are silently abandoned (restart loses all timers).
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
		// already stopped
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ─── internals ────────────────────────────────────────────────────────────────

// push inserts a heap entry for id due at dueAt. MUST hold s.mu.
func (s *Scheduler) push(id string, dueAt int64) {
	e := &entry{id: id, dueAt: dueAt}
	heap.Push(&s.h, e)
	s.pending[id] = e
}

// snapshotLocked clones every live timer, sorted by id. MUST hold s.mu.
func (s *Scheduler) snapshotLocked() []*types.Timer {
	out := make([]*types.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// wake signals the run goroutine to re-evaluate its sleep deadline.
// Non-blocking: if a signal is already pending, no-op.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// t is lazily allocated when there is something to wait for.
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var next *entry
		if s.h.Len() > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		if next == nil {
			// Nothing pending — wait for a new timer or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.dueAt))
		if delay <= 0 {
			s.fireNext()
			continue
		}

		// Sleep until the root is due, staying responsive to new timers and
		// shutdown signals.
		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-s.notify:
			// A new timer may be due sooner — re-evaluate from the top.
			t.Stop()
			// Drain the timer channel if it fired between Reset and Stop.
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			s.fireNext()
		}
	}
}

// fireNext pops the soonest-due entry and fires it.
// The whole cycle — mutate the timer, run its task, emit the event, remove or
// reschedule — happens under one lock acquisition, so concurrent Create /
// Cancel / List calls and bus listeners always observe a consistent state.
func (s *Scheduler) fireNext() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.h.Len() == 0 {
		return
	}
	// The root can change while the run goroutine sleeps: canceling the
	// soonest-due timer promotes a later one. Re-check the deadline before
	// popping; if the new root is not due yet, the loop recomputes the sleep.
	if s.h[0].dueAt > time.Now().UnixMilli() {
		return
	}
	e := heap.Pop(&s.h).(*entry)
	delete(s.pending, e.id)

	t, ok := s.timers[e.id]
	if !ok {
		// Raced with Cancel — stale entry, nothing to do.
		return
	}

	firedAt := time.Now().UnixMilli()
	t.LastRunAt = firedAt

	err := s.runTask(t, firedAt)

	// One-shot timers are removed after firing regardless of task outcome;
	// interval timers reschedule from the actual firing time (drift, not
	// catch-up).
	switch t.Mode {
	case types.ModeInterval:
		t.NextRunAt = firedAt + t.EveryMs
		s.push(t.ID, t.NextRunAt)
	default:
		delete(s.timers, t.ID)
	}
	if s.reg != nil {
		s.reg.TimersLive.Set(int64(len(s.timers)))
	}

	if err != nil {
		if s.reg != nil {
			s.reg.TaskErrors.Inc(string(t.Task.Type))
		}
		slog.Warn("timer task failed", "timer_id", t.ID, "err", err)
		s.bus.Emit(bus.Event{Kind: bus.KindError, ID: t.ID, Message: err.Error()})
		return
	}
	if s.reg != nil {
		s.reg.TimersFired.Inc(string(t.Mode))
	}
	s.bus.Emit(bus.Event{Kind: bus.KindFired, Timer: t.Clone(), FiredAt: firedAt})
}

// runTask executes the timer's side effect. A panicking or failing task is
// contained here: the error is returned for conversion into a timer.error
// event and never propagates further, so one misbehaving task cannot crash
// the scheduler or starve other timers.
func (s *Scheduler) runTask(t *types.Timer, firedAt int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	switch t.Task.Type {
	case types.TaskLog:
		slog.Info("timer log",
			"timer_id", t.ID,
			"message", t.Task.Message,
			"fired_at", firedAt,
		)
		if s.sink != nil {
			if aerr := s.sink.Append(t.ID, firedAt, t.Task.Message, t.Task.Data); aerr != nil {
				return fmt.Errorf("journal append: %w", aerr)
			}
		}
	case types.TaskNotify:
		// No local side effect — the firing is observed through the broadcast.
	}
	return nil
}
