// Package bus provides the in-process event channel between the scheduler and
// its observers (in practice, the WebSocket connection layer).
//
// Contract:
//   - Emit invokes every listener synchronously, in registration order, on the
//     emitting goroutine. The scheduler relies on this to guarantee that no
//     event is observed with a timer state older than the mutation that
//     produced it.
//   - Listeners must be fast and must never call back into the scheduler —
//     Emit runs while the scheduler holds its own lock.
//   - Unsubscribing is idempotent.
package bus

import (
	"sync"

	"chime/internal/types"
)

// Event kinds, one per scheduler lifecycle transition. The strings double as
// the wire frame types broadcast to subscribers.
const (
	KindCreated  = "timer.created"
	KindCanceled = "timer.canceled"
	KindFired    = "timer.fired"
	KindError    = "timer.error"
	KindList     = "timer.list"
)

// Event is one scheduler lifecycle notification. Which fields are meaningful
// depends on Kind:
//
//	KindCreated   Timer
//	KindCanceled  ID, OK
//	KindFired     Timer, FiredAt
//	KindError     ID (may be empty), Message
//	KindList      Timers
type Event struct {
	Kind    string
	Timer   *types.Timer
	Timers  []*types.Timer
	ID      string
	OK      bool
	FiredAt int64
	Message string
}

// Listener receives events. It runs on the emitter's goroutine.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Bus is a synchronous fan-out registry of listeners.
// The zero value is not usable; call New.
type Bus struct {
	mu   sync.Mutex
	seq  uint64
	subs []subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn to receive every event emitted from this call onward
// and returns a function that removes it. Calling the returned function more
// than once is a no-op.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers e to every current listener in registration order, on the
// calling goroutine. Listeners registered or removed during delivery take
// effect from the next Emit.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	subs := b.subs // never mutated in place; safe to iterate without the lock
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}
