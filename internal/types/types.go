// Package types contains the core domain types shared across all chime
// internal packages. It deliberately has zero imports of other chime packages
// so that the scheduler, the event bus, and the transport layer can all import
// from it without creating import cycles.
package types

// Mode is the firing policy of a timer.
type Mode string

const (
	// ModeOnce fires exactly once at NextRunAt, then the timer is removed.
	ModeOnce Mode = "once"
	// ModeInterval fires repeatedly; after each firing NextRunAt is recomputed
	// as firedAt + EveryMs until the timer is explicitly canceled.
	ModeInterval Mode = "interval"
)

// Valid reports whether m is a recognised firing mode.
func (m Mode) Valid() bool { return m == ModeOnce || m == ModeInterval }

// TaskType discriminates the side effect a timer performs when it fires.
type TaskType string

const (
	// TaskNotify has no local side effect. It exists purely to be observed by
	// connected subscribers through the timer.fired broadcast.
	TaskNotify TaskType = "notify"
	// TaskLog records the message locally (structured log line + journal entry)
	// in addition to the broadcast.
	TaskLog TaskType = "log"
)

// Valid reports whether t is a recognised task type.
func (t TaskType) Valid() bool { return t == TaskNotify || t == TaskLog }

// MinIntervalMs is the floor applied to every interval timer's EveryMs at
// creation time, preventing pathological scheduling load.
const MinIntervalMs int64 = 50

// Task describes the side effect to perform when a timer fires.
type Task struct {
	Type    TaskType `json:"type"`
	Message string   `json:"message"`
	// Data is an optional free-form attachment. It is echoed verbatim in every
	// broadcast that carries the timer, which is how callers smuggle a
	// correlation token through the broadcast-only protocol.
	Data any `json:"data,omitempty"`
}

// Timer is the unit of schedulable work.
//
// Design rules:
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings: time-sortable and unique for the timer's lifetime.
//   - The scheduler is the sole owner and mutator of live timers; everything
//     handed to the outside world is a clone.
//
// Field names in JSON follow the wire protocol (camelCase), which every
// subscriber sees in timer.created / timer.fired / timer.list frames.
type Timer struct {
	// ID is a ULID assigned at creation, stable for the timer's lifetime.
	ID string `json:"id"`

	// Mode is "once" or "interval".
	Mode Mode `json:"mode"`

	// CreatedAt is when the create request was accepted.
	CreatedAt int64 `json:"createdAt"`

	// NextRunAt is the next (or only) scheduled firing time. Never in the past
	// at creation: past runAt/startAt values are clamped forward to now.
	NextRunAt int64 `json:"nextRunAt"`

	// EveryMs is the firing interval. Present only for interval timers and
	// clamped to a floor of MinIntervalMs at creation.
	EveryMs int64 `json:"everyMs,omitempty"`

	// LastRunAt is the time of the most recent firing, zero until first firing.
	LastRunAt int64 `json:"lastRunAt,omitempty"`

	// Task is the side effect to run on each firing.
	Task Task `json:"task"`
}

// Clone returns a shallow copy of the timer.
func (t *Timer) Clone() *Timer {
	c := *t
	return &c
}
