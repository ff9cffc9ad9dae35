// Package journal records the local side effect of fired "log" tasks.
//
// Entries are stored in a single-file bbolt database inside the server's data
// directory. bbolt is used because it is pure Go (no CGO, no external
// process), ACID, and a single file — the journal stays readable even after a
// crash mid-write.
//
// The journal is an audit trail, not timer persistence: timers themselves are
// in-memory only and do not survive a restart.
package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

const fileName = "journal.db"

var bucketFired = []byte("fired")

// Entry is one recorded firing of a "log" task.
type Entry struct {
	// ID is a ULID assigned when the entry is appended. Keys are ULIDs so a
	// forward cursor walk yields entries in append order.
	ID      string `json:"id"`
	TimerID string `json:"timer_id"`
	FiredAt int64  `json:"fired_at"` // UTC milliseconds
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Journal is the bbolt-backed store. Safe for concurrent use — bbolt
// serialises writers internally.
type Journal struct {
	db         *bbolt.DB
	maxEntries int
}

// Open opens (or creates) the journal database inside dataDir.
// maxEntries caps the number of retained entries; the oldest are pruned as
// new ones are appended.
func Open(dataDir string, maxEntries int) (*Journal, error) {
	path := filepath.Join(dataDir, fileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFired)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}

	return &Journal{db: db, maxEntries: maxEntries}, nil
}

// Append records one fired "log" task. It satisfies the scheduler's LogSink.
func (j *Journal) Append(timerID string, firedAt int64, message string, data any) error {
	e := Entry{
		ID:      ulid.Make().String(),
		TimerID: timerID,
		FiredAt: firedAt,
		Message: message,
		Data:    data,
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFired)
		if err := b.Put([]byte(e.ID), val); err != nil {
			return fmt.Errorf("journal: put: %w", err)
		}

		// Prune oldest entries once the cap is exceeded. ULID keys sort by
		// creation time, so the cursor's first keys are the oldest.
		// Stats().KeyN does not count the uncommitted Put above, hence the +1.
		if j.maxEntries > 0 {
			excess := b.Stats().KeyN + 1 - j.maxEntries
			c := b.Cursor()
			for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return fmt.Errorf("journal: prune: %w", err)
				}
				excess--
			}
		}
		return nil
	})
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]Entry, 0, limit)

	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFired).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("journal: decode entry %s: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored entries.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketFired).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying database file.
func (j *Journal) Close() error {
	return j.db.Close()
}
