package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"chime/internal/journal"
	"chime/internal/node"
	"chime/internal/timer"
)

// Version is reported by /health. Bumped manually on release.
const Version = "0.1.0"

// maxJournalLimit caps how many entries a single /journal call may request.
const maxJournalLimit = 500

// Handler groups the plain-HTTP request handlers.
type Handler struct {
	sched     *timer.Scheduler
	journal   *journal.Journal // nil when disabled
	node      *node.Node
	startedAt time.Time
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Timers   int    `json:"timers"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.node.ID().String(),
		Timers:   h.sched.Len(),
		UptimeMs: time.Since(h.startedAt).Milliseconds(),
		Version:  Version,
	})
}

type journalResp struct {
	Entries []journal.Entry `json:"entries"`
}

func (h *Handler) recentJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxJournalLimit)
	}

	entries, err := h.journal.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, journalResp{Entries: entries})
}

// upgradeRequired answers any path outside the HTTP surface: the real
// protocol lives on the WebSocket channel.
func (h *Handler) upgradeRequired(wsPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUpgradeRequired, map[string]string{
			"error":   "this endpoint only speaks WebSocket",
			"ws_path": wsPath,
		})
	}
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
