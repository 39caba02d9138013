package draft

import (
	"sync"
	"time"
)

// HistoryEntry is one captured payload in the undo history.
type HistoryEntry struct {
	Payload  Payload
	Checksum string
	SavedAt  time.Time
}

// History is a bounded list of persisted payloads, newest last. It is
// an optional undo layer over the Manager, never a second source of
// truth: entries are only appended when a snapshot actually persisted.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []HistoryEntry
}

// NewHistory constructs a History keeping at most limit entries.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 1
	}
	return &History{limit: limit}
}

// Push appends an entry, dropping the oldest when over the limit. An
// entry whose checksum matches the newest one is skipped.
func (h *History) Push(payload Payload, checksum string, savedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) > 0 && h.entries[len(h.entries)-1].Checksum == checksum {
		return
	}
	h.entries = append(h.entries, HistoryEntry{Payload: payload, Checksum: checksum, SavedAt: savedAt})
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

// Pop removes and returns the newest entry.
func (h *History) Pop() (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	last := h.entries[len(h.entries)-1]
	h.entries = h.entries[:len(h.entries)-1]
	return last, true
}

// Latest returns the newest entry without removing it.
func (h *History) Latest() (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
