package risk

import (
	"sync"

	"zerodha-oms/internal/models"
)

// RejectionLog keeps the most recent rejections in a fixed-size ring.
type RejectionLog struct {
	mu       sync.RWMutex
	buf      []models.Rejection
	next     int
	full     bool
	byReason map[models.RejectReason]int
}

// NewRejectionLog creates a log holding at most size entries.
func NewRejectionLog(size int) *RejectionLog {
	if size < 1 {
		size = 1
	}
	return &RejectionLog{
		buf:      make([]models.Rejection, size),
		byReason: make(map[models.RejectReason]int),
	}
}

// Add appends r, evicting the oldest entry when full.
func (l *RejectionLog) Add(r models.Rejection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.byReason[r.Reason]++
}

// List returns up to limit rejections for userID, newest first. An empty
// userID matches every user; limit <= 0 means no limit.
func (l *RejectionLog) List(userID string, limit int) []models.Rejection {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	out := make([]models.Rejection, 0)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		r := l.buf[idx]
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Counts returns the number of rejections per reason since creation,
// including evicted entries.
func (l *RejectionLog) Counts() map[models.RejectReason]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[models.RejectReason]int, len(l.byReason))
	for k, v := range l.byReason {
		out[k] = v
	}
	return out
}
