package notify

import (
	"sync"
	"time"

	"gatewatch/internal/model"
)

// Buffer keeps the most recent dispatches in memory for the API, newest
// last, bounded by limit.
type Buffer struct {
	mu    sync.RWMutex
	buf   []model.Notification
	limit int
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 1000
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Add(n model.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) < b.limit {
		b.buf = append(b.buf, n)
		return
	}
	copy(b.buf, b.buf[1:])
	b.buf[len(b.buf)-1] = n
}

func (b *Buffer) List(limit int) []model.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.buf) {
		limit = len(b.buf)
	}
	out := make([]model.Notification, 0, limit)
	for i := len(b.buf) - limit; i < len(b.buf); i++ {
		out = append(out, b.buf[i])
	}
	return out
}

func (b *Buffer) Since(ts time.Time) []model.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Notification, 0)
	for _, n := range b.buf {
		if !n.CreatedAt.Before(ts) {
			out = append(out, n)
		}
	}
	return out
}
