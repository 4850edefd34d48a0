package backlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/runwatch/metric"
)

// ring is a fixed-capacity drop-oldest buffer of entries. Not safe for
// concurrent use; the Memory store serializes access.
type ring struct {
	items []Entry
	head  int // next write position
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Entry, capacity)}
}

func (r *ring) write(e Entry) {
	r.items[r.head] = e
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// tail returns up to max entries, oldest first.
func (r *ring) tail(max int) []Entry {
	if max <= 0 || r.size == 0 {
		return []Entry{}
	}
	count := max
	if count > r.size {
		count = r.size
	}
	// start at the count-th newest entry
	start := (r.head - count + len(r.items)) % len(r.items)
	out := make([]Entry, count)
	for i := 0; i < count; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Memory is the in-process Store. Each channel gets its own drop-oldest ring;
// retention does not survive a restart.
type Memory struct {
	mu       sync.RWMutex
	scopes   map[string]*ring
	perScope int
	core     *metric.CoreMetrics
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store retaining perScope entries per channel.
// Zero or negative perScope selects the default. Core metrics are optional.
func NewMemory(perScope int, core *metric.CoreMetrics) *Memory {
	if perScope <= 0 {
		perScope = DefaultPerScope
	}
	return &Memory{
		scopes:   make(map[string]*ring),
		perScope: perScope,
		core:     core,
	}
}

// Record retains one broadcast in the channel's ring.
func (m *Memory) Record(channel, event string, payload json.RawMessage, receivedAt time.Time) error {
	m.mu.Lock()
	r, ok := m.scopes[channel]
	if !ok {
		r = newRing(m.perScope)
		m.scopes[channel] = r
	}
	r.write(Entry{
		Channel:    channel,
		Event:      event,
		Data:       payload,
		ReceivedAt: receivedAt,
	})
	size := r.size
	m.mu.Unlock()

	if m.core != nil {
		m.core.BacklogSize.WithLabelValues(channel).Set(float64(size))
	}
	return nil
}

// Recent returns up to limit retained entries for the channel, oldest first.
func (m *Memory) Recent(_ context.Context, channel string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > m.perScope {
		limit = m.perScope
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.scopes[channel]
	if !ok {
		return []Entry{}, nil
	}
	return r.tail(limit), nil
}

// ScopeCount returns the number of channels with retained entries.
func (m *Memory) ScopeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scopes)
}
