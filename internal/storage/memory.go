package storage

import (
	"context"
	"sync"
	"time"
)

// Memory keeps every observation in process memory.
type Memory struct {
	mu     sync.Mutex
	closed bool
	rows   map[uint64][]Observation
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[uint64][]Observation{}, now: time.Now}
}

func (m *Memory) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Record(_ context.Context, taskID uint64, name string, value float64) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Summary{}, ErrClosed
	}
	rows := m.rows[taskID]
	var prev *Observation
	if n := len(rows); n > 0 {
		prev = &rows[n-1]
	}
	o := next(prev, int64(len(rows)), taskID, name, value, m.now())
	m.rows[taskID] = append(rows, o)
	return summarize(o, int64(len(rows)+1)), nil
}

func (m *Memory) Summary(_ context.Context, taskID uint64) (Summary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[taskID]
	if len(rows) == 0 {
		return Summary{}, false, nil
	}
	return summarize(rows[len(rows)-1], int64(len(rows))), true, nil
}

func (m *Memory) Observations(_ context.Context, taskID uint64, limit int) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[taskID]
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	out := make([]Observation, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
