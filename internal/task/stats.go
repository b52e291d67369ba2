package task

import (
	"sync"
	"time"
)

// Info is a point-in-time view of a task.
type Info struct {
	ID             uint64        `json:"id"`
	Name           string        `json:"name"`
	Period         time.Duration `json:"period"`
	State          string        `json:"state"`
	Runs           uint64        `json:"runs"`
	Invalid        uint64        `json:"invalid"`
	RecordFailures uint64        `json:"record_failures"`
	LastOutcome    float64       `json:"last_outcome"`
	LastRun        time.Time     `json:"last_run,omitempty"`
	LastDuration   time.Duration `json:"last_duration"`
}

type stats struct {
	mu             sync.Mutex
	runs           uint64
	invalid        uint64
	recordFailures uint64
	lastOutcome    float64
	lastRun        time.Time
	lastDuration   time.Duration
}

func (s *stats) observe(outcome float64, at time.Time, took time.Duration) {
	s.mu.Lock()
	s.runs++
	if outcome < 0 {
		s.invalid++
	}
	s.lastOutcome = outcome
	s.lastRun = at
	s.lastDuration = took
	s.mu.Unlock()
}

func (s *stats) recordFailed() {
	s.mu.Lock()
	s.recordFailures++
	s.mu.Unlock()
}

type statsSnapshot struct {
	Runs, Invalid, RecordFailures uint64
	LastOutcome                   float64
	LastRun                       time.Time
	LastDuration                  time.Duration
}

func (s *stats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statsSnapshot{
		Runs:           s.runs,
		Invalid:        s.invalid,
		RecordFailures: s.recordFailures,
		LastOutcome:    s.lastOutcome,
		LastRun:        s.lastRun,
		LastDuration:   s.lastDuration,
	}
}

// Info snapshots the task. The period may already be stale if an update is
// in flight.
func (t *Task) Info() Info {
	st := t.stats.snapshot()
	return Info{
		ID:             t.id,
		Name:           t.name,
		Period:         t.Period(),
		State:          t.w.State().String(),
		Runs:           st.Runs,
		Invalid:        st.Invalid,
		RecordFailures: st.RecordFailures,
		LastOutcome:    st.LastOutcome,
		LastRun:        st.LastRun,
		LastDuration:   st.LastDuration,
	}
}
