package scheduler

import (
	"ptsched/internal/task"
)

// Tasks snapshots every registered task, ordered by id.
func (s *Scheduler) Tasks() []task.Info {
	ids := s.ids()
	out := make([]task.Info, 0, len(ids))
	for _, id := range ids {
		if e := s.lookup(id); e != nil {
			out = append(out, e.task.Info())
		}
	}
	return out
}

// Task returns the snapshot of one task.
func (s *Scheduler) Task(id uint64) (task.Info, bool) {
	e := s.lookup(id)
	if e == nil {
		return task.Info{}, false
	}
	return e.task.Info(), true
}

func (s *Scheduler) Has(id uint64) bool { return s.lookup(id) != nil }

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
