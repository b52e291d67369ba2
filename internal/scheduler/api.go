package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"ptsched/internal/eventbus"
	"ptsched/internal/storage"
	"ptsched/internal/task"
	logx "ptsched/pkg/logx"
)

// SetupContext opens and initializes the metrics sink. The scheduler must not
// be used if it returns an error.
func (s *Scheduler) SetupContext(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.sink != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sink := s.injected
	if sink == nil {
		var err error
		sink, err = storage.Open(s.cfg.Storage, s.log)
		if err != nil {
			return fmt.Errorf("open metrics sink: %w", err)
		}
	}
	if err := sink.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize metrics sink: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil && s.sink != sink {
		// Lost a concurrent setup race.
		_ = sink.Close()
		return nil
	}
	s.sink = sink
	return nil
}

// ReleaseContext cancels every task, then stops the admission loop and
// closes the sink. Later AddTask calls are rejected.
func (s *Scheduler) ReleaseContext(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	sink := s.sink
	s.mu.Unlock()

	n := s.CancelAll()
	s.loop.Stop()
	if s.ownSup {
		if err := s.sup.Stop(ctx); err != nil {
			s.log.Warn("scheduler goroutines did not drain", logx.Err(err))
		}
	}

	var err error
	if sink != nil {
		err = sink.Close()
	}
	s.log.Info("scheduler released", logx.Int("cancelled", n))
	return err
}

// AddTask registers a task and queues it for admission. It returns InvalidID
// when period is not positive, work is nil, or the sink is not set up.
func (s *Scheduler) AddTask(period time.Duration, work task.Work, name string) uint64 {
	return s.add(period, work, name, false)
}

// AddPausedTask is AddTask for a task that is admitted paused: it does not
// run until ResumeTask.
func (s *Scheduler) AddPausedTask(period time.Duration, work task.Work, name string) uint64 {
	return s.add(period, work, name, true)
}

func (s *Scheduler) add(period time.Duration, work task.Work, name string, paused bool) uint64 {
	if period <= 0 || work == nil {
		s.log.Warn("task rejected", logx.String("task", name), logx.Duration("period", period), logx.Bool("work", work != nil))
		return InvalidID
	}

	s.mu.Lock()
	if s.released || s.sink == nil {
		s.mu.Unlock()
		s.log.Warn("task rejected", logx.String("task", name), logx.Err(ErrNotReady))
		return InvalidID
	}
	s.nextID++
	id := s.nextID
	if name == "" {
		name = "task-" + strconv.FormatUint(id, 10)
	}
	t := task.New(id, name, period, work, s.sink,
		task.WithLogger(s.taskLog),
		task.WithBus(s.bus),
		task.WithSpawner(s.sup),
		task.WithRecordTimeout(s.cfg.RecordTimeout),
	)
	if paused {
		t.Pause()
	}
	s.tasks[id] = &entry{task: t}
	s.pending = append(s.pending, id)
	s.ready = true
	s.mu.Unlock()

	s.signal()
	s.publish(eventbus.TaskAdded, t)
	if paused {
		s.publish(eventbus.TaskPaused, t)
	}
	s.log.Info("task added", logx.Uint64("tid", id), logx.String("task", name), logx.Duration("period", period), logx.Bool("paused", paused))
	return id
}

func (s *Scheduler) lookup(id uint64) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// PauseTask pauses a task. It reports whether the id is known.
func (s *Scheduler) PauseTask(id uint64) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	if e.task.Pause() {
		s.publish(eventbus.TaskPaused, e.task)
		s.log.Debug("task paused", logx.Uint64("tid", id))
	}
	return true
}

// ResumeTask resumes a task. It reports whether the id is known.
func (s *Scheduler) ResumeTask(id uint64) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	if e.task.Resume() {
		s.publish(eventbus.TaskResumed, e.task)
		s.log.Debug("task resumed", logx.Uint64("tid", id))
	}
	return true
}

// UpdateTask changes the period of a task inside a pause/update/resume
// bracket. A task that was already paused stays paused. It returns false for
// an unknown or cancelled id, a non-positive period, or a panic during the
// sequence.
func (s *Scheduler) UpdateTask(period time.Duration, id uint64) (ok bool) {
	if period <= 0 {
		return false
	}
	e := s.lookup(id)
	if e == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task update failed", logx.Uint64("tid", id), logx.Any("panic", r))
			ok = false
		}
	}()

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.cancelled {
		return false
	}

	old := e.task.Period()
	paused := e.task.Pause()
	e.task.Update(period)
	if paused {
		e.task.Resume()
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.signal()

	s.publish(eventbus.TaskUpdated, e.task)
	s.log.Info("task updated", logx.Uint64("tid", id), logx.Duration("old", old), logx.Duration("new", period))
	return true
}

// CancelTask stops a task, waits for its goroutine to exit and removes it
// from the registry. It reports whether this call cancelled the task.
func (s *Scheduler) CancelTask(id uint64) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.cancelled {
		return false
	}

	e.task.Stop()
	e.cancelled = true
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	s.publish(eventbus.TaskCancelled, e.task)
	s.log.Info("task cancelled", logx.Uint64("tid", id), logx.String("task", e.task.Name()))
	return true
}

// CancelAll cancels every task registered at the time of the call and
// returns how many it cancelled.
func (s *Scheduler) CancelAll() int {
	n := 0
	for _, id := range s.ids() {
		if s.CancelTask(id) {
			n++
		}
	}
	return n
}

func (s *Scheduler) ids() []uint64 {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
