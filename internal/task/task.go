// Package task implements the periodic task: a worker that invokes a work
// function every period, forwards valid outcomes to a metrics sink and
// shortens each idle wait by the time the iteration already consumed.
package task

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"ptsched/internal/eventbus"
	"ptsched/internal/storage"
	"ptsched/internal/worker"
	logx "ptsched/pkg/logx"

	"golang.org/x/time/rate"
)

// Work is the unit of work a task runs. A negative outcome means "no valid
// measurement" and is not recorded.
type Work func() float64

// Invalid is the outcome used for failed or panicking work.
const Invalid = -1.0

// Recorder is the part of storage.Sink a task writes to.
type Recorder interface {
	Record(ctx context.Context, taskID uint64, name string, value float64) (storage.Summary, error)
}

const (
	defaultRecordTimeout = 5 * time.Second
	recordWarnEvery      = 5 * time.Second
)

type Option func(*Task)

func WithLogger(log logx.Logger) Option { return func(t *Task) { t.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(t *Task) { t.bus = bus } }

// WithSpawner hosts the task goroutine on sp instead of a bare goroutine.
func WithSpawner(sp worker.Spawner) Option { return func(t *Task) { t.spawner = sp } }

// WithRecordTimeout bounds each sink write.
func WithRecordTimeout(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.recordTimeout = d
		}
	}
}

type Task struct {
	id   uint64
	name string
	work Work
	sink Recorder

	period atomic.Int64 // time.Duration

	w             *worker.Worker
	spawner       worker.Spawner
	log           logx.Logger
	bus           eventbus.Bus
	recordTimeout time.Duration
	warn          *rate.Limiter

	stats stats
}

// New builds an idle task. It does not validate period or work; the
// scheduler rejects bad input before a task is ever constructed.
func New(id uint64, name string, period time.Duration, work Work, sink Recorder, opts ...Option) *Task {
	t := &Task{
		id:            id,
		name:          name,
		work:          work,
		sink:          sink,
		recordTimeout: defaultRecordTimeout,
		warn:          rate.NewLimiter(rate.Every(recordWarnEvery), 1),
	}
	t.period.Store(int64(period))
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.Uint64("tid", id), logx.String("task", name))
	if t.bus == nil {
		t.bus = eventbus.Nop()
	}
	t.w = worker.New("task."+strconv.FormatUint(id, 10), t.spawner)
	return t
}

func (t *Task) ID() uint64            { return t.id }
func (t *Task) Name() string          { return t.name }
func (t *Task) Work() Work            { return t.work }
func (t *Task) Period() time.Duration { return time.Duration(t.period.Load()) }
func (t *Task) State() worker.State   { return t.w.State() }
func (t *Task) Paused() bool          { return t.w.Paused() }
func (t *Task) Done() <-chan struct{} { return t.w.Done() }
func (t *Task) String() string        { return fmt.Sprintf("task(%d %q every %s)", t.id, t.name, t.Period()) }
func (t *Task) Start() error          { return t.w.Start(t.run) }
func (t *Task) Pause() bool           { return t.w.Pause() }
func (t *Task) Resume() bool          { return t.w.Resume() }

// Stop ends the loop and waits for the task goroutine to exit.
func (t *Task) Stop() { t.w.Stop() }

// Update replaces the period. Callers bracket it with Pause/Resume so the
// sleep in progress is cut short and re-timed against the new value.
func (t *Task) Update(period time.Duration) {
	old := time.Duration(t.period.Swap(int64(period)))
	t.log.Debug("period updated", logx.Duration("old", old), logx.Duration("new", period))
}

func (t *Task) run() {
	t.log.Debug("task loop started", logx.Duration("period", t.Period()))
	defer func() {
		t.log.Debug("task loop stopped", logx.Uint64("runs", t.stats.snapshot().Runs))
	}()

	for t.w.WaitResumed() {
		started := time.Now()
		outcome := t.invoke()
		took := time.Since(started)

		t.stats.observe(outcome, started, took)
		if outcome >= 0 {
			t.record(outcome)
		}
		t.bus.Publish(eventbus.Event{Type: eventbus.TaskRun, Data: eventbus.TaskEvent{
			ID: t.id, Name: t.name, Period: t.Period(), Outcome: outcome, Duration: took,
		}})

		if !t.idle(started) {
			return
		}
	}
}

// idle sleeps out the rest of the period that began at started. Sink latency
// counts against the period too: the cadence is measured between invocation
// starts. A pause interrupts the sleep; once resumed, the remainder is
// recomputed against the current period, so an update made through a
// pause/resume bracket applies to the sleep in progress. It returns false
// when the task was stopped.
func (t *Task) idle(started time.Time) bool {
	for {
		gen := t.w.Pauses()
		remaining := t.Period() - time.Since(started)
		if remaining <= 0 || t.w.WaitSince(gen, remaining) {
			return true
		}
		if !t.w.WaitResumed() {
			return false
		}
	}
}

// invoke runs the work function, mapping panics and NaN/Inf to Invalid.
func (t *Task) invoke() (outcome float64) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("work panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			outcome = Invalid
		}
	}()
	outcome = t.work()
	if math.IsNaN(outcome) || math.IsInf(outcome, 0) {
		return Invalid
	}
	return outcome
}

func (t *Task) record(outcome float64) {
	if t.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.recordTimeout)
	defer cancel()
	sum, err := t.sink.Record(ctx, t.id, t.name, outcome)
	if err != nil {
		t.stats.recordFailed()
		if t.warn.Allow() {
			t.log.Warn("metrics sink write failed", logx.Float64("value", outcome), logx.Err(err))
		}
		return
	}
	t.log.Trace("recorded",
		logx.Float64("value", outcome),
		logx.Float64("min", sum.Min),
		logx.Float64("max", sum.Max),
		logx.Float64("avg", sum.Avg),
		logx.Int64("n", sum.Count),
	)
}
