package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"ptsched/internal/eventbus"
	"ptsched/internal/runtime/supervisor"
	"ptsched/internal/storage"
	"ptsched/internal/task"
	"ptsched/internal/worker"
	logx "ptsched/pkg/logx"
)

// InvalidID is returned by AddTask when the task is rejected.
const InvalidID uint64 = 0

var (
	ErrNotReady = errors.New("scheduler context not set up")
	ErrReleased = errors.New("scheduler released")
)

// Config controls the scheduler.
type Config struct {
	Storage storage.Config
	// RecordTimeout bounds each sink write made by a task.
	RecordTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Storage:       storage.Config{Driver: "sqlite", Path: storage.DefaultPath},
		RecordTimeout: 5 * time.Second,
	}
}

type Option func(*Scheduler)

// WithSink makes SetupContext initialize sink instead of opening
// cfg.Storage.
func WithSink(sink storage.Sink) Option { return func(s *Scheduler) { s.injected = sink } }

// WithSupervisor hosts the admission loop and all task goroutines on sup.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Scheduler) { s.sup = sup }
}

// entry is the registry record of one task. opMu serializes update and
// cancel sequences on this task only.
type entry struct {
	task *task.Task

	opMu      sync.Mutex
	cancelled bool
}

// Scheduler owns the task registry and the admission loop that starts newly
// added tasks.
type Scheduler struct {
	cfg      Config
	log      logx.Logger
	taskLog  logx.Logger
	bus      eventbus.Bus
	sup      *supervisor.Supervisor
	ownSup   bool
	injected storage.Sink

	loop *worker.Worker

	mu       sync.Mutex
	tasks    map[uint64]*entry
	pending  []uint64
	ready    bool
	nextID   uint64
	sink     storage.Sink
	released bool

	// admit carries at most one wake-up for the admission loop.
	admit chan struct{}
}

// New builds a scheduler. Call SetupContext, then Start.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Scheduler{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		taskLog: log.With(logx.String("comp", "task")),
		bus:     bus,
		tasks:   map[uint64]*entry{},
		admit:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sup == nil {
		s.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(s.log))
		s.ownSup = true
	}
	s.loop = worker.New("scheduler.admission", s.sup)
	return s
}

var (
	defaultOnce  sync.Once
	defaultSched *Scheduler
)

// Default returns the process-wide scheduler, built on first use with
// DefaultConfig. Components that can take a *Scheduler should.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSched = New(DefaultConfig(), logx.NewConsole("INFO"), eventbus.New())
	})
	return defaultSched
}

// Start launches the admission loop.
func (s *Scheduler) Start() error {
	if err := s.loop.Start(s.admission); err != nil {
		return err
	}
	s.log.Info("scheduler started")
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.admit <- struct{}{}:
	default:
	}
}

// admission starts pending tasks. It is the only caller of task.Start.
func (s *Scheduler) admission() {
	for {
		select {
		case <-s.loop.Stopping():
			return
		case <-s.admit:
		}

		s.mu.Lock()
		if !s.ready {
			s.mu.Unlock()
			continue
		}
		ids := s.pending
		s.pending = nil
		s.ready = false
		batch := make([]*task.Task, 0, len(ids))
		for _, id := range ids {
			// Ids cancelled before admission are already gone from tasks.
			if e, ok := s.tasks[id]; ok {
				batch = append(batch, e.task)
			}
		}
		s.mu.Unlock()

		for _, t := range batch {
			if err := t.Start(); err != nil {
				s.log.Debug("task not started", logx.Uint64("tid", t.ID()), logx.Err(err))
				continue
			}
			s.publish(eventbus.TaskStarted, t)
		}
		if len(batch) > 0 {
			s.log.Debug("admitted tasks", logx.Int("count", len(batch)))
		}
	}
}

func (s *Scheduler) publish(typ string, t *task.Task) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskEvent{
		ID: t.ID(), Name: t.Name(), Period: t.Period(),
	}})
}

// Sink returns the sink set up by SetupContext, or nil.
func (s *Scheduler) Sink() storage.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}
