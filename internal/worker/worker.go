// Package worker provides a cancellable, pausable unit of execution backed by
// one dedicated goroutine.
//
// A Worker is embedded by composition: the owner passes its loop body to Start
// and uses Wait / WaitResumed as the only blocking points inside that body.
// Both return as soon as Stop (or Pause, for Wait) is observed, so a loop that
// sleeps through them reacts to cancellation immediately instead of at the
// next period boundary.
package worker

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrStopped        = errors.New("worker stopped")
	ErrAlreadyStarted = errors.New("worker already started")
)

// State is the lifecycle position of a Worker.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Spawner starts fn on a new goroutine. The supervisor satisfies it so worker
// goroutines are owned (counted, panic-safe) by the caller's runtime.
type Spawner interface {
	Spawn(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Spawn(name string, fn func()) { f(name, fn) }

var goSpawner = SpawnerFunc(func(_ string, fn func()) { go fn() })

// Worker owns one goroutine and the stop/pause flags observed by it.
//
// The zero value is not usable; construct with New.
type Worker struct {
	name    string
	spawner Spawner

	mu      sync.Mutex
	started bool
	stopped bool
	paused  bool
	// pauses counts Pause calls that changed state. A wait interrupted by a
	// pause stays interrupted even if Resume lands before the waiter wakes.
	pauses uint64
	// signal is closed (and replaced) on every flag change. Waiters snapshot it
	// under mu and block on it, which gives condition-variable semantics with
	// timeouts and without polling.
	signal chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// New returns an idle worker. A nil spawner falls back to a plain goroutine.
func New(name string, spawner Spawner) *Worker {
	if spawner == nil {
		spawner = goSpawner
	}
	return &Worker{
		name:    name,
		spawner: spawner,
		signal:  make(chan struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *Worker) Name() string { return w.name }

// Start spawns the goroutine running body. A worker runs at most once: Start
// after Stop returns ErrStopped, a second Start returns ErrAlreadyStarted.
//
// A pause requested before Start is kept, so the body begins paused.
func (w *Worker) Start(body func()) error {
	if body == nil {
		return errors.New("worker: nil body")
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	done := w.done
	w.mu.Unlock()

	w.spawner.Spawn(w.name, func() {
		defer close(done)
		body()
	})
	return nil
}

// Stop sets the stop flag, wakes any blocked wait and blocks until the body
// has returned. It is idempotent and safe on a worker that never started.
//
// Stop must not be called from the worker's own goroutine.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
		w.broadcastLocked()
	}
	started := w.started
	done := w.done
	w.mu.Unlock()

	if started {
		<-done
	}
}

// Pause sets the pause flag and wakes waiters. It reports whether the state
// changed; pausing a paused or stopped worker is a no-op.
func (w *Worker) Pause() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.paused {
		return false
	}
	w.paused = true
	w.pauses++
	w.broadcastLocked()
	return true
}

// Resume clears the pause flag and wakes waiters. It reports whether the
// state changed.
func (w *Worker) Resume() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !w.paused {
		return false
	}
	w.paused = false
	w.broadcastLocked()
	return true
}

func (w *Worker) broadcastLocked() {
	close(w.signal)
	w.signal = make(chan struct{})
}

// Wait blocks for up to d but returns early the instant the worker is stopped
// or paused. It reports true only when the full duration elapsed.
func (w *Worker) Wait(d time.Duration) bool { return w.WaitSince(w.Pauses(), d) }

// Pauses returns the pause generation for use with WaitSince.
func (w *Worker) Pauses() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pauses
}

// WaitSince is Wait, except that any pause after generation gen counts as an
// interruption, including one already followed by Resume.
func (w *Worker) WaitSince(gen uint64, d time.Duration) bool {
	if d <= 0 {
		w.mu.Lock()
		defer w.mu.Unlock()
		return !w.stopped && !w.paused && w.pauses == gen
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		w.mu.Lock()
		if w.stopped || w.paused || w.pauses != gen {
			w.mu.Unlock()
			return false
		}
		sig := w.signal
		w.mu.Unlock()

		select {
		case <-timer.C:
			return true
		case <-sig:
		}
	}
}

// WaitResumed blocks while the worker is paused. It returns false once the
// worker is stopped (stop may race with resume, so it is re-checked after
// every wake-up) and true when the worker is running.
func (w *Worker) WaitResumed() bool {
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return false
		}
		if !w.paused {
			w.mu.Unlock()
			return true
		}
		sig := w.signal
		w.mu.Unlock()
		<-sig
	}
}

// Stopping is closed when Stop is first called.
func (w *Worker) Stopping() <-chan struct{} { return w.stopCh }

// Done is closed when the body has returned. It never closes for a worker
// that was stopped before it started.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused && !w.stopped
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.stopped:
		return StateStopped
	case !w.started:
		return StateIdle
	case w.paused:
		return StatePaused
	default:
		return StateRunning
	}
}
