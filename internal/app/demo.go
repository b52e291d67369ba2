package app

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"time"

	"ptsched/internal/probe"
	"ptsched/internal/scheduler"
	"ptsched/internal/task"
	"ptsched/internal/worker"
	logx "ptsched/pkg/logx"
)

// Demo is the scripted scenario behind -demo: two probes from the start,
// the first cancelled at tick 7, a third added at tick 11, a random period
// change every 5 ticks, and the scheduler released after the last tick.
type Demo struct {
	// Tick is the scenario's time unit; periods are whole ticks.
	Tick  time.Duration
	Ticks int

	// Work overrides the probes, keyed by task name.
	Work map[string]task.Work
	Rand *rand.Rand
	Log  logx.Logger
}

const (
	demoTCPGoogle  = "tcp google"
	demoPingGoogle = "ping google"
	demoPingSO     = "ping SO"
)

func (d *Demo) work(name string) task.Work {
	if w, ok := d.Work[name]; ok {
		return w
	}
	timeout := probe.DefaultTimeout
	switch name {
	case demoTCPGoogle:
		return probe.TCP("www.google.com:80", timeout, d.Log)
	case demoPingGoogle:
		return probe.ICMP("www.google.com", timeout, d.Log)
	default:
		return probe.ICMP("www.stackoverflow.com", timeout, d.Log)
	}
}

// Run drives sched through the scenario and releases it at the end, or
// when ctx is done. sched must be set up; Run starts it if needed.
func (d *Demo) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if d.Tick <= 0 {
		d.Tick = time.Second
	}
	if d.Ticks <= 0 {
		d.Ticks = 20
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	log := d.Log.With(logx.String("comp", "demo"))

	tid1 := sched.AddTask(d.Tick, d.work(demoTCPGoogle), demoTCPGoogle)
	tid2 := sched.AddTask(2*d.Tick, d.work(demoPingGoogle), demoPingGoogle)
	live := []uint64{tid1, tid2}

	if err := sched.Start(); err != nil && !errors.Is(err, worker.ErrAlreadyStarted) {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sched.ReleaseContext(rctx); err != nil {
			log.Warn("release failed", logx.Err(err))
		}
	}()

	t := time.NewTicker(d.Tick)
	defer t.Stop()
	for counter := 0; counter < d.Ticks; counter++ {
		switch counter {
		case 7:
			sched.CancelTask(tid1)
			live = slices.DeleteFunc(live, func(id uint64) bool { return id == tid1 })
			log.Info("cancelled", logx.Uint64("tid", tid1))
		case 11:
			id := sched.AddTask(d.Tick, d.work(demoPingSO), demoPingSO)
			live = append(live, id)
			log.Info("added", logx.Uint64("tid", id))
		}
		if counter > 0 && counter%5 == 0 && len(live) > 0 {
			period := time.Duration(d.Rand.Intn(3)+1) * d.Tick
			id := live[d.Rand.Intn(len(live))]
			sched.UpdateTask(period, id)
			log.Info("period changed", logx.Uint64("tid", id), logx.Duration("period", period))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
