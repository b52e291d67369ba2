package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ptsched/internal/config"
	"ptsched/internal/probe"
	"ptsched/internal/scheduler"
	"ptsched/internal/task"
	logx "ptsched/pkg/logx"
)

// managed is a config-declared task the reconciler owns.
type managed struct {
	id  uint64
	cfg config.TaskConfig
}

// reconciler keeps the scheduler's config-declared tasks in line with the
// task list of the current config. Tasks added through the scheduler API
// directly are never touched.
type reconciler struct {
	sched     *scheduler.Scheduler
	log       logx.Logger
	probeOpts []probe.Option

	mu     sync.Mutex
	byName map[string]managed
}

// ReconcileResult counts what one Apply changed.
type ReconcileResult struct {
	Added     int
	Cancelled int
	Updated   int
	Paused    int
	Resumed   int
	Replaced  int
}

func newReconciler(sched *scheduler.Scheduler, log logx.Logger, probeOpts ...probe.Option) *reconciler {
	return &reconciler{
		sched:     sched,
		log:       log.With(logx.String("comp", "reconcile")),
		probeOpts: probeOpts,
		byName:    map[string]managed{},
	}
}

// buildTask parses a task definition into a period and a work function.
func buildTask(i int, tc config.TaskConfig, opts ...probe.Option) (time.Duration, task.Work, error) {
	path := fmt.Sprintf("tasks[%d]", i)
	p, err := scheduler.ParsePeriod(tc.Period)
	if err != nil {
		return 0, nil, fmt.Errorf("%s.period: %w", path, err)
	}
	spec, err := mapProbeSpec(path+".probe", tc.Probe)
	if err != nil {
		return 0, nil, err
	}
	work, err := probe.New(spec, opts...)
	if err != nil {
		return 0, nil, fmt.Errorf("%s.probe: %w", path, err)
	}
	return p, work, nil
}

// validateTasks checks every definition without touching a scheduler.
func validateTasks(tasks []config.TaskConfig) error {
	var errs []error
	for i, tc := range tasks {
		if _, _, err := buildTask(i, tc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply reconciles against tasks. Definitions that fail to build are
// skipped (an existing task of that name keeps running) and reported in the
// returned error.
func (r *reconciler) Apply(tasks []config.TaskConfig) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res  ReconcileResult
		errs []error
	)

	wanted := make(map[string]struct{}, len(tasks))
	for _, tc := range tasks {
		wanted[tc.Key()] = struct{}{}
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := wanted[name]; ok {
			continue
		}
		if r.sched.CancelTask(r.byName[name].id) {
			res.Cancelled++
		}
		delete(r.byName, name)
	}

	for i, tc := range tasks {
		name := tc.Key()
		cur, known := r.byName[name]
		if known && !r.sched.Has(cur.id) {
			// cancelled behind our back; start over
			delete(r.byName, name)
			known = false
		}

		if known && cur.cfg.Probe.SameProbe(tc.Probe) {
			if err := r.retune(i, cur, tc, &res); err != nil {
				errs = append(errs, err)
				continue
			}
			r.byName[name] = managed{id: cur.id, cfg: tc}
			continue
		}

		period, work, err := buildTask(i, tc, r.probeOpts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if known {
			r.sched.CancelTask(cur.id)
			delete(r.byName, name)
			res.Replaced++
		}
		add := r.sched.AddTask
		if tc.Paused {
			add = r.sched.AddPausedTask
		}
		id := add(period, work, name)
		if id == scheduler.InvalidID {
			errs = append(errs, fmt.Errorf("tasks[%d]: scheduler rejected %q", i, name))
			continue
		}
		r.byName[name] = managed{id: id, cfg: tc}
		if !known {
			res.Added++
		}
	}

	if res != (ReconcileResult{}) {
		r.log.Info("tasks reconciled",
			logx.Int("added", res.Added),
			logx.Int("cancelled", res.Cancelled),
			logx.Int("updated", res.Updated),
			logx.Int("replaced", res.Replaced),
			logx.Int("paused", res.Paused),
			logx.Int("resumed", res.Resumed),
		)
	}
	return res, errors.Join(errs...)
}

// retune applies period and pause changes to a running task.
func (r *reconciler) retune(i int, cur managed, tc config.TaskConfig, res *ReconcileResult) error {
	if strings.TrimSpace(cur.cfg.Period) != strings.TrimSpace(tc.Period) {
		p, err := scheduler.ParsePeriod(tc.Period)
		if err != nil {
			return fmt.Errorf("tasks[%d].period: %w", i, err)
		}
		if r.sched.UpdateTask(p, cur.id) {
			res.Updated++
		}
	}
	switch {
	case tc.Paused && !cur.cfg.Paused:
		r.sched.PauseTask(cur.id)
		res.Paused++
	case !tc.Paused && cur.cfg.Paused:
		r.sched.ResumeTask(cur.id)
		res.Resumed++
	}
	return nil
}

// IDs maps task names to scheduler ids.
func (r *reconciler) IDs() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.byName))
	for name, m := range r.byName {
		out[name] = m.id
	}
	return out
}
