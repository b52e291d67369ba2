package app

import (
	"context"
	"testing"
	"time"

	"ptsched/internal/config"
	"ptsched/internal/eventbus"
	"ptsched/internal/scheduler"
	"ptsched/internal/storage"
	logx "ptsched/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msg)
}

func newScheduler(t *testing.T) (*scheduler.Scheduler, *storage.Memory) {
	t.Helper()
	sink := storage.NewMemory()
	s := scheduler.New(scheduler.Config{RecordTimeout: time.Second}, logx.Nop(), eventbus.New(), scheduler.WithSink(sink))
	require.NoError(t, s.SetupContext(context.Background()))
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.ReleaseContext(ctx)
	})
	return s, sink
}

func constTask(name, period string, v float64) config.TaskConfig {
	return config.TaskConfig{Name: name, Period: period, Probe: config.ProbeConfig{Kind: "const", Value: v}}
}

func stateOf(s *scheduler.Scheduler, id uint64) string {
	info, ok := s.Task(id)
	if !ok {
		return ""
	}
	return info.State
}

func TestReconcileLifecycle(t *testing.T) {
	t.Parallel()
	s, sink := newScheduler(t)
	r := newReconciler(s, logx.Nop())

	a := constTask("a", "20ms", 1)
	b := constTask("b", "20ms", 2)
	b.Paused = true

	res, err := r.Apply([]config.TaskConfig{a, b})
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Added: 2}, res)
	ids := r.IDs()
	require.Len(t, ids, 2)
	idA, idB := ids["a"], ids["b"]

	eventually(t, 2*time.Second, func() bool { return stateOf(s, idB) == "paused" }, "b admitted paused")
	eventually(t, 2*time.Second, func() bool {
		sum, ok, _ := sink.Summary(context.Background(), idA)
		return ok && sum.Count >= 2
	}, "a records")
	_, ok, _ := sink.Summary(context.Background(), idB)
	assert.False(t, ok, "paused task must not record")
	infoB, _ := s.Task(idB)
	assert.Zero(t, infoB.Runs, "paused task must not run before resume")

	// Retune a, resume b, add c.
	a2 := a
	a2.Period = "40ms"
	b2 := b
	b2.Paused = false
	c := constTask("c", "20ms", 3)
	res, err = r.Apply([]config.TaskConfig{a2, b2, c})
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Added: 1, Updated: 1, Resumed: 1}, res)
	info, _ := s.Task(idA)
	assert.Equal(t, 40*time.Millisecond, info.Period)
	assert.Equal(t, idA, r.IDs()["a"], "retune keeps the id")
	eventually(t, 2*time.Second, func() bool {
		_, ok, _ := sink.Summary(context.Background(), idB)
		return ok
	}, "b records after resume")

	// A probe change replaces the task; b disappears.
	a3 := a2
	a3.Probe.Value = 5
	res, err = r.Apply([]config.TaskConfig{a3, c})
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Replaced: 1, Cancelled: 1}, res)
	newA := r.IDs()["a"]
	assert.NotEqual(t, idA, newA)
	assert.False(t, s.Has(idA))
	assert.False(t, s.Has(idB))
	assert.True(t, s.Has(newA))
}

func TestReconcileKeepsRunningOnBadDefinition(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	r := newReconciler(s, logx.Nop())

	a := constTask("a", "1s", 1)
	_, err := r.Apply([]config.TaskConfig{a})
	require.NoError(t, err)
	idA := r.IDs()["a"]

	badPeriod := a
	badPeriod.Period = "soon"
	badProbe := config.TaskConfig{Name: "d", Period: "1s", Probe: config.ProbeConfig{Kind: "tcp"}}
	res, err := r.Apply([]config.TaskConfig{badPeriod, badProbe})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tasks[0].period")
	assert.Contains(t, err.Error(), "tasks[1].probe")
	assert.Equal(t, ReconcileResult{}, res)
	assert.True(t, s.Has(idA), "a keeps running with its old period")
	assert.NotContains(t, r.IDs(), "d")
}

func TestReconcileReaddsExternallyCancelled(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	r := newReconciler(s, logx.Nop())

	tasks := []config.TaskConfig{constTask("a", "1s", 1)}
	_, err := r.Apply(tasks)
	require.NoError(t, err)
	id := r.IDs()["a"]
	require.True(t, s.CancelTask(id))

	res, err := r.Apply(tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.NotEqual(t, id, r.IDs()["a"])
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := &config.Config{Tasks: []config.TaskConfig{
		constTask("a", "@every 2s", 1),
		{Name: "b", Period: "00:01", Probe: config.ProbeConfig{Kind: "tcp", Host: "example.com", Port: 80}},
	}}
	assert.NoError(t, validate(ok))

	bad := []*config.Config{
		nil,
		{Tasks: []config.TaskConfig{constTask("a", "0s", 1)}},
		{Tasks: []config.TaskConfig{constTask("a", "0 * * * *", 1)}},
		{Tasks: []config.TaskConfig{{Name: "a", Period: "1s", Probe: config.ProbeConfig{Kind: "carrier-pigeon"}}}},
		{Storage: &config.StorageConfig{Driver: "redis"}},
		{Storage: &config.StorageConfig{Driver: "etcd"}},
	}
	for i, cfg := range bad {
		assert.Error(t, validate(cfg), "case %d", i)
	}
}
