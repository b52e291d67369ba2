package task

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ptsched/internal/eventbus"
	"ptsched/internal/storage"
	"ptsched/internal/worker"
	logx "ptsched/pkg/logx"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v: %s", timeout, msg)
}

type failingRecorder struct{ calls atomic.Int32 }

func (f *failingRecorder) Record(context.Context, uint64, string, float64) (storage.Summary, error) {
	f.calls.Add(1)
	return storage.Summary{}, errors.New("disk full")
}

// startTimes records the start of every work invocation.
type startTimes struct {
	mu sync.Mutex
	at []time.Time
}

func (s *startTimes) work(took time.Duration) Work {
	return func() float64 {
		s.mu.Lock()
		s.at = append(s.at, time.Now())
		s.mu.Unlock()
		time.Sleep(took)
		return 0
	}
}

func (s *startTimes) meanInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.at) < 2 {
		return 0
	}
	return s.at[len(s.at)-1].Sub(s.at[0]) / time.Duration(len(s.at)-1)
}

func (s *startTimes) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.at)
}

func TestRecordsOnlyValidOutcomes(t *testing.T) {
	t.Parallel()

	sink := storage.NewMemory()
	var n atomic.Int32
	work := func() float64 {
		if n.Add(1)%2 == 0 {
			return -1
		}
		return 5
	}
	tk := New(1, "alt", 5*time.Millisecond, work, sink)
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return tk.Info().Runs >= 6 }, "six runs")
	tk.Stop()

	info := tk.Info()
	rows, err := sink.Observations(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if want := int((info.Runs + 1) / 2); len(rows) != want {
		t.Fatalf("recorded %d rows for %d runs, want %d", len(rows), info.Runs, want)
	}
	for _, r := range rows {
		if r.Value != 5 {
			t.Fatalf("recorded invalid value %v", r.Value)
		}
	}
	if info.Invalid != info.Runs/2 {
		t.Fatalf("invalid = %d, want %d", info.Invalid, info.Runs/2)
	}
}

func TestPanicIsInvalidOutcome(t *testing.T) {
	t.Parallel()

	sink := storage.NewMemory()
	var n atomic.Int32
	work := func() float64 {
		if n.Add(1) == 1 {
			panic("probe exploded")
		}
		return 3
	}
	tk := New(2, "panicky", 5*time.Millisecond, work, sink)
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tk.Stop()

	eventually(t, 2*time.Second, func() bool {
		s, ok, _ := sink.Summary(context.Background(), 2)
		return ok && s.Count >= 2
	}, "loop survives a panicking work function")
	if info := tk.Info(); info.Invalid < 1 {
		t.Fatalf("panic not counted as invalid: %+v", info)
	}
}

func TestSinkFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	rec := &failingRecorder{}
	tk := New(3, "unlucky", 2*time.Millisecond, func() float64 { return 1 }, rec)
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return rec.calls.Load() >= 5 }, "five record attempts")
	tk.Stop()
	if info := tk.Info(); info.RecordFailures < 5 || info.Runs < 5 {
		t.Fatalf("unexpected stats %+v", info)
	}
}

// logBuffer is an io.Writer safe for the task goroutine and the test.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSinkFailureWarningIsThrottled(t *testing.T) {
	t.Parallel()

	out := &logBuffer{}
	rec := &failingRecorder{}
	tk := New(9, "flaky", 2*time.Millisecond, func() float64 { return 1 }, rec,
		WithLogger(logx.NewWriter(out, "warn")))
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return rec.calls.Load() >= 5 }, "five record attempts")
	tk.Stop()

	logs := out.String()
	if n := strings.Count(logs, "metrics sink write failed"); n != 1 {
		t.Fatalf("sink failure warnings = %d, want 1 within the throttle window:\n%s", n, logs)
	}
	if !strings.Contains(logs, `"tid":9`) || !strings.Contains(logs, "disk full") {
		t.Fatalf("warning lacks task id or cause:\n%s", logs)
	}
}

func TestDriftCorrection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		period  time.Duration
		work    time.Duration
		maxMean time.Duration
		minMean time.Duration
	}{
		// Uncorrected cadence would be period+work = 170ms.
		{name: "work shorter than period", period: 100 * time.Millisecond, work: 70 * time.Millisecond, minMean: 85 * time.Millisecond, maxMean: 145 * time.Millisecond},
		// Uncorrected cadence would be 90ms; corrected runs back to back.
		{name: "work longer than period", period: 30 * time.Millisecond, work: 60 * time.Millisecond, minMean: 55 * time.Millisecond, maxMean: 80 * time.Millisecond},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := &startTimes{}
			tk := New(4, tc.name, tc.period, st.work(tc.work), nil)
			if err := tk.Start(); err != nil {
				t.Fatalf("start: %v", err)
			}
			eventually(t, 5*time.Second, func() bool { return st.len() >= 6 }, "six invocations")
			tk.Stop()

			mean := st.meanInterval()
			if mean < tc.minMean || mean > tc.maxMean {
				t.Fatalf("mean start interval = %v, want within [%v, %v]", mean, tc.minMean, tc.maxMean)
			}
		})
	}
}

func TestStopInterruptsIdleWait(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	tk := New(5, "sleepy", time.Hour, func() float64 { runs.Add(1); return 0 }, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, time.Second, func() bool { return runs.Load() == 1 }, "first run")

	begin := time.Now()
	tk.Stop()
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("stop took %v", took)
	}
	select {
	case <-tk.Done():
	default:
		t.Fatalf("task goroutine still running after Stop")
	}
	if tk.State() != worker.StateStopped {
		t.Fatalf("state = %v", tk.State())
	}
}

func TestPauseHaltsInvocations(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	tk := New(6, "pausable", 5*time.Millisecond, func() float64 { runs.Add(1); return 0 }, nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tk.Stop()
	eventually(t, time.Second, func() bool { return runs.Load() >= 2 }, "two runs")

	tk.Pause()
	time.Sleep(20 * time.Millisecond) // let an in-flight iteration finish
	frozen := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != frozen {
		t.Fatalf("runs advanced while paused: %d -> %d", frozen, got)
	}

	tk.Resume()
	eventually(t, time.Second, func() bool { return runs.Load() > frozen }, "runs resume")
}

func TestUpdateAppliesNextIteration(t *testing.T) {
	t.Parallel()

	st := &startTimes{}
	tk := New(7, "retuned", time.Hour, st.work(0), nil)
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tk.Stop()
	eventually(t, time.Second, func() bool { return st.len() == 1 }, "first run")

	tk.Pause()
	tk.Update(10 * time.Millisecond)
	tk.Resume()
	if tk.Period() != 10*time.Millisecond {
		t.Fatalf("period = %v", tk.Period())
	}
	eventually(t, time.Second, func() bool { return st.len() >= 4 }, "faster cadence after update")
}

func TestPublishesRunEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	tk := New(8, "noisy", time.Hour, func() float64 { return 42 }, nil, WithBus(bus))
	if err := tk.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tk.Stop()

	select {
	case e := <-ch:
		te, ok := e.Data.(eventbus.TaskEvent)
		if e.Type != eventbus.TaskRun || !ok || te.ID != 8 || te.Outcome != 42 {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no run event")
	}
}
