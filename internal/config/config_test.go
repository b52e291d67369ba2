package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./metrics.db
  busy_timeout: 2s
scheduler:
  record_timeout: 3s
observability:
  enabled: true
  addr: 127.0.0.1:9465
  pprof: true
tasks:
  - name: tcp google
    period: 1s
    probe: { kind: tcp, host: google.com, port: 80 }
  - name: ping google
    period: "@every 2s"
    paused: true
    probe:
      kind: icmp
      host: google.com
      timeout: 500ms
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("ptsched.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "3s", cfg.Scheduler.RecordTimeout)
	require.NotNil(t, cfg.Observability)
	assert.True(t, cfg.Observability.Pprof)
	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "tcp google", cfg.Tasks[0].Name)
	assert.Equal(t, 80, cfg.Tasks[0].Probe.Port)
	assert.True(t, cfg.Tasks[1].Paused)
	assert.Equal(t, "500ms", cfg.Tasks[1].Probe.Timeout)
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("ptsched.json", []byte(`{"tasks":[{"name":"c","period":"1s","probe":{"kind":"const","value":3}}]}`))
	require.NoError(t, err)
	require.Len(t, cfg.Tasks, 1)
	assert.Equal(t, 3.0, cfg.Tasks[0].Probe.Value)

	empty, err := Decode("empty.yml", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Tasks)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		path string
		body string
	}{
		"unknown field":    {"c.json", `{"logging":{"level":"info"},"telemetry":{}}`},
		"unknown nested":   {"c.yaml", "tasks:\n  - name: a\n    period: 1s\n    probe: {kind: tcp, ttl: 3}\n"},
		"trailing data":    {"c.json", `{"logging":{}} {"logging":{}}`},
		"missing name":     {"c.json", `{"tasks":[{"period":"1s","probe":{"kind":"const"}}]}`},
		"duplicate name":   {"c.json", `{"tasks":[{"name":"a","period":"1s","probe":{"kind":"const"}},{"name":"a","period":"2s","probe":{"kind":"const"}}]}`},
		"missing period":   {"c.json", `{"tasks":[{"name":"a","probe":{"kind":"const"}}]}`},
		"missing kind":     {"c.json", `{"tasks":[{"name":"a","period":"1s","probe":{}}]}`},
		"bad timeout":      {"c.json", `{"tasks":[{"name":"a","period":"1s","probe":{"kind":"tcp","timeout":"soon"}}]}`},
		"negative timeout": {"c.json", `{"scheduler":{"record_timeout":"-1s"}}`},
		"bad yaml":         {"c.yaml", "tasks: [\n"},
	}
	for name, tc := range cases {
		_, err := Decode(tc.path, []byte(tc.body))
		assert.Error(t, err, name)
	}
}

func TestDiffTasks(t *testing.T) {
	t.Parallel()

	a := TaskConfig{Name: "a", Period: "1s", Probe: ProbeConfig{Kind: "const", Value: 1}}
	b := TaskConfig{Name: "b", Period: "2s", Probe: ProbeConfig{Kind: "tcp", Host: "h", Port: 80}}
	c := TaskConfig{Name: "c", Period: "3s", Probe: ProbeConfig{Kind: "icmp", Host: "h"}}

	b2 := b
	b2.Period = "4s"
	d := DiffTasks([]TaskConfig{a, b}, []TaskConfig{b2, c})
	require.Len(t, d.Added, 1)
	assert.Equal(t, "c", d.Added[0].Name)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "a", d.Removed[0].Name)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, "4s", d.Changed[0].Period)

	// Case and whitespace in kind are not a change.
	a2 := a
	a2.Probe.Kind = " CONST "
	assert.True(t, DiffTasks([]TaskConfig{a}, []TaskConfig{a2}).Empty())

	a3 := a
	a3.Probe.Value = 2
	assert.Len(t, DiffTasks([]TaskConfig{a}, []TaskConfig{a3}).Changed, 1)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	old := &Config{Observability: &ObservabilityConfig{Enabled: true, Token: "one"}}
	next := &Config{
		Logging:       LoggingConfig{Level: "debug"},
		Observability: &ObservabilityConfig{Enabled: true, Token: "two"},
		Tasks:         []TaskConfig{{Name: "a", Period: "1s", Probe: ProbeConfig{Kind: "const"}}},
	}
	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"logging", "observability", "tasks"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(next, next)
	assert.Empty(t, changed)

	changed, _ = SummarizeConfigChange(nil, &Config{Storage: &StorageConfig{Driver: "file"}})
	assert.Equal(t, []string{"storage"}, changed)
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "ptsched.yaml", sampleYAML)

	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	// A stale config sits in the buffer; publish must replace it.
	m.publish(&Config{})
	m.publish(cfg)
	assert.Same(t, cfg, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	m.Unsubscribe(ch)
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "ptsched.yaml", sampleYAML)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ctx := context.Background()

	// unchanged content is not republished
	assert.False(t, m.reload(ctx))

	writeFile(t, dir, "ptsched.yaml", sampleYAML+"  - name: extra\n    period: 5s\n    probe: {kind: const}\n")
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	assert.False(t, m.reload(ctx), "validator rejection")
	assert.Len(t, m.Get().Tasks, 2)

	m.SetValidator(nil)
	assert.True(t, m.reload(ctx))
	assert.Len(t, m.Get().Tasks, 3)

	writeFile(t, dir, "ptsched.yaml", "tasks: [\n")
	assert.False(t, m.reload(ctx), "parse error keeps previous config")
	assert.Len(t, m.Get().Tasks, 3)
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "ptsched.json", `{"tasks":[]}`)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until a reload lands.
	body := `{"tasks":[{"name":"a","period":"1s","probe":{"kind":"const"}}]}`
	var got *Config
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	writeFile(t, dir, "ptsched.json", body)
loop:
	for {
		select {
		case got = <-ch:
			break loop
		case <-tick.C:
			writeFile(t, dir, "ptsched.json", body)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "a", got.Tasks[0].Name)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-2s")
	assert.Error(t, err)
}
