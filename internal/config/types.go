package config

import "strings"

type Config struct {
	Logging       LoggingConfig        `json:"logging"`
	Storage       *StorageConfig       `json:"storage,omitempty"`
	Scheduler     SchedulerConfig      `json:"scheduler"`
	Observability *ObservabilityConfig `json:"observability,omitempty"`
	Systemd       *SystemdConfig       `json:"systemd,omitempty"`

	// Tasks are reconciled by name on every reload.
	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the metrics sink.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ptsched.db" }
//
// Storage is read once at startup; changing it requires a restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// redis only
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	InitTimeout string `json:"init_timeout,omitempty"`
}

type SchedulerConfig struct {
	// RecordTimeout bounds a single sink write. Default: 5s.
	RecordTimeout string `json:"record_timeout,omitempty"`
}

// ObservabilityConfig controls the optional HTTP server exposing /metrics,
// /tasks and pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9465").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9465"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Namespace     string `json:"namespace,omitempty"` // metric prefix, default "ptsched"
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// TaskConfig declares one periodic task.
//
// Period accepts Go durations ("1.5s"), bare seconds ("30"), "HH:MM" and
// cron descriptors with a constant delay ("@every 10s", "@hourly").
type TaskConfig struct {
	Name   string      `json:"name"`
	Period string      `json:"period"`
	Paused bool        `json:"paused,omitempty"`
	Probe  ProbeConfig `json:"probe"`
}

type ProbeConfig struct {
	Kind       string  `json:"kind"`
	Host       string  `json:"host,omitempty"`
	Port       int     `json:"port,omitempty"`
	URL        string  `json:"url,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	Value      float64 `json:"value,omitempty"`
	Candidates int     `json:"candidates,omitempty"`
}

// Key identifies a task definition across reloads.
func (t TaskConfig) Key() string { return strings.TrimSpace(t.Name) }

// SameProbe reports whether two definitions measure the same thing.
func (p ProbeConfig) SameProbe(o ProbeConfig) bool {
	return strings.EqualFold(strings.TrimSpace(p.Kind), strings.TrimSpace(o.Kind)) &&
		strings.TrimSpace(p.Host) == strings.TrimSpace(o.Host) &&
		p.Port == o.Port &&
		strings.TrimSpace(p.URL) == strings.TrimSpace(o.URL) &&
		strings.TrimSpace(p.Timeout) == strings.TrimSpace(o.Timeout) &&
		p.Value == o.Value &&
		p.Candidates == o.Candidates
}
