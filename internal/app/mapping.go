package app

import (
	"fmt"
	"strings"
	"time"

	"ptsched/internal/config"
	"ptsched/internal/observability/httpserver"
	"ptsched/internal/probe"
	"ptsched/internal/scheduler"
	"ptsched/internal/storage"
	logx "ptsched/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig defaults to the sqlite sink when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: storage.DefaultPath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = storage.DefaultPath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		initTimeout, err := config.ParseDurationField("storage.init_timeout", sc.InitTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{
			Driver:      "redis",
			Addr:        strings.TrimSpace(sc.Addr),
			Password:    sc.Password,
			DB:          sc.DB,
			KeyPrefix:   strings.TrimSpace(sc.KeyPrefix),
			InitTimeout: initTimeout,
		}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	out := scheduler.Config{Storage: sc, RecordTimeout: 5 * time.Second}
	if cfg != nil {
		out.RecordTimeout, err = config.ParseDurationOrDefault("scheduler.record_timeout", cfg.Scheduler.RecordTimeout, out.RecordTimeout)
		if err != nil {
			return scheduler.Config{}, err
		}
	}
	return out, nil
}

func mapObservabilityConfig(cfg *config.Config) httpserver.Config {
	if cfg == nil || cfg.Observability == nil {
		return httpserver.Config{}
	}
	o := cfg.Observability
	return httpserver.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
}

func metricsNamespace(cfg *config.Config) string {
	if cfg == nil || cfg.Observability == nil || strings.TrimSpace(cfg.Observability.Namespace) == "" {
		return "ptsched"
	}
	return strings.TrimSpace(cfg.Observability.Namespace)
}

func mapProbeSpec(path string, pc config.ProbeConfig) (probe.Spec, error) {
	timeout, err := config.ParseDurationField(path+".timeout", pc.Timeout)
	if err != nil {
		return probe.Spec{}, err
	}
	return probe.Spec{
		Kind:       strings.ToLower(strings.TrimSpace(pc.Kind)),
		Host:       strings.TrimSpace(pc.Host),
		Port:       pc.Port,
		URL:        strings.TrimSpace(pc.URL),
		Timeout:    timeout,
		Value:      pc.Value,
		Candidates: pc.Candidates,
	}, nil
}
