package config

import (
	"strings"

	logx "ptsched/pkg/logx"
)

// TaskDiff groups task definitions by what a reload did to them.
type TaskDiff struct {
	Added   []TaskConfig
	Removed []TaskConfig
	Changed []TaskConfig // new definition; same name, different settings
}

func (d TaskDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffTasks compares task lists by name. Order within each group follows
// the list it came from.
func DiffTasks(oldTasks, newTasks []TaskConfig) TaskDiff {
	prev := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		prev[t.Key()] = t
	}
	var d TaskDiff
	next := make(map[string]struct{}, len(newTasks))
	for _, t := range newTasks {
		next[t.Key()] = struct{}{}
		o, ok := prev[t.Key()]
		switch {
		case !ok:
			d.Added = append(d.Added, t)
		case strings.TrimSpace(o.Period) != strings.TrimSpace(t.Period) ||
			o.Paused != t.Paused || !o.Probe.SameProbe(t.Probe):
			d.Changed = append(d.Changed, t)
		}
	}
	for _, t := range oldTasks {
		if _, ok := next[t.Key()]; !ok {
			d.Removed = append(d.Removed, t)
		}
	}
	return d
}

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets (tokens, passwords) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	so, sn := storageOrZero(oldCfg.Storage), storageOrZero(newCfg.Storage)
	if so != sn {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", sn.Driver),
			logx.String("storage.path", sn.Path),
			logx.String("storage.addr", sn.Addr),
			logx.Bool("storage.password_set", sn.Password != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.record_timeout", newCfg.Scheduler.RecordTimeout))
	}

	oo, no := observabilityOrZero(oldCfg.Observability), observabilityOrZero(newCfg.Observability)
	if oo.Enabled != no.Enabled ||
		strings.TrimSpace(oo.Addr) != strings.TrimSpace(no.Addr) ||
		oo.AllowInsecure != no.AllowInsecure ||
		oo.Pprof != no.Pprof ||
		oo.Namespace != no.Namespace ||
		oo.Token != no.Token {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.pprof", no.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
		)
	}

	osd, nsd := systemdOrZero(oldCfg.Systemd), systemdOrZero(newCfg.Systemd)
	if osd != nsd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", nsd.Notify), logx.Bool("systemd.watchdog", nsd.Watchdog))
	}

	if d := DiffTasks(oldCfg.Tasks, newCfg.Tasks); !d.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(d.Added)),
			logx.Int("tasks.removed", len(d.Removed)),
			logx.Int("tasks.changed", len(d.Changed)),
		)
	}

	return changed, attrs
}

func storageOrZero(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func observabilityOrZero(o *ObservabilityConfig) ObservabilityConfig {
	if o == nil {
		return ObservabilityConfig{}
	}
	return *o
}

func systemdOrZero(s *SystemdConfig) SystemdConfig {
	if s == nil {
		return SystemdConfig{}
	}
	return *s
}
