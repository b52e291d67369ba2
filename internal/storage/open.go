package storage

import (
	"errors"
	"strings"

	logx "ptsched/pkg/logx"
)

const DefaultPath = "./ptsched.db"

// Open builds the configured sink. The returned sink still needs
// Initialize before use.
func Open(cfg Config, log logx.Logger) (Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultPath
		}
		return newSQLite(cfg, log), nil
	case "file":
		return newFile(cfg, log)
	case "redis":
		return newRedis(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
