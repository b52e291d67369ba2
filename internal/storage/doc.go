// Package storage is the metrics sink behind every periodic task.
//
// Each Record call appends one observation for a task id and maintains the
// running minimum, maximum and incremental mean for that id:
//
//	avg_n = avg_{n-1} + (value - avg_{n-1}) / n
//
// Drivers:
//   - "sqlite": TASK table in a SQLite file (modernc.org/sqlite, pure Go)
//   - "file":   append-only JSON Lines file, replayed on Initialize
//   - "redis":  one list per task id (go-redis)
//   - "memory": process-local, for tests and throwaway runs
package storage
