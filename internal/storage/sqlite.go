package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "ptsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// sqliteSink stores one TASK row per observation.
type sqliteSink struct {
	cfg Config
	log logx.Logger

	// mu serializes the prior-row read and the insert of each Record.
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func newSQLite(cfg Config, log logx.Logger) *sqliteSink {
	return &sqliteSink{cfg: cfg, log: log}
}

func (s *sqliteSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := s.cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			s.log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return fmt.Errorf("create schema: %w", err)
	}
	s.db = db
	s.log.Info("sqlite sink ready", logx.String("path", s.cfg.Path))
	return nil
}

func (s *sqliteSink) handle() (*sql.DB, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func (s *sqliteSink) Record(ctx context.Context, taskID uint64, name string, value float64) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.handle()
	if err != nil {
		return Summary{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM TASK WHERE TID = ?`, int64(taskID)).Scan(&count); err != nil {
		return Summary{}, err
	}
	var prev *Observation
	if count > 0 {
		p, err := scanObservation(tx.QueryRowContext(ctx,
			`SELECT ID, TID, NAME, TIME, VALUE, MINVALUE, MAXVALUE, AVGVALUE
			 FROM TASK WHERE TID = ? ORDER BY TIME DESC, ID DESC LIMIT 1`, int64(taskID)))
		if err != nil {
			return Summary{}, err
		}
		prev = &p
	}

	o := next(prev, count, taskID, name, value, time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO TASK(TID, NAME, TIME, VALUE, MINVALUE, MAXVALUE, AVGVALUE) VALUES(?,?,?,?,?,?,?)`,
		int64(taskID), name, o.At.UnixMilli(), o.Value, o.Min, o.Max, o.Avg,
	)
	if err != nil {
		return Summary{}, err
	}
	if err := tx.Commit(); err != nil {
		return Summary{}, err
	}
	if id, err := res.LastInsertId(); err == nil {
		o.Seq = id
	}
	return summarize(o, count+1), nil
}

func (s *sqliteSink) Summary(ctx context.Context, taskID uint64) (Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.handle()
	if err != nil {
		return Summary{}, false, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM TASK WHERE TID = ?`, int64(taskID)).Scan(&count); err != nil {
		return Summary{}, false, err
	}
	if count == 0 {
		return Summary{}, false, nil
	}
	o, err := scanObservation(db.QueryRowContext(ctx,
		`SELECT ID, TID, NAME, TIME, VALUE, MINVALUE, MAXVALUE, AVGVALUE
		 FROM TASK WHERE TID = ? ORDER BY TIME DESC, ID DESC LIMIT 1`, int64(taskID)))
	if err != nil {
		return Summary{}, false, err
	}
	return summarize(o, count), true, nil
}

func (s *sqliteSink) Observations(ctx context.Context, taskID uint64, limit int) ([]Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := db.QueryContext(ctx,
		`SELECT ID, TID, NAME, TIME, VALUE, MINVALUE, MAXVALUE, AVGVALUE
		 FROM TASK WHERE TID = ? ORDER BY TIME DESC, ID DESC LIMIT ?`, int64(taskID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(r rowScanner) (Observation, error) {
	var (
		o   Observation
		tid int64
		ms  int64
	)
	err := r.Scan(&o.Seq, &tid, &o.Name, &ms, &o.Value, &o.Min, &o.Max, &o.Avg)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, err
	}
	if err != nil {
		return Observation{}, fmt.Errorf("scan TASK row: %w", err)
	}
	o.TaskID = uint64(tid)
	o.At = time.UnixMilli(ms)
	return o, nil
}
