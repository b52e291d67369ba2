package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ptsched/pkg/logx"
)

// fileSink appends one JSON line per observation to <prefix>.metrics.jsonl.
//
// The latest row and the row count per task id are kept in memory and rebuilt
// by replaying the file on Initialize, so Record never reads the file.
type fileSink struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	closed bool
	last   map[uint64]Observation
	count  map[uint64]int64
}

func newFile(cfg Config, log logx.Logger) (*fileSink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &fileSink{
		path: filepath.Join(dir, base+".metrics.jsonl"),
		log:  log,
	}, nil
}

func (s *fileSink) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	s.last = map[uint64]Observation{}
	s.count = map[uint64]int64{}
	skipped, err := replayObservations(s.path, func(o Observation) {
		s.last[o.TaskID] = o
		s.count[o.TaskID]++
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replay %s: %w", s.path, err)
	}
	if skipped > 0 {
		s.log.Warn("skipped malformed metric lines", logx.Int("lines", skipped), logx.String("path", s.path))
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	s.enc = json.NewEncoder(f)
	return nil
}

func (s *fileSink) ready() error {
	if s.closed {
		return ErrClosed
	}
	if s.f == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *fileSink) Record(_ context.Context, taskID uint64, name string, value float64) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return Summary{}, err
	}
	count := s.count[taskID]
	var prev *Observation
	if p, ok := s.last[taskID]; ok {
		prev = &p
	}
	o := next(prev, count, taskID, name, value, time.Now())
	if err := s.enc.Encode(o); err != nil {
		return Summary{}, err
	}
	s.last[taskID] = o
	s.count[taskID] = count + 1
	return summarize(o, count+1), nil
}

func (s *fileSink) Summary(_ context.Context, taskID uint64) (Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return Summary{}, false, err
	}
	o, ok := s.last[taskID]
	if !ok {
		return Summary{}, false, nil
	}
	return summarize(o, s.count[taskID]), true, nil
}

func (s *fileSink) Observations(_ context.Context, taskID uint64, limit int) ([]Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	var rows []Observation
	if _, err := replayObservations(s.path, func(o Observation) {
		if o.TaskID == taskID {
			rows = append(rows, o)
		}
	}); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	out := make([]Observation, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// replayObservations calls fn for every well-formed line in path and returns
// the number of malformed lines it skipped.
func replayObservations(path string, fn func(Observation)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var o Observation
		if err := json.Unmarshal(line, &o); err != nil || o.TaskID == 0 {
			skipped++
			continue
		}
		fn(o)
	}
	return skipped, sc.Err()
}
