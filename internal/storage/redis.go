package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "ptsched/pkg/logx"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ptsched"

// redisSink keeps one list per task id, newest observation at index 0.
//
// Record runs inside WATCH/MULTI/EXEC on the task's list, so writers in other
// processes sharing the same key prefix cannot interleave a read-modify-write.
type redisSink struct {
	cfg    Config
	log    logx.Logger
	prefix string

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

func newRedis(cfg Config, log logx.Logger) (*redisSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisSink{cfg: cfg, log: log, prefix: prefix}, nil
}

func (s *redisSink) key(taskID uint64) string {
	return s.prefix + ":task:" + strconv.FormatUint(taskID, 10)
}

func (s *redisSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.client != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})

	wait := s.cfg.InitTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	_, err := backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(wait),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("redis not reachable, retrying", logx.String("addr", s.cfg.Addr), logx.Duration("next", next), logx.Err(err))
		}),
	)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis %s: %w", s.cfg.Addr, err)
	}
	s.client = client
	s.log.Info("redis sink ready", logx.String("addr", s.cfg.Addr), logx.String("prefix", s.prefix))
	return nil
}

func (s *redisSink) conn() (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.client == nil {
		return nil, ErrNotInitialized
	}
	return s.client, nil
}

func (s *redisSink) Record(ctx context.Context, taskID uint64, name string, value float64) (Summary, error) {
	client, err := s.conn()
	if err != nil {
		return Summary{}, err
	}
	key := s.key(taskID)

	var out Summary
	txf := func(tx *redis.Tx) error {
		count, prev, err := s.head(ctx, tx, key)
		if err != nil {
			return err
		}
		o := next(prev, count, taskID, name, value, time.Now())
		b, err := json.Marshal(o)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, key, b)
			return nil
		})
		if err != nil {
			return err
		}
		out = summarize(o, count+1)
		return nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		err = client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return out, err
		}
	}
	return Summary{}, fmt.Errorf("record task %d: %w", taskID, err)
}

type listReader interface {
	LLen(ctx context.Context, key string) *redis.IntCmd
	LIndex(ctx context.Context, key string, index int64) *redis.StringCmd
}

// head returns the row count and the newest row of key.
func (s *redisSink) head(ctx context.Context, c listReader, key string) (int64, *Observation, error) {
	count, err := c.LLen(ctx, key).Result()
	if err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	raw, err := c.LIndex(ctx, key, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	var o Observation
	if err := json.Unmarshal(raw, &o); err != nil {
		return 0, nil, fmt.Errorf("decode %s[0]: %w", key, err)
	}
	return count, &o, nil
}

func (s *redisSink) Summary(ctx context.Context, taskID uint64) (Summary, bool, error) {
	client, err := s.conn()
	if err != nil {
		return Summary{}, false, err
	}
	count, prev, err := s.head(ctx, client, s.key(taskID))
	if err != nil || prev == nil {
		return Summary{}, false, err
	}
	return summarize(*prev, count), true, nil
}

func (s *redisSink) Observations(ctx context.Context, taskID uint64, limit int) ([]Observation, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := client.LRange(ctx, s.key(taskID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(raws))
	for _, raw := range raws {
		var o Observation
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode observation: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *redisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
