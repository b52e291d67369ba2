package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed         = errors.New("storage closed")
	ErrNotInitialized = errors.New("storage not initialized")
)

// Config configures the metrics sink.
//
// Driver values: "sqlite" (default), "file", "redis", "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite database or jsonl file
	BusyTimeout time.Duration // sqlite only; 0 means default

	// redis only
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// InitTimeout bounds the retry of Initialize for network drivers.
	InitTimeout time.Duration
}

// Observation is one stored row. Seq increases monotonically per task id.
type Observation struct {
	Seq    int64     `json:"seq"`
	TaskID uint64    `json:"tid"`
	Name   string    `json:"name"`
	At     time.Time `json:"time"`
	Value  float64   `json:"value"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Avg    float64   `json:"avg"`
}

// Summary is the running aggregate for one task id after its latest row.
type Summary struct {
	TaskID uint64    `json:"tid"`
	Name   string    `json:"name"`
	Count  int64     `json:"count"`
	Last   float64   `json:"last"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Avg    float64   `json:"avg"`
	LastAt time.Time `json:"last_at"`
}

// Sink records observations. Implementations must be safe for concurrent
// Record calls from many task goroutines and serialize the read-modify-write
// of the running aggregate per task id.
type Sink interface {
	// Initialize prepares the underlying storage. The sink must not be used
	// if it fails.
	Initialize(ctx context.Context) error
	// Record appends one observation and returns the updated aggregate.
	Record(ctx context.Context, taskID uint64, name string, value float64) (Summary, error)
	// Summary returns the aggregate as of the most recent row. ok is false
	// when the task id has no rows.
	Summary(ctx context.Context, taskID uint64) (s Summary, ok bool, err error)
	// Observations returns up to limit rows, newest first. limit <= 0 means
	// all rows.
	Observations(ctx context.Context, taskID uint64, limit int) ([]Observation, error)
	Close() error
}

// next derives the row that follows prev. count is the number of rows
// already stored for the task id.
func next(prev *Observation, count int64, taskID uint64, name string, value float64, at time.Time) Observation {
	o := Observation{
		Seq:    count + 1,
		TaskID: taskID,
		Name:   name,
		At:     at,
		Value:  value,
		Min:    value,
		Max:    value,
		Avg:    value,
	}
	if prev == nil || count <= 0 {
		return o
	}
	if prev.Min < o.Min {
		o.Min = prev.Min
	}
	if prev.Max > o.Max {
		o.Max = prev.Max
	}
	o.Avg = prev.Avg + (value-prev.Avg)/float64(count+1)
	return o
}

func summarize(o Observation, count int64) Summary {
	return Summary{
		TaskID: o.TaskID,
		Name:   o.Name,
		Count:  count,
		Last:   o.Value,
		Min:    o.Min,
		Max:    o.Max,
		Avg:    o.Avg,
		LastAt: o.At,
	}
}
