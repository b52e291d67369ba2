// Package probe provides the work functions tasks run. Every probe returns a
// latency in milliseconds, or task.Invalid when the measurement failed.
package probe

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"ptsched/internal/task"
	"ptsched/internal/worker"
	logx "ptsched/pkg/logx"
)

const (
	KindTCP       = "tcp"
	KindICMP      = "icmp"
	KindHTTP      = "http"
	KindSpeedtest = "speedtest"
	KindConst     = "const"
)

const DefaultTimeout = 5 * time.Second

// Spec describes one probe.
type Spec struct {
	Kind    string
	Host    string
	Port    int
	URL     string
	Timeout time.Duration
	Value   float64 // const only

	// speedtest only: nearest servers to ping when picking a target.
	Candidates int
}

// Option customizes probe construction.
type Option func(*options)

type options struct {
	log     logx.Logger
	spawner worker.Spawner
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithSpawner hosts helper goroutines (speedtest candidate pings) on sp.
func WithSpawner(sp worker.Spawner) Option { return func(o *options) { o.spawner = sp } }

// New builds the work function for spec.
func New(spec Spec, opts ...Option) (task.Work, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	log := o.log.With(logx.String("comp", "probe"), logx.String("kind", spec.Kind))

	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindTCP:
		if spec.Host == "" || spec.Port <= 0 || spec.Port > 65535 {
			return nil, fmt.Errorf("tcp probe needs host and port, got %q:%d", spec.Host, spec.Port)
		}
		return TCP(net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port)), spec.Timeout, log), nil
	case KindICMP:
		if spec.Host == "" {
			return nil, fmt.Errorf("icmp probe needs host")
		}
		return ICMP(spec.Host, spec.Timeout, log), nil
	case KindHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("http probe needs url")
		}
		return HTTP(spec.URL, spec.Timeout, log), nil
	case KindSpeedtest:
		return Speedtest(spec.Candidates, spec.Timeout, o.spawner, log), nil
	case KindConst:
		return Const(spec.Value), nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", spec.Kind)
	}
}

// Const always returns v.
func Const(v float64) task.Work {
	return func() float64 { return v }
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
