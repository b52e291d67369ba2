package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Instrumented decorates a Sink with Prometheus collectors. Every successful
// Record updates the per-task gauges from the aggregate the inner sink
// returned, so /metrics mirrors the stored running min/max/avg.
type Instrumented struct {
	Sink

	driver string

	value    *prom.GaugeVec
	min      *prom.GaugeVec
	max      *prom.GaugeVec
	avg      *prom.GaugeVec
	records  *prom.CounterVec
	failures *prom.CounterVec
	latency  *prom.HistogramVec
}

// Instrument registers the sink collectors on reg (the default registerer
// when nil). Registering twice on the same registry reuses the existing
// collectors.
func Instrument(inner Sink, driver, namespace string, reg prom.Registerer) (*Instrumented, error) {
	if inner == nil {
		return nil, errors.New("instrument: nil sink")
	}
	if namespace == "" {
		namespace = "ptsched"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if driver == "" {
		driver = "unknown"
	}
	labels := []string{"tid", "task"}

	gauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Subsystem: "task", Name: name, Help: help}, labels)
	}
	m := &Instrumented{
		Sink:   inner,
		driver: driver,
		value:  gauge("last_value", "Most recent recorded outcome."),
		min:    gauge("min_value", "Running minimum of recorded outcomes."),
		max:    gauge("max_value", "Running maximum of recorded outcomes."),
		avg:    gauge("avg_value", "Running mean of recorded outcomes."),
		records: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "records_total",
			Help: "Observations stored by the metrics sink.",
		}, labels),
		failures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "record_errors_total",
			Help: "Observations the metrics sink failed to store.",
		}, labels),
		latency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace, Subsystem: "sink", Name: "record_duration_seconds",
			Help:    "Latency of metrics sink writes.",
			Buckets: prom.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"driver"}),
	}

	var err error
	for _, g := range []**prom.GaugeVec{&m.value, &m.min, &m.max, &m.avg} {
		if *g, err = registerCollector(reg, *g); err != nil {
			return nil, err
		}
	}
	if m.records, err = registerCollector(reg, m.records); err != nil {
		return nil, err
	}
	if m.failures, err = registerCollector(reg, m.failures); err != nil {
		return nil, err
	}
	if m.latency, err = registerCollector(reg, m.latency); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Instrumented) Record(ctx context.Context, taskID uint64, name string, value float64) (Summary, error) {
	start := time.Now()
	sum, err := m.Sink.Record(ctx, taskID, name, value)
	m.latency.WithLabelValues(m.driver).Observe(time.Since(start).Seconds())

	tid := strconv.FormatUint(taskID, 10)
	if err != nil {
		m.failures.WithLabelValues(tid, name).Inc()
		return sum, err
	}
	m.records.WithLabelValues(tid, name).Inc()
	m.value.WithLabelValues(tid, name).Set(sum.Last)
	m.min.WithLabelValues(tid, name).Set(sum.Min)
	m.max.WithLabelValues(tid, name).Set(sum.Max)
	m.avg.WithLabelValues(tid, name).Set(sum.Avg)
	return sum, nil
}

// Forget drops the per-task series of a cancelled task.
func (m *Instrumented) Forget(taskID uint64, name string) {
	tid := strconv.FormatUint(taskID, 10)
	for _, g := range []*prom.GaugeVec{m.value, m.min, m.max, m.avg} {
		g.DeleteLabelValues(tid, name)
	}
	m.records.DeleteLabelValues(tid, name)
	m.failures.DeleteLabelValues(tid, name)
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}
	var are prom.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
