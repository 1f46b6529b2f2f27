package batching

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type queueMetrics struct {
	batches  prometheus.Counter
	items    prometheus.Counter
	failures prometheus.Counter
	pending  prometheus.Gauge
	duration prometheus.Observer
}

// newQueueMetrics returns nil when reg is nil. Queues that share a name
// share their collectors, so short-lived queues can be recreated.
func newQueueMetrics(reg prometheus.Registerer, name string) (*queueMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"queue": name}

	m := &queueMetrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "batching", Name: "batches_total", ConstLabels: labels,
			Help: "Total number of processed batches",
		}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "batching", Name: "items_total", ConstLabels: labels,
			Help: "Total number of processed items",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "batching", Name: "failures_total", ConstLabels: labels,
			Help: "Total number of failed batches",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "batching", Name: "pending", ConstLabels: labels,
			Help: "Items waiting for the next batch",
		}),
	}
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Subsystem: "batching", Name: "batch_duration_seconds", ConstLabels: labels,
		Help:    "Time spent in the process function",
		Buckets: prometheus.DefBuckets,
	})

	var err error
	for _, c := range []*prometheus.Counter{&m.batches, &m.items, &m.failures} {
		if *c, err = register(reg, *c); err != nil {
			return nil, err
		}
	}
	if m.pending, err = register(reg, m.pending); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	m.duration = duration
	return m, nil
}

// register adopts an identical collector that is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}
func (m *queueMetrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *queueMetrics) observe(size int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.items.Add(float64(size))
	m.duration.Observe(took.Seconds())
	if err != nil {
		m.failures.Inc()
	}
}
