// Package metrics exposes sync activity as prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/store"
)

const namespace = "crmsync"

// Recorder implements store.Recorder with prometheus metrics labelled by
// entity type.
type Recorder struct {
	committed    *prometheus.CounterVec
	changes      *prometheus.CounterVec
	acked        *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	bootstrap    *prometheus.HistogramVec
	bootstrapErr *prometheus.CounterVec
	stores       *prometheus.GaugeVec
}

var _ store.Recorder = (*Recorder)(nil)

// New creates the collectors and registers them on reg, or on the default
// registerer when reg is nil. Collectors already registered are reused.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	byType := []string{"entity_type"}
	r := &Recorder{
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_committed_total",
			Help:      "Operations committed locally",
		}, byType),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_committed_total",
			Help:      "Field changes carried by committed operations",
		}, byType),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_acked_total",
			Help:      "Operations acknowledged by the server",
		}, byType),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Operations rejected by the server",
		}, byType),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_dropped_total",
			Help:      "Pending operations that no longer applied after a rebase",
		}, byType),
		bootstrap: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bootstrap_duration_seconds",
			Help:      "Group bootstrap latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, byType),
		bootstrapErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_failures_total",
			Help:      "Failed group bootstraps",
		}, byType),
		stores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stores",
			Help:      "Entity stores held per group",
		}, byType),
	}

	var err error
	counter := func(c *prometheus.CounterVec) *prometheus.CounterVec {
		if err == nil {
			c, err = register(reg, c)
		}
		return c
	}
	r.committed = counter(r.committed)
	r.changes = counter(r.changes)
	r.acked = counter(r.acked)
	r.rejected = counter(r.rejected)
	r.dropped = counter(r.dropped)
	r.bootstrapErr = counter(r.bootstrapErr)
	if err == nil {
		r.bootstrap, err = register(reg, r.bootstrap)
	}
	if err == nil {
		r.stores, err = register(reg, r.stores)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// register registers c. When an identical collector is already
// registered, that one is returned instead.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "register collector")
	}
	return c, nil
}

func (r *Recorder) Committed(entityType string, changes int) {
	r.committed.WithLabelValues(entityType).Inc()
	r.changes.WithLabelValues(entityType).Add(float64(changes))
}

func (r *Recorder) Acked(entityType string)    { r.acked.WithLabelValues(entityType).Inc() }
func (r *Recorder) Rejected(entityType string) { r.rejected.WithLabelValues(entityType).Inc() }
func (r *Recorder) Dropped(entityType string)  { r.dropped.WithLabelValues(entityType).Inc() }

func (r *Recorder) Bootstrapped(entityType string, took time.Duration, err error) {
	r.bootstrap.WithLabelValues(entityType).Observe(took.Seconds())
	if err != nil {
		r.bootstrapErr.WithLabelValues(entityType).Inc()
	}
}

func (r *Recorder) Stores(entityType string, n int) {
	r.stores.WithLabelValues(entityType).Set(float64(n))
}

// RelayStats is what RegisterRelay samples at scrape time.
type RelayStats struct {
	Connections func() int
	Dropped     func() uint64
}

// RegisterRelay exposes relay connection and hub drop counts.
func RegisterRelay(reg prometheus.Registerer, s RelayStats) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if s.Connections != nil {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay websocket connections",
		}, func() float64 { return float64(s.Connections()) })
		if _, err := register(reg, g); err != nil {
			return err
		}
	}
	if s.Dropped != nil {
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_messages_total",
			Help:      "Messages dropped because a subscriber queue was full",
		}, func() float64 { return float64(s.Dropped()) })
		if _, err := register(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g, or the default gatherer when
// g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
