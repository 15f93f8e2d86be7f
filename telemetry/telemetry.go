package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures runtime events emitted by the poll loop and the command
// dispatcher. Implementations must be cheap: hooks run inline with the cycle.
type Collector interface {
	CycleCompleted(duration time.Duration, failures int)
	CycleSkipped()
	SnapshotPublished(taken time.Time)
	ConnectionState(state string)
	CommandResult(outcome string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) CycleCompleted(time.Duration, int) {}
func (noopCollector) CycleSkipped()                     {}
func (noopCollector) SnapshotPublished(time.Time)       {}
func (noopCollector) ConnectionState(string)            {}
func (noopCollector) CommandResult(string)              {}

var connectionStates = []string{"disconnected", "connecting", "connected", "faulted"}

// PrometheusCollector exposes gateway metrics via Prometheus.
type PrometheusCollector struct {
	cycles        prometheus.Counter
	cycleSkips    prometheus.Counter
	cycleDuration prometheus.Histogram
	readFailures  prometheus.Counter
	snapshotTime  prometheus.Gauge
	connState     *prometheus.GaugeVec
	commands      *prometheus.CounterVec
}

// NewPrometheusCollector registers the gateway metrics with the provided
// registerer, tolerating collectors that are already registered.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpgate_poll_cycles_total",
			Help: "Number of completed poll cycles.",
		}),
		cycleSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpgate_poll_cycles_skipped_total",
			Help: "Number of poll triggers skipped because the previous cycle was still in flight.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hpgate_poll_cycle_duration_seconds",
			Help:    "Wall-clock duration of poll cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpgate_poll_register_failures_total",
			Help: "Number of registers published as invalid.",
		}),
		snapshotTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpgate_last_snapshot_timestamp_seconds",
			Help: "Unix time of the most recently published snapshot.",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpgate_connection_state",
			Help: "Current transport connection state (1 for the active state).",
		}, []string{"state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpgate_commands_total",
			Help: "Submitted commands by outcome.",
		}, []string{"outcome"}),
	}
	if err := registerCounter(reg, &c.cycles); err != nil {
		return nil, err
	}
	if err := registerCounter(reg, &c.cycleSkips); err != nil {
		return nil, err
	}
	if err := registerCounter(reg, &c.readFailures); err != nil {
		return nil, err
	}
	if err := registerHistogram(reg, &c.cycleDuration); err != nil {
		return nil, err
	}
	if err := registerGauge(reg, &c.snapshotTime); err != nil {
		return nil, err
	}
	if err := registerGaugeVec(reg, &c.connState); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &c.commands); err != nil {
		return nil, err
	}
	return c, nil
}

func registerCounter(reg prometheus.Registerer, counter *prometheus.Counter) error {
	if err := reg.Register(*counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(prometheus.Counter)
		if !ok {
			return err
		}
		*counter = existing
	}
	return nil
}

func registerHistogram(reg prometheus.Registerer, histogram *prometheus.Histogram) error {
	if err := reg.Register(*histogram); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(prometheus.Histogram)
		if !ok {
			return err
		}
		*histogram = existing
	}
	return nil
}

func registerGauge(reg prometheus.Registerer, gauge *prometheus.Gauge) error {
	if err := reg.Register(*gauge); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return err
		}
		*gauge = existing
	}
	return nil
}

func registerGaugeVec(reg prometheus.Registerer, gauge **prometheus.GaugeVec) error {
	if err := reg.Register(*gauge); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return err
		}
		*gauge = existing
	}
	return nil
}

func registerCounterVec(reg prometheus.Registerer, counter **prometheus.CounterVec) error {
	if err := reg.Register(*counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return err
		}
		*counter = existing
	}
	return nil
}

// CycleCompleted records one finished poll cycle.
func (p *PrometheusCollector) CycleCompleted(duration time.Duration, failures int) {
	if p == nil {
		return
	}
	p.cycles.Inc()
	p.cycleDuration.Observe(duration.Seconds())
	if failures > 0 {
		p.readFailures.Add(float64(failures))
	}
}

// SnapshotPublished records the publication time of the latest snapshot.
func (p *PrometheusCollector) SnapshotPublished(taken time.Time) {
	if p == nil {
		return
	}
	p.snapshotTime.Set(float64(taken.Unix()) + float64(taken.Nanosecond())/1e9)
}

// CycleSkipped records a skipped poll trigger.
func (p *PrometheusCollector) CycleSkipped() {
	if p == nil {
		return
	}
	p.cycleSkips.Inc()
}

// ConnectionState marks the active transport state.
func (p *PrometheusCollector) ConnectionState(state string) {
	if p == nil {
		return
	}
	for _, known := range connectionStates {
		value := 0.0
		if known == state {
			value = 1.0
		}
		p.connState.WithLabelValues(known).Set(value)
	}
}

// CommandResult counts a command submission outcome.
func (p *PrometheusCollector) CommandResult(outcome string) {
	if p == nil {
		return
	}
	p.commands.WithLabelValues(outcome).Inc()
}
