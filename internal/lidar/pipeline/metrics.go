package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	cycles            *prometheus.CounterVec
	inputPoints       prometheus.Counter
	excludedPoints    prometheus.Counter
	accumulatedPoints prometheus.Gauge
	cycleSeconds      prometheus.Histogram
	state             prometheus.Gauge
}

// NewMetrics creates the pipeline collectors and registers them on reg.
// It panics if a collector with the same name is already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapaccum_cycles_total",
				Help: "Batches processed, by outcome",
			},
			[]string{"status"},
		),
		inputPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapaccum_input_points_total",
			Help: "Points received in batches that reached the transform stage",
		}),
		excludedPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapaccum_excluded_points_total",
			Help: "Points dropped for a non-finite coordinate",
		}),
		accumulatedPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapaccum_accumulated_points",
			Help: "Points in the accumulated cloud after the last cycle",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapaccum_cycle_duration_seconds",
			Help:    "Wall time of one accumulation cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapaccum_pipeline_state",
			Help: "Current pipeline state (0=idle ... 7=stopped)",
		}),
	}
	reg.MustRegister(m.cycles, m.inputPoints, m.excludedPoints, m.accumulatedPoints, m.cycleSeconds, m.state)
	return m
}

func (m *Metrics) observeCycle(r CycleResult) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(r.Status.String()).Inc()
	if r.Status != CycleDropped {
		m.inputPoints.Add(float64(r.Input))
		m.excludedPoints.Add(float64(r.Excluded))
	}
	m.accumulatedPoints.Set(float64(r.Accumulated))
	m.cycleSeconds.Observe(r.Duration.Seconds())
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
