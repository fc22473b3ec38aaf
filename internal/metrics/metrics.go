// Package metrics exposes the governor's decision trace as Prometheus
// metrics. Collector is a telemetry.Sink.
package metrics

import (
	"net/http"
	"strconv"

	"cpufreq-governor/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cpufreq_governor"

type Collector struct {
	registry *prometheus.Registry

	decisions *prometheus.CounterVec
	applies   *prometheus.CounterVec
	target    *prometheus.GaugeVec
	load      *prometheus.GaugeVec
	current   *prometheus.GaugeVec
}

// New registers the governor metrics on a private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Count of unit evaluations by outcome.",
			},
			[]string{"group", "outcome"},
		),
		applies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_total",
				Help:      "Count of dispatcher driver calls by outcome.",
			},
			[]string{"group", "outcome"},
		),
		target: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_khz",
				Help:      "Target frequency of each unit.",
			},
			[]string{"group", "unit"},
		),
		load: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "load_percent",
				Help:      "Load of each unit at its last evaluation.",
			},
			[]string{"group", "unit"},
		),
		current: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_khz",
				Help:      "Frequency last applied to each group.",
			},
			[]string{"group"},
		),
	}
	c.registry.MustRegister(c.decisions, c.applies, c.target, c.load, c.current)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Record(t telemetry.Trace) {
	unit := strconv.Itoa(t.Unit)
	if t.Dispatch {
		c.applies.WithLabelValues(t.Group, string(t.Outcome)).Inc()
		if t.Outcome == telemetry.OutcomeSetSpeed {
			c.current.WithLabelValues(t.Group).Set(float64(t.Current))
		}
		return
	}
	c.decisions.WithLabelValues(t.Group, string(t.Outcome)).Inc()
	if t.Outcome == telemetry.OutcomeFailed {
		return
	}
	c.target.WithLabelValues(t.Group, unit).Set(float64(t.Target))
	c.load.WithLabelValues(t.Group, unit).Set(float64(t.Load))
}

func (c *Collector) Close() error { return nil }
