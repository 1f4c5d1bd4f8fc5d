package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/NodePath81/netspector/internal/measure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netspector"

func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.5:  0.05,
		0.9:  0.01,
		0.99: 0.001,
	}
}

// Metrics tracks measurement runs on a private registry. It observes the
// orchestrator and the latency sampler.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	probes        *prometheus.CounterVec
	runDuration   prometheus.Summary
	stage         *prometheus.GaugeVec
	latencyMs     *prometheus.GaugeVec
	lossPercent   prometheus.Gauge
	bandwidthMbps *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Measurement runs by outcome and kind",
		}, []string{"outcome", "kind"}),
		probes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Latency probe attempts by outcome",
		}, []string{"outcome"}),
		runDuration: factory.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "run_duration_seconds",
			Help:       "Time to complete a measurement run (in seconds)",
			Objectives: summaryObjectives(),
		}),
		stage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "1 for the stage the orchestrator is currently in",
		}, []string{"stage"}),
		latencyMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_milliseconds",
			Help:      "Latency statistics of the last persisted run",
		}, []string{"stat"}),
		lossPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packet_loss_percent",
			Help:      "Packet loss of the last persisted run",
		}),
		bandwidthMbps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_mbps",
			Help:      "Throughput of the last persisted run with a speed test",
		}, []string{"direction"}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last persisted run",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var allStages = []measure.Stage{
	measure.StageIdle,
	measure.StageLatency,
	measure.StageBandwidth,
	measure.StagePersisting,
	measure.StageComplete,
}

func (m *Metrics) StageChanged(stage measure.Stage) {
	for _, s := range allStages {
		v := 0.0
		if s == stage {
			v = 1
		}
		m.stage.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) RunFinished(rec measure.Record, latencyOnly bool, elapsed time.Duration, err error) {
	kind := "full"
	if latencyOnly {
		kind = "latency_only"
	}
	m.runDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.runs.WithLabelValues(outcomeFor(err), kind).Inc()
		return
	}
	m.runs.WithLabelValues("success", kind).Inc()
	m.latencyMs.WithLabelValues("avg").Set(rec.Ping.AverageMs)
	m.latencyMs.WithLabelValues("min").Set(rec.Ping.MinMs)
	m.latencyMs.WithLabelValues("max").Set(rec.Ping.MaxMs)
	m.latencyMs.WithLabelValues("jitter").Set(rec.Ping.JitterMs)
	m.lossPercent.Set(rec.Ping.LossPercent)
	if !latencyOnly {
		m.bandwidthMbps.WithLabelValues("download").Set(rec.Speed.DownloadMbps)
		m.bandwidthMbps.WithLabelValues("upload").Set(rec.Speed.UploadMbps)
	}
	m.lastSuccess.Set(float64(rec.Timestamp.Unix()))
}

// ProbeOutcome counts one classified latency attempt.
func (m *Metrics) ProbeOutcome(o measure.ProbeOutcome) {
	switch {
	case o.Responded:
		m.probes.WithLabelValues("responded").Inc()
	case o.Err == nil || errors.Is(o.Err, measure.ErrNoResponse):
		m.probes.WithLabelValues("timeout").Inc()
	default:
		m.probes.WithLabelValues("error").Inc()
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, measure.ErrInvalidAttempts) {
		return "invalid"
	}
	return "persist_failed"
}
