// Package metrics records pipeline timings in a Prometheus registry that is
// written out for node_exporter's textfile collector at the end of a run.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the pipeline metrics.
type Recorder struct {
	Registry *prometheus.Registry

	stepDuration *prometheus.HistogramVec
	stepTotal    *prometheus.CounterVec
	toolExit     *prometheus.CounterVec
	stacks       prometheus.Gauge
	lastSuccess  prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dicom2svr_step_duration_seconds",
			Help: "Wall time of each pipeline step.",
			// Conversion takes seconds, reconstruction hours.
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"step"}),
		stepTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom2svr_step_total",
			Help: "Pipeline steps by outcome.",
		}, []string{"step", "status"}),
		toolExit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom2svr_tool_exit_total",
			Help: "External tool invocations by exit code.",
		}, []string{"tool", "code"}),
		stacks: f.NewGauge(prometheus.GaugeOpts{
			Name: "dicom2svr_stacks",
			Help: "Number of stacks passed to the reconstruction.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "dicom2svr_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
	}
}

// ObserveStep records a finished step.
func (r *Recorder) ObserveStep(step, status string, d time.Duration) {
	r.stepTotal.WithLabelValues(step, status).Inc()
	if status != "skipped" {
		r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

// ObserveTool records an external tool exit code; -1 marks tools that never
// started or were killed by a signal.
func (r *Recorder) ObserveTool(tool string, code int) {
	r.toolExit.WithLabelValues(tool, strconv.Itoa(code)).Inc()
}

// SetStacks records the number of reconstruction inputs.
func (r *Recorder) SetStacks(n int) {
	r.stacks.Set(float64(n))
}

// MarkSuccess stamps the time of a successful run.
func (r *Recorder) MarkSuccess(t time.Time) {
	r.lastSuccess.Set(float64(t.Unix()))
}

// WriteTextfile writes the registry in text exposition format, atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
