package stages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/fsutil"
	"github.com/ethpandaops/testcontroller/pkg/testcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	metricsNamespace   = "testcontroller"
	defaultMetricsFile = "testcontroller.prom"
)

type metricsOptions struct {
	Path string `mapstructure:"path"`
}

// runMetrics holds the gauges describing one run.
type runMetrics struct {
	registry  *prometheus.Registry
	tests     *prometheus.GaugeVec
	attempts  prometheus.Gauge
	machine   *prometheus.GaugeVec
	faults    prometheus.Gauge
	duration  prometheus.Gauge
	finished  prometheus.Gauge
	succeeded prometheus.Gauge
}

func newRunMetrics() *runMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &runMetrics{
		registry: reg,
		tests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tests",
			Help:      "Number of tests by final result",
		}, []string{"result"}),
		attempts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "test_attempts",
			Help:      "Number of runner invocations including retries",
		}),
		machine: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "machine_tests",
			Help:      "Number of tests whose last attempt ran on the machine",
		}, []string{"machine"}),
		faults: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "faults",
			Help:      "Number of executor faults",
		}),
		duration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of the run",
		}),
		finished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_finished_timestamp_seconds",
			Help:      "Unix time the run finished",
		}),
		succeeded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_success",
			Help:      "1 if no test failed and no executor faulted",
		}),
	}
}

func (m *runMetrics) observe(r *extension.Results) {
	counts := r.Counts()
	for _, res := range testcase.AllResults {
		m.tests.WithLabelValues(string(res)).Set(float64(counts[res]))
	}

	for _, machine := range r.Machines {
		m.machine.WithLabelValues(machine.Hostname).Set(0)
	}

	attempts := 0

	for _, t := range r.Tests {
		attempts += t.Attempts()

		if run := t.LastRun(); run != nil && run.ExecutionTarget != "" {
			m.machine.WithLabelValues(run.ExecutionTarget).Inc()
		}
	}

	m.attempts.Set(float64(attempts))
	m.faults.Set(float64(len(r.Faults)))
	m.duration.Set(r.Finished.Sub(r.Started).Seconds())
	m.finished.Set(float64(r.Finished.Unix()))

	if r.Failed() {
		m.succeeded.Set(0)
	} else {
		m.succeeded.Set(1)
	}
}

// metricsReporter writes run metrics in the node exporter textfile format.
type metricsReporter struct {
	base
	log       logrus.FieldLogger
	path      string
	outputDir string
	results   *extension.Results
}

// Ensure interface compliance.
var _ extension.Reporter = (*metricsReporter)(nil)

// NewMetricsReporter builds the prometheus textfile reporter.
func NewMetricsReporter(fc extension.FactoryContext) (extension.Extension, error) {
	var opts metricsOptions
	if err := decodeOptions(fc.Options, &opts); err != nil {
		return nil, err
	}

	return &metricsReporter{
		base:      base{name: fc.Name, role: extension.RoleReporter},
		log:       fc.Log.WithField("component", "metrics-reporter"),
		path:      opts.Path,
		outputDir: fc.OutputDir,
	}, nil
}

func (m *metricsReporter) SetResults(results *extension.Results) {
	m.results = results
}

func (m *metricsReporter) Execute(_ context.Context) error {
	if m.results == nil {
		return errors.New("no results to report")
	}

	path := m.path
	if path == "" {
		dir := m.results.OutputDir
		if dir == "" {
			dir = m.outputDir
		}

		path = filepath.Join(dir, defaultMetricsFile)
	}

	if err := fsutil.MkdirAll(filepath.Dir(path), 0o755, nil); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	metrics := newRunMetrics()
	metrics.observe(m.results)

	if err := prometheus.WriteToTextfile(path, metrics.registry); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}

	m.log.WithField("path", path).Info("Wrote metrics")

	return nil
}
