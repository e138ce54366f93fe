package daemon

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	supportlog "github.com/stellar/go/support/log"
	"github.com/stellar/go/support/logmetrics"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/config"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
)

func (d *Daemon) registerMetrics() {
	// LogMetricsHook is a metric which counts log lines emitted by txquery-rpc
	logMetricsHook := logmetrics.New(interfaces.PrometheusNamespace)
	d.logger.AddHook(logMetricsHook)
	for _, counter := range logMetricsHook {
		d.metricsRegistry.MustRegister(counter)
	}

	buildInfoGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: interfaces.PrometheusNamespace, Subsystem: "build", Name: "info"},
		[]string{"version", "goversion", "commit", "branch", "build_timestamp"},
	)
	buildInfoGauge.With(prometheus.Labels{
		"version":         config.Version,
		"commit":          config.CommitHash,
		"branch":          config.Branch,
		"build_timestamp": config.BuildTimestamp,
		"goversion":       runtime.Version(),
	}).Inc()

	d.metricsRegistry.MustRegister(collectors.NewGoCollector())
	d.metricsRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metricsRegistry.MustRegister(buildInfoGauge)
}

func (d *Daemon) MetricsRegistry() *prometheus.Registry {
	return d.metricsRegistry
}

func (d *Daemon) MetricsNamespace() string {
	return interfaces.PrometheusNamespace
}

func (d *Daemon) Logger() *supportlog.Entry {
	return d.logger
}

var _ interfaces.Daemon = &Daemon{}
