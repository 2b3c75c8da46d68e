package prometheus

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/dig"

	"github.com/iotaledger/hive.go/app"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/monitoring"
	"github.com/dueldanov/virtualnode/pkg/daemon"
)

func init() {
	Component = &app.Component{
		Name:     "Prometheus",
		DepsFunc: func(cDeps dependencies) { deps = cDeps },
		Params:   params,
		IsEnabled: func(_ *dig.Container) bool {
			return ParamsPrometheus.Enabled
		},
		Provide:   provide,
		Configure: configure,
		Run:       run,
	}
}

var (
	Component *app.Component
	deps      dependencies
	registry  *prometheus.Registry
	server    *http.Server
)

type dependencies struct {
	dig.In

	Collector *monitoring.MetricsCollector
	Directory *identity.Directory
	Htlcs     *htlc.Ledger
	Balances  *balance.Ledger
}

func provide(c *dig.Container) error {
	registry = prometheus.NewRegistry()

	return c.Provide(func() *monitoring.MetricsCollector {
		return monitoring.NewMetricsCollector(Component.App().NewLogger("Metrics"), registry)
	})
}

func configure() error {
	deps.Collector.Attach(deps.Directory, deps.Htlcs, deps.Balances)

	if ParamsPrometheus.GoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
	}
	if ParamsPrometheus.ProcessMetrics {
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return nil
}

func run() error {
	return Component.Daemon().BackgroundWorker("Prometheus exporter", func(ctx context.Context) {
		Component.LogInfo("Starting Prometheus exporter ...")

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		server = &http.Server{Addr: ParamsPrometheus.BindAddress, Handler: mux}

		go func() {
			Component.LogInfof("You can now access the Prometheus exporter using: http://%s/metrics", ParamsPrometheus.BindAddress)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Component.LogWarnf("Stopped Prometheus exporter due to an error (%s)", err)
			}
		}()

		<-ctx.Done()
		Component.LogInfo("Stopping Prometheus exporter ...")

		shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCtxCancel()

		//nolint:contextcheck // false positive
		if err := server.Shutdown(shutdownCtx); err != nil {
			Component.LogWarn(err)
		}

		Component.LogInfo("Stopping Prometheus exporter ... done")
	}, daemon.PriorityPrometheus)
}
