package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/urfave/cli"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/common"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
	"go.opencensus.io/metric/metricproducer"
)

/*
export ETCD_ENDPOINTS=localhost:2379
export API_PORT=8786
export METRICS_PORT=9090
export LOG_LEVEL=info
export LOG_FORMAT=json
./bin/bridge scheduler
./bin/bridge worker --scheduler http://127.0.0.1:8786
./bin/bridge forward --scheduler http://127.0.0.1:8786
./bin/bridge reverse --master spark://127.0.0.1:7077 --slots 4
*/
func main() {
	ctx := context.Background()
	// 从环境变量读取日志配置
	logLevel := kcommon.GetEnvString("LOG_LEVEL", "info")
	logFormat := kcommon.GetEnvString("LOG_FORMAT", "json")

	logrusLogger := klogging.NewLogrusLogger(ctx).WithMetricsReporter(NewLoggerMetricsReporter())
	logrusLogger.SetConfig(ctx, logLevel, logFormat)
	klogging.SetDefaultLogger(logrusLogger)
	klogging.Info(ctx).With("logLevel", logLevel).With("logFormat", logFormat).Log("LogLevelSet", "")

	cfg := config.LoadFromEnv()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	exitHandler := shutdown.NewExitHandler(sigChan, os.Exit)

	factory := NewBridgeCommandFactory(ctx, cfg, exitHandler)
	app := cli.NewApp()
	app.Name = "bridge"
	app.Usage = "Bridges a coordinator cluster and a target cluster in either direction"
	app.Version = common.GetVersion()
	app.Commands = []cli.Command{
		factory.MakeSchedulerCommand(),
		factory.MakeWorkerCommand(),
		factory.MakeForwardCommand(),
		factory.MakeReverseCommand(),
	}

	klogging.Info(ctx).With("version", common.GetVersion()).With("sessionId", common.GetSessionId()).
		With("startTime", common.GetStartTimeMs()).Log("BridgeStarting", "")
	if err := app.Run(os.Args); err != nil {
		klogging.Error(ctx).WithError(err).Log("BridgeFailed", "")
		exitHandler.Exit(1)
	}
}

// startMetricsServer exposes the kmetrics registry plus any extra producers on /metrics.
// Returns nil when port is 0.
func startMetricsServer(ctx context.Context, port int, producers ...metricproducer.Producer) *http.Server {
	if port == 0 {
		return nil
	}
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "bridge",
	})
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("PrometheusExporterError", "Failed to create Prometheus exporter")
	}
	metricproducer.GlobalManager().AddProducer(kmetrics.GetKmetricsRegistry())
	for _, p := range producers {
		metricproducer.GlobalManager().AddProducer(p)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", pe)
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: metricsMux,
	}
	go func() {
		klogging.Info(ctx).With("addr", metricsServer.Addr).Log("MetricsServerStarting", "Metrics server starting")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			klogging.Error(ctx).WithError(err).Log("MetricsServerError", "Metrics server error")
		}
	}()
	return metricsServer
}

func stopMetricsServer(ctx context.Context, server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		klogging.Error(ctx).WithError(err).Log("MetricsServerShutdownError", "Metrics server shutdown error")
	}
}
