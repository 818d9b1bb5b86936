package main

import (
	"context"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
)

var (
	LogSizeBytesMetrics  = kmetrics.CreateKmetric(context.Background(), "klogging_volume_byte", "log size in byte (don't include skipped events)", []string{"level", "event"})
	LogErrorCountMetrics = kmetrics.CreateKmetric(context.Background(), "klogging_breif_count", "log event count (include those skipped)", []string{"level", "event", "logged"}).CountOnly()
)

// LoggerMetricsReporter implements klogging.LoggerMetrcsReporter
type LoggerMetricsReporter struct {
}

func NewLoggerMetricsReporter() *LoggerMetricsReporter {
	return &LoggerMetricsReporter{}
}

func (lmr *LoggerMetricsReporter) ReportLogSizeBytes(ctx context.Context, size int, logLevel, eventType string) {
	LogSizeBytesMetrics.GetTimeSequence(ctx, logLevel, eventType).Add(int64(size))
}

func (lmr *LoggerMetricsReporter) ReportLogErrorCount(ctx context.Context, count int, logLevel, eventType string, isLogged bool) {
	isLoggedStr := "false"
	if isLogged {
		isLoggedStr = "true"
	}
	LogErrorCountMetrics.GetTimeSequence(ctx, logLevel, eventType, isLoggedStr).Add(int64(count))
}
