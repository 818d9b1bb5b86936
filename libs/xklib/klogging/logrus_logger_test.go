package klogging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingReporter struct {
	sizes  int
	counts map[string]int
}

func (r *countingReporter) ReportLogSizeBytes(ctx context.Context, size int, logLevel, eventType string) {
	r.sizes += size
}

func (r *countingReporter) ReportLogErrorCount(ctx context.Context, count int, logLevel, eventType string, isLogged bool) {
	r.counts[eventType] += count
}

func TestLogrusLoggerJson(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	reporter := &countingReporter{counts: map[string]int{}}
	logger := NewLogrusLogger(ctx).WithOutput(&buf).WithMetricsReporter(reporter)
	SetDefaultLogger(NewNullLogger())
	logger.SetConfig(ctx, "info", "json")
	SetDefaultLogger(logger)

	Info(ctx).With("master", "spark://10.0.0.1:7077").Log("MasterStarted", "master up")
	Debug(ctx).Log("Skipped", "below threshold")

	var line map[string]interface{}
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "MasterStarted", line["event"])
	assert.Equal(t, "spark://10.0.0.1:7077", line["master"])
	assert.Equal(t, "master up", line["msg"])
	assert.Equal(t, 1, reporter.counts["MasterStarted"])
	assert.Equal(t, 1, reporter.counts["Skipped"])
	assert.Greater(t, reporter.sizes, 0)
}

func TestLogrusLoggerBadConfigIgnored(t *testing.T) {
	ctx := context.Background()
	SetDefaultLogger(NewNullLogger())
	logger := NewLogrusLogger(nil).SetConfig(ctx, "nonsense", "json")
	assert.Equal(t, InfoLevel, logger.Level())
}

func TestSimpleFormatter(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	SetDefaultLogger(NewNullLogger())
	logger := NewLogrusLogger(ctx).WithOutput(&buf).SetConfig(ctx, "debug", "simple")
	SetDefaultLogger(logger)
	Info(ctx).With("cores", 6).With("host", "host a").Log("HostSummary", "aggregated")
	assert.Regexp(t, ` INFO event=HostSummary msg=aggregated cores=6 host='host a'\n$`, buf.String())
}
