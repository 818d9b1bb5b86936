package kmetrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"go.opencensus.io/metric"
)

func TestKmetricSequences(t *testing.T) {
	ctx := context.Background()
	km := CreateKmetric(ctx, "test_launch", "desc", []string{"kind", "status"})
	km.GetTimeSequence(ctx, "master", "OK").Add(1)
	km.GetTimeSequence(ctx, "slave", "OK").Add(3)
	km.GetTimeSequence(ctx, "slave", "OK").Add(4)

	count, sum := km.GetTimeSequence(ctx, "slave", "OK").Get()
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(7), sum)
	assert.Len(t, km.ReadCount().TimeSeries, 2)
	assert.Equal(t, "test_launch_sum", km.ReadSum().Descriptor.Name)
	assert.Same(t, km, GetKmetricsRegistry().Get("test_launch"))

	assert.Panics(t, func() { km.GetTimeSequence(ctx, "only-one-tag") })
}

func TestRegistryReadCountOnly(t *testing.T) {
	ctx := context.Background()
	registry := NewKmetricsRegistry()
	km := &Kmetric{metricName: "x", tagNames: []string{"a"}}
	km.collection.Store(&timeSequenceCollection{dict: map[string]*TimeSequence{}})
	km.CountOnly()
	registry.RegisterKmetric(km)
	km.GetTimeSequence(ctx, "v").Add(5)
	list := registry.Read()
	assert.Len(t, list, 1)
	assert.Equal(t, "x_count", list[0].Descriptor.Name)
}

func TestInstrumentSummaryRunError(t *testing.T) {
	ctx := context.Background()
	err := InstrumentSummaryRunError(ctx, "test.ok", func(ctx context.Context) error { return nil }, "")
	assert.NoError(t, err)
	count, _ := OpsLatencyMetric.GetTimeSequence(ctx, "test.ok", "OK", "", "").Get()
	assert.Equal(t, int64(1), count)

	ke := kerror.Create("EmptyClusterError", "no workers")
	err = InstrumentSummaryRunError(ctx, "test.err", func(ctx context.Context) error { return ke }, "")
	assert.Same(t, ke, err)
	count, _ = OpsLatencyMetric.GetTimeSequence(ctx, "test.err", "ERROR", "EmptyClusterError", "").Get()
	assert.Equal(t, int64(1), count)

	err = InstrumentSummaryRunError(ctx, "test.panic", func(ctx context.Context) error { panic(errors.New("bad")) }, "")
	assert.True(t, kerror.IsType(err, "InternalServerError"))
}

func TestInstrumentSummaryRunVoid(t *testing.T) {
	ctx := context.Background()
	assert.Panics(t, func() {
		InstrumentSummaryRunVoid(ctx, "test.void", func() { panic(kerror.Create("X", "")) }, "")
	})
	count, _ := OpsLatencyMetric.GetTimeSequence(ctx, "test.void", "ERROR", "X", "").Get()
	assert.Equal(t, int64(1), count)
}

func TestDerivedGauge(t *testing.T) {
	r := metric.NewRegistry()
	AddInt64DerivedGaugeWithLabels(context.Background(), r, func() int64 { return 3 }, "workers", "desc", map[string]string{"cluster": "c1"})
	metrics := r.Read()
	assert.Len(t, metrics, 1)
	assert.Equal(t, int64(3), metrics[0].TimeSeries[0].Points[0].Value)
}
