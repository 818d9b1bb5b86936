package kmetrics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/resource"
)

// Kmetric is one logical metric. It exports "<name>_count" and, unless
// CountOnly, "<name>_sum"; each distinct tag value combination is one TimeSequence.
type Kmetric struct {
	mu          sync.Mutex // held only while adding a TimeSequence
	metricName  string
	description string
	tagNames    []string
	collection  atomic.Pointer[timeSequenceCollection]
	startTime   time.Time
	countOnly   bool
}

func CreateKmetric(ctx context.Context, name string, description string, tags []string) *Kmetric {
	km := &Kmetric{
		metricName:  name,
		description: description,
		tagNames:    tags,
		startTime:   time.Now(),
	}
	km.collection.Store(&timeSequenceCollection{dict: map[string]*TimeSequence{}})
	GetKmetricsRegistry().RegisterKmetric(km)
	return km
}

func (km *Kmetric) CountOnly() *Kmetric {
	km.countOnly = true
	return km
}

// GetTimeSequence: tags must line up with the tag names given at creation.
func (km *Kmetric) GetTimeSequence(ctx context.Context, tags ...string) *TimeSequence {
	key := strings.Join(tags, "-")
	if seq, ok := km.collection.Load().dict[key]; ok {
		return seq
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	old := km.collection.Load()
	if seq, ok := old.dict[key]; ok {
		return seq
	}
	if len(tags) != len(km.tagNames) {
		panic(kerror.Create("InvalidTagValues", "number of tag values does not match tag name list").
			With("metric", km.metricName).
			With("expectedLen", len(km.tagNames)).
			With("gotLen", len(tags)))
	}
	next := &timeSequenceCollection{dict: make(map[string]*TimeSequence, len(old.dict)+1)}
	for k, v := range old.dict {
		next.dict[k] = v
	}
	seq := newTimeSequence(tags)
	next.dict[key] = seq
	km.collection.Store(next)
	return seq
}

func (km *Kmetric) read(suffix string, value func(*TimeSequence) int64) *metricdata.Metric {
	keys := make([]metricdata.LabelKey, len(km.tagNames))
	for i, tagName := range km.tagNames {
		keys[i] = metricdata.LabelKey{Key: tagName}
	}
	now := time.Now()
	series := []*metricdata.TimeSeries{}
	for _, ts := range km.collection.Load().dict {
		series = append(series, &metricdata.TimeSeries{
			LabelValues: append([]metricdata.LabelValue(nil), ts.labelValues...),
			Points:      []metricdata.Point{metricdata.NewInt64Point(now, value(ts))},
			StartTime:   km.startTime,
		})
	}
	return &metricdata.Metric{
		Descriptor: metricdata.Descriptor{
			Name:        km.metricName + suffix,
			Description: km.description,
			Unit:        metricdata.UnitDimensionless,
			Type:        metricdata.TypeCumulativeInt64,
			LabelKeys:   keys,
		},
		Resource:   &resource.Resource{Type: "clusterbridge", Labels: map[string]string{}},
		TimeSeries: series,
	}
}

func (km *Kmetric) ReadCount() *metricdata.Metric {
	return km.read("_count", func(ts *TimeSequence) int64 { c, _ := ts.Get(); return c })
}

func (km *Kmetric) ReadSum() *metricdata.Metric {
	return km.read("_sum", func(ts *TimeSequence) int64 { _, s := ts.Get(); return s })
}

// copy-on-write; replaced wholesale when a sequence is added
type timeSequenceCollection struct {
	dict map[string]*TimeSequence
}

// TimeSequence is one tag value combination of a Kmetric.
type TimeSequence struct {
	tagValues   []string
	labelValues []metricdata.LabelValue
	count       atomic.Int64
	sum         atomic.Int64
}

func newTimeSequence(tagValues []string) *TimeSequence {
	values := make([]metricdata.LabelValue, len(tagValues))
	for i, item := range tagValues {
		values[i] = metricdata.NewLabelValue(item)
	}
	return &TimeSequence{tagValues: tagValues, labelValues: values}
}

func (ts *TimeSequence) Add(val int64) {
	ts.count.Add(1)
	ts.sum.Add(val)
}

func (ts *TimeSequence) Get() (count int64, sum int64) {
	return ts.count.Load(), ts.sum.Load()
}
