package kmetrics

import (
	"sync"

	"go.opencensus.io/metric/metricdata"
)

// KmetricsRegistry implements metricproducer.Producer.
type KmetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]*Kmetric
}

func NewKmetricsRegistry() *KmetricsRegistry {
	return &KmetricsRegistry{metrics: make(map[string]*Kmetric)}
}

var kmetricsRegistry = NewKmetricsRegistry()

func GetKmetricsRegistry() *KmetricsRegistry {
	return kmetricsRegistry
}

// RegisterKmetric replaces any earlier metric with the same name.
func (registry *KmetricsRegistry) RegisterKmetric(km *Kmetric) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.metrics[km.metricName] = km
}

func (registry *KmetricsRegistry) Get(name string) *Kmetric {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return registry.metrics[name]
}

func (registry *KmetricsRegistry) Read() []*metricdata.Metric {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	list := make([]*metricdata.Metric, 0, 2*len(registry.metrics))
	for _, km := range registry.metrics {
		list = append(list, km.ReadCount())
		if !km.countOnly {
			list = append(list, km.ReadSum())
		}
	}
	return list
}
