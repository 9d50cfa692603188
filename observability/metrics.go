package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
)

type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsCollector keeps process-local counters and gauges for the metrics
// endpoint. Traces carry the per-request detail.
type MetricsCollector struct {
	metrics map[string]*Metric
	mu      sync.RWMutex
}

var defaultCollector = CreateMetricsCollector()

func CreateMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metric),
	}
}

func IncrementCounter(name string, labels map[string]string) {
	defaultCollector.IncrementCounter(name, labels)
}

func SetGauge(name string, value float64, labels map[string]string) {
	defaultCollector.SetGauge(name, value, labels)
}

func Snapshot() []Metric {
	return defaultCollector.Snapshot()
}

func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := mc.metrics[key]; exists {
		metric.Value++
		metric.Timestamp = time.Now()
		return
	}
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      Counter,
		Value:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics[metricKey(name, labels)] = &Metric{
		Name:      name,
		Type:      Gauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	metric, ok := mc.metrics[metricKey(name, labels)]
	if !ok {
		return nil
	}
	out := *metric
	return &out
}

// Snapshot returns a copy of every metric ordered by key.
func (mc *MetricsCollector) Snapshot() []Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	keys := make([]string, 0, len(mc.metrics))
	for k := range mc.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *mc.metrics[k])
	}
	return out
}

func metricKey(name string, labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteString(":" + k + "=" + labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
