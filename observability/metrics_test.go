package observability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector_CounterKeyIgnoresLabelOrder(t *testing.T) {
	mc := CreateMetricsCollector()

	mc.IncrementCounter("dispatch_events_total", map[string]string{"topic": "payment.succeeded", "action": "ack"})
	mc.IncrementCounter("dispatch_events_total", map[string]string{"action": "ack", "topic": "payment.succeeded"})
	mc.IncrementCounter("dispatch_events_total", map[string]string{"action": "park", "topic": "payment.succeeded"})

	ack := mc.GetMetric("dispatch_events_total", map[string]string{"action": "ack", "topic": "payment.succeeded"})
	require.NotNil(t, ack)
	assert.Equal(t, float64(2), ack.Value)
	assert.Equal(t, Counter, ack.Type)
	assert.Len(t, mc.Snapshot(), 2)
}

func TestMetricsCollector_GaugeOverwrites(t *testing.T) {
	mc := CreateMetricsCollector()
	mc.SetGauge("stuck_sagas", 4, nil)
	mc.SetGauge("stuck_sagas", 1, nil)

	assert.Equal(t, float64(1), mc.GetMetric("stuck_sagas", nil).Value)
	assert.Nil(t, mc.GetMetric("missing", nil))
}

func TestMetricsCollector_LabelsAreCopied(t *testing.T) {
	mc := CreateMetricsCollector()
	labels := map[string]string{"action": "ack"}
	mc.IncrementCounter("events", labels)
	labels["action"] = "park"

	snap := mc.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "ack", snap[0].Labels["action"])
}

func TestMetricsCollector_Concurrent(t *testing.T) {
	mc := CreateMetricsCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc.IncrementCounter("requests", map[string]string{"route": "/api/v1/webhooks/stripe"})
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(50), mc.GetMetric("requests", map[string]string{"route": "/api/v1/webhooks/stripe"}).Value)
}
