package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordedMetric struct {
	name   string
	labels map[string]string
	value  any
}

func captureTelemetry(t *testing.T) func() []recordedMetric {
	t.Helper()
	var (
		mu  sync.Mutex
		got []recordedMetric
	)
	RegisterTelemetryEmitter(func(_ context.Context, name string, labels map[string]string, value any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, recordedMetric{name: name, labels: labels, value: value})
	})
	t.Cleanup(func() { RegisterTelemetryEmitter(nil) })
	return func() []recordedMetric {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedMetric(nil), got...)
	}
}

func TestTelemetryEmitters(t *testing.T) {
	metrics := captureTelemetry(t)

	EmitLatency(context.Background(), "records.server", time.Now().Add(-25*time.Millisecond))
	EmitRowCount(context.Background(), "records.client", 3)

	got := metrics()
	if assert.Len(t, got, 2) {
		assert.Equal(t, "objectbase_latency_ms", got[0].name)
		assert.Equal(t, "records.server", got[0].labels["stage"])
		assert.GreaterOrEqual(t, got[0].value.(int64), int64(25))
		assert.Equal(t, recordedMetric{name: "objectbase_row_count", labels: map[string]string{"stage": "records.client"}, value: int64(3)}, got[1])
	}
}

func TestRegisterTelemetryEmitter_NilRestoresNoop(t *testing.T) {
	RegisterTelemetryEmitter(nil)
	assert.NotPanics(t, func() { EmitRowCount(context.Background(), "analytics.export", 1) })
}
