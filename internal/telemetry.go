package internal

import (
	"context"
	"sync"
	"time"
)

// TelemetryEmitter receives named measurements. Service wiring may register
// a metrics backend; the default discards everything.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	teleMu   sync.Mutex
	teleImpl TelemetryEmitter = func(context.Context, string, map[string]string, any) {}
)

// RegisterTelemetryEmitter installs fn. A nil fn restores the no-op emitter.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		fn = func(context.Context, string, map[string]string, any) {}
	}
	teleImpl = fn
}

func emitter() TelemetryEmitter {
	teleMu.Lock()
	defer teleMu.Unlock()
	return teleImpl
}

// EmitLatency records the duration since start in milliseconds.
// name: "objectbase_latency_ms" with label {"stage": "<records.server|records.client|analytics.export|analytics.aggregate>"}
func EmitLatency(ctx context.Context, stage string, start time.Time) {
	emitter()(ctx, "objectbase_latency_ms", map[string]string{"stage": stage}, time.Since(start).Milliseconds())
}

// EmitRowCount records how many rows a stage produced.
// name: "objectbase_row_count" with label {"stage": "<...>"}
func EmitRowCount(ctx context.Context, stage string, rows int64) {
	emitter()(ctx, "objectbase_row_count", map[string]string{"stage": stage}, rows)
}
