// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestCollectorRecords(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	depth := 3
	c, err := NewCollector(provider, func() int { return depth })
	require.NoError(t, err)

	ctx := context.Background()
	c.RecordRunFinished(ctx, "order", "completed", 2*time.Second)
	c.RecordStepOutcome(ctx, "order", "charge", "completed", 100*time.Millisecond)
	c.RecordRetry(ctx, "order", "charge")
	c.RecordEvent(ctx, "step_completed")

	metrics := collect(t, reader)
	assert.Contains(t, metrics, "durable_runs_total")
	assert.Contains(t, metrics, "durable_steps_total")
	assert.Contains(t, metrics, "durable_step_retries_total")
	assert.Contains(t, metrics, "durable_events_total")
	assert.Contains(t, metrics, "durable_run_duration_seconds")
	assert.Contains(t, metrics, "durable_queue_depth")

	runs := metrics["durable_runs_total"].Data.(metricdata.Sum[int64])
	require.Len(t, runs.DataPoints, 1)
	assert.Equal(t, int64(1), runs.DataPoints[0].Value)

	gauge := metrics["durable_queue_depth"].Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	ctx := context.Background()
	c.RecordRunFinished(ctx, "w", "failed", time.Second)
	c.RecordStepOutcome(ctx, "w", "s", "completed", time.Second)
	c.RecordRetry(ctx, "w", "s")
	c.RecordEvent(ctx, "run_created")
}

func TestInjectExtractHeaders(t *testing.T) {
	headers := map[string]string{}
	InjectHeaders(context.Background(), headers)
	// No active span means nothing to inject; extraction of empty
	// headers returns the same context.
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractHeaders(ctx, nil))
}
