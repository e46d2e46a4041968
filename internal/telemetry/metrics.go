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

// Package telemetry provides the OpenTelemetry metrics collector and
// the trace-context carrier used on queue messages.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records engine metrics through the OpenTelemetry metric
// API. A nil *Collector is valid and records nothing, so call sites do
// not need telemetry wiring in tests.
type Collector struct {
	runsTotal    metric.Int64Counter
	stepsTotal   metric.Int64Counter
	eventsTotal  metric.Int64Counter
	retriesTotal metric.Int64Counter

	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram
}

// QueueDepthFunc reports the current queue depth for the gauge.
type QueueDepthFunc func() int

// NewCollector creates a collector on the given meter provider. The
// depth callback may be nil when the queue backend cannot report depth.
func NewCollector(meterProvider metric.MeterProvider, depth QueueDepthFunc) (*Collector, error) {
	meter := meterProvider.Meter("durable")

	c := &Collector{}
	var err error

	c.runsTotal, err = meter.Int64Counter(
		"durable_runs_total",
		metric.WithDescription("Total number of workflow runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	c.stepsTotal, err = meter.Int64Counter(
		"durable_steps_total",
		metric.WithDescription("Total number of step attempts reaching an outcome"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	c.eventsTotal, err = meter.Int64Counter(
		"durable_events_total",
		metric.WithDescription("Total number of events appended to the log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.retriesTotal, err = meter.Int64Counter(
		"durable_step_retries_total",
		metric.WithDescription("Total number of step retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	c.runDuration, err = meter.Float64Histogram(
		"durable_run_duration_seconds",
		metric.WithDescription("Workflow run duration from start to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.stepDuration, err = meter.Float64Histogram(
		"durable_step_duration_seconds",
		metric.WithDescription("Step attempt duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	if depth != nil {
		_, err = meter.Int64ObservableGauge(
			"durable_queue_depth",
			metric.WithDescription("Number of queued messages, in-flight included"),
			metric.WithUnit("{message}"),
			metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(depth()))
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordRunFinished records a run reaching a terminal status.
func (c *Collector) RecordRunFinished(ctx context.Context, workflowName, status string, duration time.Duration) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("status", status),
	)
	c.runsTotal.Add(ctx, 1, attrs)
	c.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepOutcome records one step attempt's outcome.
func (c *Collector) RecordStepOutcome(ctx context.Context, workflowName, stepName, status string, duration time.Duration) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("step", stepName),
		attribute.String("status", status),
	)
	c.stepsTotal.Add(ctx, 1, attrs)
	c.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records a scheduled step retry.
func (c *Collector) RecordRetry(ctx context.Context, workflowName, stepName string) {
	if c == nil {
		return
	}
	c.retriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("step", stepName),
	))
}

// RecordEvent records an event append.
func (c *Collector) RecordEvent(ctx context.Context, eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
}
