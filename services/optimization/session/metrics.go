// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "autopromptix.session"

// Package-level meter for session operations.
var meter = otel.Meter(instrumentationName)

// Metrics for session operations.
var (
	runsTotal      metric.Int64Counter
	eventsTotal    metric.Int64Counter
	decodeErrors   metric.Int64Counter
	readyLatency   metric.Float64Histogram
	runDuration    metric.Float64Histogram
	activeRuns     metric.Int64UpDownCounter
	metricsOnce    sync.Once
	metricsInitErr error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsTotal, err = meter.Int64Counter(
			"session_runs_total",
			metric.WithDescription("Optimization runs by terminal outcome"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		eventsTotal, err = meter.Int64Counter(
			"session_events_total",
			metric.WithDescription("Inbound events applied, by kind"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		decodeErrors, err = meter.Int64Counter(
			"session_decode_errors_total",
			metric.WithDescription("Inbound frames dropped as malformed"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		readyLatency, err = meter.Float64Histogram(
			"session_ready_latency_seconds",
			metric.WithDescription("Time from open to channel readiness"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"session_run_duration_seconds",
			metric.WithDescription("Wall time of a run from start to release"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}

		activeRuns, err = meter.Int64UpDownCounter(
			"session_active_runs",
			metric.WithDescription("Runs holding an open channel"),
		)
		if err != nil {
			metricsInitErr = err
			return
		}
	})
	return metricsInitErr
}

// startRunSpan creates the span covering one run from start to release.
func startRunSpan(ctx context.Context, tracer trace.Tracer, runID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "session.Run",
		trace.WithAttributes(
			attribute.String("session.run_id", runID),
		),
	)
}

// setRunSpanResult sets the outcome attributes on a run span.
func setRunSpanResult(span trace.Span, phase Phase, trials, scored int) {
	span.SetAttributes(
		attribute.String("session.outcome", string(phase)),
		attribute.Int("session.trials", trials),
		attribute.Int("session.scored", scored),
	)
}

func recordRunStarted(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	activeRuns.Add(ctx, 1)
}

func recordRunEnded(ctx context.Context, phase Phase, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(phase)))
	runsTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, duration.Seconds(), attrs)
	activeRuns.Add(ctx, -1)
}

func recordReady(ctx context.Context, latency time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	readyLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.Bool("success", ok),
	))
}

func recordEvent(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

func recordDecodeError(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	decodeErrors.Add(ctx, 1)
}
