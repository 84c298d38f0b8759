// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyze

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for analysis operations.
var (
	tracer = otel.Tracer("sitka.analyze")
	meter  = otel.Meter("sitka.analyze")
)

// Metrics for call-graph construction.
var (
	analyzeLatency metric.Float64Histogram
	analyzeTotal   metric.Int64Counter
	filesParsed    metric.Int64Histogram
	graphNodes     metric.Int64Histogram
	graphEdges     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analyzeLatency, err = meter.Float64Histogram(
			"analyze_duration_seconds",
			metric.WithDescription("Duration of call-graph analysis"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeTotal, err = meter.Int64Counter(
			"analyze_total",
			metric.WithDescription("Total number of analysis runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesParsed, err = meter.Int64Histogram(
			"analyze_files_parsed",
			metric.WithDescription("Number of source files parsed per analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		graphNodes, err = meter.Int64Histogram(
			"analyze_graph_nodes",
			metric.WithDescription("Number of call-graph nodes per analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		graphEdges, err = meter.Int64Histogram(
			"analyze_graph_edges",
			metric.WithDescription("Number of call-graph edges per analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAnalyzeMetrics records metrics for one analysis run.
func recordAnalyzeMetrics(ctx context.Context, duration time.Duration, fileCount, nodeCount, edgeCount int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))

	analyzeLatency.Record(ctx, duration.Seconds(), attrs)
	analyzeTotal.Add(ctx, 1, attrs)

	if success {
		filesParsed.Record(ctx, int64(fileCount))
		graphNodes.Record(ctx, int64(nodeCount))
		graphEdges.Record(ctx, int64(edgeCount))
	}
}

// startAnalyzeSpan creates a span for an analysis run.
func startAnalyzeSpan(ctx context.Context, entryPoint string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Analyzer.Build",
		trace.WithAttributes(
			attribute.String("analyze.entry_point", entryPoint),
		),
	)
}

// setAnalyzeSpanResult sets the result attributes on an analysis span.
func setAnalyzeSpanResult(span trace.Span, nodeCount, edgeCount, fileCount int) {
	span.SetAttributes(
		attribute.Int("analyze.node_count", nodeCount),
		attribute.Int("analyze.edge_count", edgeCount),
		attribute.Int("analyze.file_count", fileCount),
	)
}
