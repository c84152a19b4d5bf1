// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package itemstore

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("fieldschema.itemstore")

const (
	outcomeCommitted = "committed"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

var (
	readTotal     metric.Int64Counter
	writeTotal    metric.Int64Counter
	writeDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		readTotal, err = meter.Int64Counter(
			"itemstore_read_total",
			metric.WithDescription("Total number of read transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		writeTotal, err = meter.Int64Counter(
			"itemstore_write_total",
			metric.WithDescription("Total number of write transactions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		writeDuration, err = meter.Float64Histogram(
			"itemstore_write_duration_seconds",
			metric.WithDescription("Duration of write transactions, excluding the writer wait"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRead(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	readTotal.Add(ctx, 1)
}

func recordWrite(ctx context.Context, outcome string, elapsed time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	writeTotal.Add(ctx, 1, attrs)
	writeDuration.Record(ctx, elapsed.Seconds(), attrs)
}
