// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bundled provides the field schemas shipped with the binary.
//
// Two resources are embedded: the default schema installed into an empty
// store, and the latest schema that existing installs are upgraded to.
// The latest schema may be replaced by an external file, named either by
// configuration or by the FIELDSCHEMA_LATEST_PATH environment variable.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package bundled

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxSchemaFileSize bounds external schema files (1MB).
const MaxSchemaFileSize = 1024 * 1024

// EnvLatestPath names the environment variable overriding the latest schema.
const EnvLatestPath = "FIELDSCHEMA_LATEST_PATH"

//go:embed customFields.xml
var defaultSchemaXML []byte

//go:embed customFieldsLatest.xml
var latestSchemaXML []byte

var (
	loadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldschema_bundled_load_errors_total",
		Help: "Bundled schema load errors by resource",
	}, []string{"resource"})

	loadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldschema_bundled_load_duration_seconds",
		Help:    "Duration of bundled schema loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})
)

var tracer = otel.Tracer("fieldschema.bundled")

// Source names where a schema was read from.
const (
	SourceEmbedded = "embedded"
	SourceExternal = "external"
)

// Resources loads the bundled schemas.
type Resources struct {
	schema     *fieldconfig.Schema
	latestPath string
	logger     *slog.Logger
}

// New returns Resources parsing with schema.
//
// Inputs:
//
//	schema - Serialization schema of the field catalog. Must not be nil.
//	latestPath - External latest schema file. Empty falls back to
//	  FIELDSCHEMA_LATEST_PATH and then to the embedded resource.
//	logger - May be nil.
func New(schema *fieldconfig.Schema, latestPath string, logger *slog.Logger) *Resources {
	if logger == nil {
		logger = slog.Default()
	}
	if latestPath == "" {
		latestPath = os.Getenv(EnvLatestPath)
	}
	return &Resources{
		schema:     schema,
		latestPath: latestPath,
		logger:     logger.With("component", "bundled"),
	}
}

// LatestPath returns the configured external path, or "".
func (r *Resources) LatestPath() string { return r.latestPath }

// Default parses the embedded default schema.
func (r *Resources) Default(ctx context.Context) (snapshot.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "bundled.Default")
	defer span.End()

	snap, err := r.parse(ctx, defaultSchemaXML)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		loadErrors.WithLabelValues("default").Inc()
		return snapshot.Snapshot{}, fmt.Errorf("default schema: %w", err)
	}
	return snap, nil
}

// Latest parses the latest schema.
//
// Description:
//
//	Reads the external file when one is configured. An unreadable external
//	file is logged and the embedded latest schema is used instead. A file
//	that reads but does not parse is an error, so a broken override is
//	never silently ignored.
//
// Outputs:
//
//	snapshot.Snapshot - The latest schema.
//	string - SourceEmbedded or SourceExternal.
//	error - Non-nil if the chosen resource does not parse.
func (r *Resources) Latest(ctx context.Context) (snapshot.Snapshot, string, error) {
	ctx, span := tracer.Start(ctx, "bundled.Latest")
	defer span.End()

	data, source := latestSchemaXML, SourceEmbedded
	if r.latestPath != "" {
		ext, err := readExternal(ctx, r.latestPath)
		if err == nil {
			data, source = ext, SourceExternal
			r.logger.Info("loaded latest field schema from external file",
				slog.String("path", r.latestPath))
		} else {
			r.logger.Warn("external field schema not available, using embedded latest",
				slog.String("path", r.latestPath),
				slog.String("error", err.Error()))
		}
	}
	span.SetAttributes(attribute.String("source", source))

	snap, err := r.parse(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		loadErrors.WithLabelValues("latest").Inc()
		return snapshot.Snapshot{}, source, fmt.Errorf("latest schema (%s): %w", source, err)
	}
	return snap, source, nil
}

func (r *Resources) parse(ctx context.Context, data []byte) (snapshot.Snapshot, error) {
	_, span := tracer.Start(ctx, "bundled.Parse",
		trace.WithAttributes(attribute.Int("xml_size", len(data))))
	defer span.End()

	start := time.Now()
	defer func() { loadDuration.Observe(time.Since(start).Seconds()) }()

	rev, configs, err := fieldconfig.ParseXML(r.schema, bytes.NewReader(data))
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	snap := snapshot.Snapshot{Revision: rev, Fields: configs}
	if err := snap.Validate(); err != nil {
		return snapshot.Snapshot{}, err
	}
	span.SetAttributes(
		attribute.Int64("revision", rev),
		attribute.Int("fields", len(configs)),
	)
	return snap, nil
}

// readExternal reads a schema file after size checks.
func readExternal(ctx context.Context, path string) ([]byte, error) {
	_, span := tracer.Start(ctx, "bundled.ReadExternal",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", absPath)
	}
	if info.Size() > MaxSchemaFileSize {
		return nil, fmt.Errorf("schema file too large: %d bytes (max %d)", info.Size(), MaxSchemaFileSize)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}
