// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fields is the custom field component: it owns the field kind
// registry, gates dependent features on bootstrap, and applies remote
// schema updates.
//
// Thread Safety:
//
//	Component is safe for concurrent use once constructed.
package fields

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/fieldschema/services/fields/bootstrap"
	"github.com/AleutianAI/fieldschema/services/fields/bundled"
	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/migration"
	"github.com/AleutianAI/fieldschema/services/fields/registry"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotReady is returned before Start has completed.
	ErrNotReady = errors.New("field component not ready")

	// ErrEmptyUpdate is returned for an update without configs.
	ErrEmptyUpdate = errors.New("update has no field configs")
)

var (
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldschema_updates_total",
		Help: "Remote field schema updates by outcome",
	}, []string{"outcome"})

	materializeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldschema_materialize_errors_total",
		Help: "Connection metadata materialization failures after a migration",
	})
)

var tracer = otel.Tracer("fieldschema.fields")

// Materializer regenerates per-connection metadata after the field kinds
// of that connection changed.
type Materializer interface {
	MaterializeConnection(ctx context.Context, conn itemstore.Item) error
}

// MaterializerFunc adapts a function to Materializer.
type MaterializerFunc func(ctx context.Context, conn itemstore.Item) error

// MaterializeConnection implements Materializer.
func (f MaterializerFunc) MaterializeConnection(ctx context.Context, conn itemstore.Item) error {
	return f(ctx, conn)
}

// Config configures a Component.
type Config struct {
	// Store is the item store. Required.
	Store *itemstore.Store

	// Catalog defaults to kinds.Default().
	Catalog *kinds.Catalog

	// Resources defaults to the embedded schemas, with LatestPath as the
	// external latest override.
	Resources  bootstrap.Resources
	LatestPath string

	// StrictBootstrap fails Start when upgrading to the latest bundled
	// schema fails.
	StrictBootstrap bool

	// Materializer is invoked once per affected connection after each
	// committed update. May be nil.
	Materializer Materializer

	Logger *slog.Logger
}

// Component is the entry point for field kind lookups and updates.
type Component struct {
	store        *itemstore.Store
	catalog      *kinds.Catalog
	slots        *snapshot.Slots
	planner      *migration.Planner
	recovery     *bootstrap.Recovery
	registry     *registry.Registry
	materializer Materializer
	logger       *slog.Logger

	// applyMu orders registry swaps of concurrent update callbacks.
	applyMu sync.Mutex

	startOnce sync.Once
	startErr  error
	ready     chan struct{}
	outcome   *bootstrap.Outcome
}

// New wires a Component. Call Start before any lookup.
func New(cfg Config) (*Component, error) {
	if cfg.Store == nil {
		return nil, errors.New("fields: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = kinds.Default()
	}
	resources := cfg.Resources
	if resources == nil {
		resources = bundled.New(catalog.Schema(), cfg.LatestPath, logger)
	}

	slots, err := snapshot.NewSlots(catalog.Schema(), logger)
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	planner := migration.NewPlanner(catalog, slots, logger)
	recovery, err := bootstrap.New(bootstrap.Config{
		Catalog:   catalog,
		Slots:     slots,
		Planner:   planner,
		Resources: resources,
		Strict:    cfg.StrictBootstrap,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}

	return &Component{
		store:        cfg.Store,
		catalog:      catalog,
		slots:        slots,
		planner:      planner,
		recovery:     recovery,
		registry:     registry.New(),
		materializer: cfg.Materializer,
		logger:       logger.With("component", "fields"),
		ready:        make(chan struct{}),
	}, nil
}

// Start runs bootstrap recovery and fills the registry.
//
// Description:
//
//	Blocks until recovery completes. Only the first call does work; later
//	calls return the first result. Features that need field kinds wait on
//	WaitReady.
//
// Outputs:
//
//	error - Non-nil if the store failed, the default schema could not be
//	  installed, or strict bootstrap rejected the latest schema. The
//	  component stays not ready.
func (c *Component) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		out, err := c.recovery.Run(ctx, c.store)
		if err != nil {
			c.startErr = err
			c.logger.Error("field component failed to start", slog.String("error", err.Error()))
			return
		}
		c.outcome = out
		c.registry.Replace(out.Kinds)
		close(c.ready)
	})
	return c.startErr
}

// Ready reports whether Start completed successfully.
func (c *Component) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until Start completes or ctx is done.
func (c *Component) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the bootstrap outcome, or nil before Start succeeded.
func (c *Component) Outcome() *bootstrap.Outcome {
	if !c.Ready() {
		return nil
	}
	return c.outcome
}

// Catalog returns the field type catalog.
func (c *Component) Catalog() *kinds.Catalog { return c.catalog }

// FieldKind returns the kind registered for key.
func (c *Component) FieldKind(key string) (kinds.FieldKind, bool) {
	return c.registry.Get(key)
}

// FieldKinds returns a copy of the registry.
func (c *Component) FieldKinds() map[string]kinds.FieldKind {
	return c.registry.SnapshotAll()
}

// Keys returns the registered KEYs, sorted.
func (c *Component) Keys() []string {
	return c.registry.Keys()
}

// JQLSearch returns the JQL addressing of a live field.
func (c *Component) JQLSearch(f kinds.FieldInfo) (kinds.Search, bool) {
	k, ok := c.registry.Get(f.Key)
	if !ok {
		return kinds.Search{}, false
	}
	return k.JQLSearch(f)
}

// FieldEditor returns the editor of a live field, if it is editable.
func (c *Component) FieldEditor(f kinds.FieldInfo) (kinds.Editor, bool) {
	k, ok := c.registry.Get(f.Key)
	if !ok {
		return kinds.Editor{}, false
	}
	return k.Editor(f)
}

// IsEditable reports whether a live field can be edited.
func (c *Component) IsEditable(f kinds.FieldInfo) bool {
	k, ok := c.registry.Get(f.Key)
	return ok && k.Editable()
}

// Field loads a live field item.
func (c *Component) Field(ctx context.Context, item itemstore.Item) (kinds.FieldInfo, error) {
	var info kinds.FieldInfo
	err := c.store.Read(ctx, func(r itemstore.Reader) error {
		var err error
		info, err = kinds.ReadFieldInfo(r, item)
		return err
	})
	return info, err
}

// Configs returns the committed schema.
func (c *Component) Configs(ctx context.Context) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	err := c.store.Read(ctx, func(r itemstore.Reader) error {
		var err error
		snap, _, err = c.slots.LoadActual(r)
		return err
	})
	return snap, err
}

// UpdateFields applies a remote schema change.
//
// Description:
//
//	Compiles every requested config strictly and returns the first
//	*kinds.CreateProblem without touching the store. Otherwise records
//	the request in the pending slot, merged with any request already
//	pending, and commits that. The migration then runs in an
//	asynchronous write transaction. On success the registry is swapped
//	and every affected connection is materialized; on failure the
//	transaction is discarded and the request is released from pending.
//	Cancelling ctx after the request is recorded does not stop the
//	attempt. onDone receives nil or a *migration.Problem on the store's
//	goroutine.
//
// Inputs:
//
//	ctx - Context for the store transactions and materialization.
//	requested - Requested configs. A negative revision keeps the
//	  committed one.
//	onDone - Completion callback. May be nil.
//
// Outputs:
//
//	string - Attempt id used in logs.
//	error - ErrNotReady, ErrEmptyUpdate, a *kinds.CreateProblem, or a
//	  store failure while recording the request. onDone is not called
//	  when an error is returned.
func (c *Component) UpdateFields(ctx context.Context, requested snapshot.Snapshot, onDone func(error)) (string, error) {
	if !c.Ready() {
		return "", ErrNotReady
	}
	if requested.IsEmpty() {
		return "", ErrEmptyUpdate
	}
	if _, err := c.catalog.CreateKindsMap(requested.Fields, false, c.logger); err != nil {
		updatesTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	attempt := uuid.NewString()
	logger := c.logger.With(slog.String("attempt", attempt))
	ctx, span := tracer.Start(ctx, "fields.UpdateFields",
		trace.WithAttributes(
			attribute.String("attempt", attempt),
			attribute.Int("fields", len(requested.Fields)),
			attribute.Int64("revision", requested.Revision),
		))

	err := c.store.Write(ctx, func(w itemstore.Writer) error {
		prev, _, err := c.slots.LoadPending(w)
		if err != nil {
			logger.Warn("discarding unreadable pending schema", slog.String("error", err.Error()))
			prev = snapshot.Empty()
		}
		merged, added := fieldconfig.MergeTypes(prev.Fields, requested.Fields)
		return c.slots.WritePending(w, snapshot.Snapshot{
			Revision: requested.Revision,
			Fields:   append(merged, added...),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record pending failed")
		span.End()
		updatesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("record pending schema: %w", err)
	}

	// Once pending is recorded the attempt runs to completion and releases
	// it, even if the caller gives up waiting.
	ctx = context.WithoutCancel(ctx)
	var res *migration.Result
	c.store.WriteAsync(ctx, func(w itemstore.Writer) error {
		var err error
		res, err = c.planner.Migrate(ctx, w, requested)
		return err
	}, func(err error) {
		defer span.End()
		if err != nil {
			c.abandon(ctx, logger, requested, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "migration rejected")
			if onDone != nil {
				onDone(migration.AsProblem(err))
			}
			return
		}
		c.apply(ctx, logger, res)
		span.SetAttributes(attribute.Int("affected.connections", len(res.Affected)))
		if onDone != nil {
			onDone(nil)
		}
	})
	return attempt, nil
}

// abandon releases the pending intent of a failed migration.
func (c *Component) abandon(ctx context.Context, logger *slog.Logger, requested snapshot.Snapshot, cause error) {
	outcome := "error"
	if errors.Is(cause, migration.ErrIncompatible) {
		outcome = "incompatible"
	}
	updatesTotal.WithLabelValues(outcome).Inc()
	logger.Warn("field schema update rejected", slog.String("problem", cause.Error()))

	err := c.store.Write(ctx, func(w itemstore.Writer) error {
		return c.slots.ReleasePending(w, requested.Fields)
	})
	if err != nil {
		logger.Error("releasing pending schema failed", slog.String("error", err.Error()))
	}
}

// apply swaps the registry and materializes the affected connections.
func (c *Component) apply(ctx context.Context, logger *slog.Logger, res *migration.Result) {
	c.applyMu.Lock()
	next := c.registry.SnapshotAll()
	for key, k := range res.Kinds {
		next[key] = k
	}
	c.registry.Replace(next)
	c.applyMu.Unlock()
	updatesTotal.WithLabelValues("committed").Inc()
	logger.Info("field schema update committed",
		slog.Int64("revision", res.Snapshot.Revision),
		slog.Int("changed_kinds", len(res.Kinds)),
		slog.Int("affected_connections", len(res.Affected)))

	if c.materializer == nil {
		return
	}
	for _, conn := range res.Affected {
		if err := c.materializer.MaterializeConnection(ctx, conn); err != nil {
			materializeErrors.Inc()
			logger.Error("materializing connection failed",
				slog.String("connection", conn.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Update is UpdateFields that waits for the outcome.
func (c *Component) Update(ctx context.Context, requested snapshot.Snapshot) error {
	done := make(chan error, 1)
	if _, err := c.UpdateFields(ctx, requested, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
