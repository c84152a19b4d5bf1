// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration plans and applies changes to the committed custom field
// schema.
//
// A migration runs inside one item store write transaction in three steps:
// Prepare diffs the request against the committed schema and rejects
// changes that would reshape live editable fields; Perform compiles every
// new kind and rewrites the affected live field items; Commit writes the
// combined schema as actual and clears the pending slot. Any error leaves
// the transaction to be discarded by the caller, so a migration is applied
// completely or not at all.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldschema_migrations_total",
		Help: "Field schema migration attempts by outcome",
	}, []string{"outcome"})

	migratedFieldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldschema_migrated_field_items_total",
		Help: "Live field items rewritten by migrations",
	})

	migrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldschema_migration_duration_seconds",
		Help:    "Duration of prepare+perform+commit",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

var tracer = otel.Tracer("fieldschema.migration")

// Plan is the outcome of Prepare.
type Plan struct {
	// Current is the committed schema the plan was made against.
	Current snapshot.Snapshot

	// Revision is the revision the new schema will carry.
	Revision int64

	// Changed holds requested configs whose KEY exists in Current with a
	// different value, in Current order.
	Changed []fieldconfig.FieldConfig

	// Added holds requested configs whose KEY is not in Current, in
	// request order.
	Added []fieldconfig.FieldConfig

	// Unchanged lists requested KEYs equal to Current.
	Unchanged []string

	// Live maps every changed or added KEY to its live field items.
	Live map[string][]kinds.FieldInfo

	// Requested holds the requested configs as given.
	Requested []fieldconfig.FieldConfig
}

// IsNoop reports whether the plan changes no configuration.
func (p *Plan) IsNoop() bool {
	return len(p.Changed) == 0 && len(p.Added) == 0
}

// Result is the outcome of Perform.
type Result struct {
	// Snapshot is the combined schema to commit.
	Snapshot snapshot.Snapshot

	// Kinds holds the compiled kinds of the changed and added configs.
	Kinds map[string]kinds.FieldKind

	// Affected lists the connections whose live fields were rewritten.
	Affected []itemstore.Item

	// Migrated counts rewritten field items.
	Migrated int

	// Requested holds the configs Commit releases from the pending slot.
	Requested []fieldconfig.FieldConfig
}

// Planner prepares and performs migrations.
//
// Thread Safety: Safe for concurrent use. Callers serialize migrations
// through the item store's single writer.
type Planner struct {
	catalog *kinds.Catalog
	slots   *snapshot.Slots
	logger  *slog.Logger
}

// NewPlanner returns a planner using catalog for kinds and rules.
func NewPlanner(catalog *kinds.Catalog, slots *snapshot.Slots, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{catalog: catalog, slots: slots, logger: logger.With("component", "migration")}
}

// Prepare diffs requested against the committed schema.
//
// Description:
//
//	Loads the actual schema and partitions the request into changed,
//	added and unchanged configs. A changed config whose previous version
//	was editable must pass the compatibility rules; if it does not, and
//	live field items share its KEY, the plan is rejected with a Problem
//	naming those fields. An incompatible change to a definition with no
//	live items proceeds.
//
//	The rules answer for the configs alone and are conservative: a type
//	change such as text to decimal is never compatible. Whether live
//	items exist is decided here, so such a change still proceeds when
//	the KEY is unused or the previous config was not editable.
//
// Inputs:
//
//	ctx - Context for tracing.
//	r - Transaction to read from.
//	requested - Requested configs and revision. A negative revision keeps
//	  the committed one.
//
// Outputs:
//
//	*Plan - The migration plan.
//	error - A *Problem when the request is rejected or the store is
//	  inconsistent.
func (p *Planner) Prepare(ctx context.Context, r itemstore.Reader, requested snapshot.Snapshot) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "migration.Prepare",
		trace.WithAttributes(
			attribute.Int("requested.fields", len(requested.Fields)),
			attribute.Int64("requested.revision", requested.Revision),
		))
	defer span.End()

	plan, err := p.prepare(ctx, r, requested)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare rejected")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("plan.changed", len(plan.Changed)),
		attribute.Int("plan.added", len(plan.Added)),
	)
	return plan, nil
}

func (p *Planner) prepare(_ context.Context, r itemstore.Reader, requested snapshot.Snapshot) (*Plan, error) {
	current, ok, err := p.slots.LoadActual(r)
	if err != nil {
		p.logger.Error("committed schema unreadable", slog.String("error", err.Error()))
		return nil, &Problem{Message: "committed field schema is unreadable", Err: errors.Join(ErrNoActual, err)}
	}
	if !ok {
		p.logger.Error("committed schema missing during prepare")
		return nil, &Problem{Message: "no committed field schema", Err: ErrNoActual}
	}

	requestedByKey, err := fieldconfig.CollectByKey(requested.Fields)
	if err != nil {
		return nil, &Problem{Message: "invalid field schema request", Err: err}
	}
	if requested.Revision >= 0 && requested.Revision < current.Revision {
		return nil, &Problem{
			Message: fmt.Sprintf("requested revision %d is older than committed revision %d", requested.Revision, current.Revision),
			Err:     ErrStaleRevision,
		}
	}

	plan := &Plan{
		Current:   current,
		Revision:  requested.Revision,
		Live:      make(map[string][]kinds.FieldInfo),
		Requested: requested.Fields,
	}
	if plan.Revision < 0 {
		plan.Revision = current.Revision
	}

	seen := make(map[string]bool, len(current.Fields))
	rules := p.catalog.Rules()
	for _, prev := range current.Fields {
		key := prev.Key()
		seen[key] = true
		next, ok := requestedByKey[key]
		if !ok {
			continue
		}
		if prev.Equal(next) {
			plan.Unchanged = append(plan.Unchanged, key)
			continue
		}

		live, err := kinds.LiveFields(r, key)
		if err != nil {
			return nil, &Problem{Message: fmt.Sprintf("cannot read live fields of %q", key), Err: err}
		}
		if _, wasEditable := prev.Editable(); wasEditable && !rules.CanMigrate(prev, next) && len(live) > 0 {
			names := make([]string, 0, len(live))
			for _, f := range live {
				names = append(names, f.DisplayName())
			}
			sort.Strings(names)
			blocked := rules.Explain(prev, next)
			return nil, &Problem{
				Message: fmt.Sprintf("incompatible change to %s of %q affects live fields", strings.Join(blocked, ", "), key),
				Fields:  names,
				Err:     ErrIncompatible,
			}
		}
		plan.Changed = append(plan.Changed, next)
		plan.Live[key] = live
	}
	for _, next := range requested.Fields {
		key := next.Key()
		if seen[key] {
			continue
		}
		live, err := kinds.LiveFields(r, key)
		if err != nil {
			return nil, &Problem{Message: fmt.Sprintf("cannot read live fields of %q", key), Err: err}
		}
		plan.Added = append(plan.Added, next)
		plan.Live[key] = live
	}
	return plan, nil
}

// Perform applies plan through w.
//
// Description:
//
//	Compiles every changed and added config first; a CreateProblem aborts
//	before any item is touched. Then rewrites each live field item via its
//	new kind and records the owning connections. Finally assembles the
//	combined config list: Current order with changed entries replaced,
//	followed by added entries.
//
// Inputs:
//
//	ctx - Context for tracing.
//	w - Transaction to write through. Discard it on error.
//	plan - Plan from Prepare in the same transaction.
//
// Outputs:
//
//	*Result - The schema to commit and the affected connections.
//	error - A *Problem.
func (p *Planner) Perform(ctx context.Context, w itemstore.Writer, plan *Plan) (*Result, error) {
	_, span := tracer.Start(ctx, "migration.Perform")
	defer span.End()

	res, err := p.perform(w, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "perform failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("migrated", res.Migrated),
		attribute.Int("affected.connections", len(res.Affected)),
	)
	return res, nil
}

func (p *Planner) perform(w itemstore.Writer, plan *Plan) (*Result, error) {
	pending := make([]fieldconfig.FieldConfig, 0, len(plan.Changed)+len(plan.Added))
	pending = append(pending, plan.Changed...)
	pending = append(pending, plan.Added...)

	res := &Result{
		Kinds:     make(map[string]kinds.FieldKind, len(pending)),
		Requested: plan.Requested,
	}
	for _, cfg := range pending {
		kind, err := p.catalog.CreateKind(cfg)
		if err != nil {
			return nil, &Problem{Message: fmt.Sprintf("cannot apply field type %q", cfg.Key()), Err: err}
		}
		res.Kinds[cfg.Key()] = kind
	}

	affected := make(map[itemstore.Item]struct{})
	for _, cfg := range pending {
		kind := res.Kinds[cfg.Key()]
		for _, f := range plan.Live[cfg.Key()] {
			affected[f.Connection] = struct{}{}
			if err := kind.MigrateField(w, f); err != nil {
				return nil, &Problem{
					Message: fmt.Sprintf("cannot migrate field type %q", cfg.Key()),
					Fields:  []string{f.DisplayName()},
					Err:     err,
				}
			}
			res.Migrated++
		}
	}
	for conn := range affected {
		res.Affected = append(res.Affected, conn)
	}
	sort.Slice(res.Affected, func(i, j int) bool { return res.Affected[i] < res.Affected[j] })

	replaced := make(map[string]fieldconfig.FieldConfig, len(plan.Changed))
	for _, cfg := range plan.Changed {
		replaced[cfg.Key()] = cfg
	}
	fields := make([]fieldconfig.FieldConfig, 0, len(plan.Current.Fields)+len(plan.Added))
	for _, cfg := range plan.Current.Fields {
		if repl, ok := replaced[cfg.Key()]; ok {
			fields = append(fields, repl)
		} else {
			fields = append(fields, cfg)
		}
	}
	fields = append(fields, plan.Added...)
	res.Snapshot = snapshot.Snapshot{Revision: plan.Revision, Fields: fields}
	return res, nil
}

// Commit writes res as the actual schema, releases the requested configs
// from the pending slot and publishes identities created by MigrateField
// so downstream materialization sees them. Intents recorded by other
// requests stay pending.
func (p *Planner) Commit(ctx context.Context, w itemstore.Writer, res *Result) error {
	_, span := tracer.Start(ctx, "migration.Commit",
		trace.WithAttributes(attribute.Int64("revision", res.Snapshot.Revision)))
	defer span.End()

	if err := p.slots.WriteActual(w, res.Snapshot); err != nil {
		span.RecordError(err)
		return &Problem{Message: "cannot write field schema", Err: err}
	}
	if err := p.slots.ReleasePending(w, res.Requested); err != nil {
		span.RecordError(err)
		return &Problem{Message: "cannot release pending field schema", Err: err}
	}
	if _, err := w.ForceMaterialize(); err != nil {
		span.RecordError(err)
		return &Problem{Message: "cannot materialize field identities", Err: err}
	}
	return nil
}

// Migrate runs Prepare, Perform and Commit in w.
func (p *Planner) Migrate(ctx context.Context, w itemstore.Writer, requested snapshot.Snapshot) (*Result, error) {
	start := time.Now()
	res, err := p.migrate(ctx, w, requested)
	migrationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		var prob *Problem
		if errors.As(err, &prob) && errors.Is(prob, ErrIncompatible) {
			outcome = "incompatible"
		}
		migrationsTotal.WithLabelValues(outcome).Inc()
		p.logger.Info("field schema migration rejected", slog.String("problem", err.Error()))
		return nil, err
	}
	migrationsTotal.WithLabelValues("committed").Inc()
	migratedFieldsTotal.Add(float64(res.Migrated))
	p.logger.Info("field schema migrated",
		slog.Int64("revision", res.Snapshot.Revision),
		slog.Int("fields", len(res.Snapshot.Fields)),
		slog.Int("migrated_items", res.Migrated),
		slog.Int("affected_connections", len(res.Affected)))
	return res, nil
}

func (p *Planner) migrate(ctx context.Context, w itemstore.Writer, requested snapshot.Snapshot) (*Result, error) {
	plan, err := p.Prepare(ctx, w, requested)
	if err != nil {
		return nil, err
	}
	res, err := p.Perform(ctx, w, plan)
	if err != nil {
		return nil, err
	}
	if err := p.Commit(ctx, w, res); err != nil {
		return nil, err
	}
	return res, nil
}
