// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bootstrap brings the committed field schema into a usable state
// when the item store opens.
//
// Recovery is a small state machine:
//
//	NoActual         -> BootstrappingDefault -> (AutoUpgrading) -> Ready
//	HasPending       -> ReplayingPending     -> (AutoUpgrading) -> Ready
//	stale revision   -> AutoUpgrading        -> Ready
//	otherwise        -> Ready
//
// The pending slot is a single-entry intent log. It is cleared in its own
// committed transaction before the replay is attempted, so a request is
// replayed at most once even if the process dies mid-migration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/migration"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldschema_bootstrap_transitions_total",
		Help: "Bootstrap state machine transitions by state entered",
	}, []string{"state"})

	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldschema_bootstrap_degraded_total",
		Help: "Bootstrap steps that failed and kept the previous schema, by step",
	}, []string{"step"})

	bootstrapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldschema_bootstrap_duration_seconds",
		Help:    "Duration of bootstrap recovery",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

var tracer = otel.Tracer("fieldschema.bootstrap")

// State is a bootstrap state.
type State int

const (
	StateNoActual State = iota
	StateBootstrappingDefault
	StateReplayingPending
	StateAutoUpgrading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNoActual:
		return "no_actual"
	case StateBootstrappingDefault:
		return "bootstrapping_default"
	case StateReplayingPending:
		return "replaying_pending"
	case StateAutoUpgrading:
		return "auto_upgrading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resources supplies the bundled schemas.
type Resources interface {
	Default(ctx context.Context) (snapshot.Snapshot, error)
	Latest(ctx context.Context) (snapshot.Snapshot, string, error)
}

// Store is the transactional item store.
type Store interface {
	Read(ctx context.Context, fn func(itemstore.Reader) error) error
	Write(ctx context.Context, fn func(itemstore.Writer) error) error
}

// Config configures a Recovery.
type Config struct {
	Catalog   *kinds.Catalog
	Slots     *snapshot.Slots
	Planner   *migration.Planner
	Resources Resources

	// Strict returns failures of the latest-schema upgrade as errors
	// instead of keeping the committed schema.
	Strict bool

	Logger *slog.Logger
}

// Outcome is the result of a recovery run.
type Outcome struct {
	// Path lists the states visited, ending in StateReady.
	Path []State

	// Snapshot is the committed schema after recovery.
	Snapshot snapshot.Snapshot

	// Kinds holds the compiled kinds of Snapshot. Entries that do not
	// compile are skipped.
	Kinds map[string]kinds.FieldKind

	// Degraded collects the failures recovered from.
	Degraded []error
}

// Recovery runs the bootstrap state machine.
type Recovery struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Recovery.
func New(cfg Config) (*Recovery, error) {
	if cfg.Catalog == nil || cfg.Slots == nil || cfg.Planner == nil || cfg.Resources == nil {
		return nil, errors.New("bootstrap: catalog, slots, planner and resources are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{cfg: cfg, logger: logger.With("component", "bootstrap")}, nil
}

type recoveryRun struct {
	*Recovery
	store   Store
	outcome *Outcome
}

func (r *recoveryRun) enter(s State) {
	r.outcome.Path = append(r.outcome.Path, s)
	transitionsTotal.WithLabelValues(s.String()).Inc()
	r.logger.Debug("bootstrap state", slog.String("state", s.String()))
}

func (r *recoveryRun) degrade(step string, err error) {
	degradedTotal.WithLabelValues(step).Inc()
	r.outcome.Degraded = append(r.outcome.Degraded, err)
	r.logger.Error("bootstrap step failed, keeping committed schema",
		slog.String("step", step),
		slog.String("error", err.Error()))
}

// Run brings store to the Ready state.
//
// Description:
//
//	Installs the default schema into an empty store, replays a pending
//	request at most once, upgrades to a strictly newer bundled schema, and
//	compiles the committed schema leniently. Migration problems keep the
//	previously committed schema. Run blocks until recovery completes.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	store - The item store.
//
// Outputs:
//
//	*Outcome - The states visited and the committed schema.
//	error - Non-nil only if the store itself fails, the default schema
//	  cannot be installed, or, in strict mode, the upgrade fails.
func (r *Recovery) Run(ctx context.Context, store Store) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "bootstrap.Run")
	defer span.End()

	start := time.Now()
	defer func() { bootstrapDuration.Observe(time.Since(start).Seconds()) }()

	rn := &recoveryRun{Recovery: r, store: store, outcome: &Outcome{}}
	if err := rn.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bootstrap failed")
		return nil, err
	}

	states := make([]string, 0, len(rn.outcome.Path))
	for _, s := range rn.outcome.Path {
		states = append(states, s.String())
	}
	span.SetAttributes(
		attribute.StringSlice("path", states),
		attribute.Int64("revision", rn.outcome.Snapshot.Revision),
		attribute.Int("kinds", len(rn.outcome.Kinds)),
	)
	r.logger.Info("field schema ready",
		slog.Any("path", states),
		slog.Int64("revision", rn.outcome.Snapshot.Revision),
		slog.Int("kinds", len(rn.outcome.Kinds)),
		slog.Int("degraded", len(rn.outcome.Degraded)))
	return rn.outcome, nil
}

func (r *recoveryRun) run(ctx context.Context) error {
	actual, pending, hasActual, hasPending, err := r.loadSlots(ctx)
	if err != nil {
		return err
	}

	if !hasActual {
		r.enter(StateNoActual)
		r.enter(StateBootstrappingDefault)
		if actual, err = r.installDefault(ctx); err != nil {
			return err
		}
	} else if hasPending {
		r.enter(StateReplayingPending)
		if actual, err = r.replay(ctx, actual, pending); err != nil {
			return err
		}
	}

	if actual, err = r.upgrade(ctx, actual); err != nil {
		return err
	}

	r.enter(StateReady)
	kindsMap, err := r.cfg.Catalog.CreateKindsMap(actual.Fields, true, r.logger)
	if err != nil {
		return fmt.Errorf("bootstrap: compile committed schema: %w", err)
	}
	r.outcome.Snapshot = actual
	r.outcome.Kinds = kindsMap
	return nil
}

// loadSlots reads both slots. An undecodable actual slot is treated as
// missing and an undecodable pending slot as empty.
func (r *recoveryRun) loadSlots(ctx context.Context) (actual, pending snapshot.Snapshot, hasActual, hasPending bool, err error) {
	err = r.store.Read(ctx, func(rd itemstore.Reader) error {
		var lerr error
		actual, hasActual, lerr = r.cfg.Slots.LoadActual(rd)
		if lerr != nil {
			r.degrade("load_actual", lerr)
			actual, hasActual = snapshot.Empty(), false
		}
		pending, hasPending, lerr = r.cfg.Slots.LoadPending(rd)
		if lerr != nil {
			r.degrade("load_pending", lerr)
			pending, hasPending = snapshot.Empty(), false
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("bootstrap: read slots: %w", err)
	}
	return actual, pending, hasActual, hasPending, err
}

// installDefault writes the bundled default as actual and clears pending.
func (r *recoveryRun) installDefault(ctx context.Context) (snapshot.Snapshot, error) {
	def, err := r.cfg.Resources.Default(ctx)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("bootstrap: %w", err)
	}
	err = r.store.Write(ctx, func(w itemstore.Writer) error {
		if err := r.cfg.Slots.WriteActual(w, def); err != nil {
			return err
		}
		return r.cfg.Slots.ClearPending(w)
	})
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("bootstrap: install default schema: %w", err)
	}
	r.logger.Info("installed default field schema",
		slog.Int64("revision", def.Revision),
		slog.Int("fields", len(def.Fields)))
	return def, nil
}

// replay clears the pending intent, commits that, and then migrates to it.
func (r *recoveryRun) replay(ctx context.Context, actual, pending snapshot.Snapshot) (snapshot.Snapshot, error) {
	err := r.store.Write(ctx, func(w itemstore.Writer) error {
		return r.cfg.Slots.ClearPending(w)
	})
	if err != nil {
		return actual, fmt.Errorf("bootstrap: clear pending: %w", err)
	}

	next, err := r.migrate(ctx, pending)
	if err != nil {
		r.degrade("replay_pending", err)
		return actual, nil
	}
	r.logger.Info("replayed pending field schema", slog.Int64("revision", next.Revision))
	return next, nil
}

// upgrade migrates to the latest bundled schema when it is strictly newer.
func (r *recoveryRun) upgrade(ctx context.Context, actual snapshot.Snapshot) (snapshot.Snapshot, error) {
	latest, source, err := r.cfg.Resources.Latest(ctx)
	if err != nil {
		if r.cfg.Strict {
			return actual, fmt.Errorf("bootstrap: load latest schema: %w", err)
		}
		r.degrade("load_latest", err)
		return actual, nil
	}
	if latest.Revision <= actual.Revision {
		return actual, nil
	}

	r.enter(StateAutoUpgrading)
	r.logger.Info("upgrading field schema",
		slog.Int64("from", actual.Revision),
		slog.Int64("to", latest.Revision),
		slog.String("source", source))
	next, err := r.migrate(ctx, latest)
	if err != nil {
		if r.cfg.Strict {
			return actual, fmt.Errorf("bootstrap: upgrade to revision %d: %w", latest.Revision, err)
		}
		r.degrade("auto_upgrade", err)
		return actual, nil
	}
	return next, nil
}

func (r *recoveryRun) migrate(ctx context.Context, requested snapshot.Snapshot) (snapshot.Snapshot, error) {
	var res *migration.Result
	err := r.store.Write(ctx, func(w itemstore.Writer) error {
		var err error
		res, err = r.cfg.Planner.Migrate(ctx, w, requested)
		return err
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return res.Snapshot, nil
}
