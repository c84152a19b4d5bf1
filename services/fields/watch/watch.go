// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch applies a schema XML file to the field component whenever
// the file changes on disk.
package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// MaxFileSize bounds the watched file (1MB).
const MaxFileSize = 1024 * 1024

// settleWindow collects the burst of events an editor save produces.
const settleWindow = 100 * time.Millisecond

var pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fieldschema_watch_pushes_total",
	Help: "Schema pushes from the watched file by outcome",
}, []string{"outcome"})

// ErrFileTooLarge is returned for a watched file over MaxFileSize.
var ErrFileTooLarge = errors.New("schema file too large")

// Updater applies a requested schema and waits for the outcome.
type Updater interface {
	Catalog() *kinds.Catalog
	Update(ctx context.Context, requested snapshot.Snapshot) error
}

// Options configures a Watcher.
type Options struct {
	// MinInterval is the minimum gap between applied pushes. Zero applies
	// every settled change.
	MinInterval time.Duration

	Logger *slog.Logger

	// OnResult is called after each push with its outcome. May be nil.
	OnResult func(error)
}

// Watcher watches one schema file.
//
// The containing directory is watched rather than the file so that
// editors that save by renaming over the file are still seen.
type Watcher struct {
	path     string
	updater  Updater
	fsw      *fsnotify.Watcher
	limiter  *rate.Limiter
	logger   *slog.Logger
	onResult func(error)
}

// New starts watching path. Call Run to process changes.
func New(path string, updater Updater, opts Options) (*Watcher, error) {
	if updater == nil {
		return nil, errors.New("watch: updater is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch: add %s: %w", filepath.Dir(abs), err)
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		updater:  updater,
		fsw:      fsw,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(slog.String("component", "watch"), slog.String("path", abs)),
		onResult: opts.OnResult,
	}, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Run processes file events until ctx is done. It closes the underlying
// watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	w.logger.Info("watching schema file")

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settleWindow)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(settleWindow)
			}

		case <-timerC:
			timer, timerC = nil, nil
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			w.push(ctx)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watch error", slog.String("error", err.Error()))
		}
	}
}

// push reads, parses and applies the file once.
func (w *Watcher) push(ctx context.Context) {
	err := w.apply(ctx)
	switch {
	case err == nil:
		pushesTotal.WithLabelValues("applied").Inc()
		w.logger.Info("schema file applied")
	case errors.Is(err, errInvalidFile):
		pushesTotal.WithLabelValues("invalid").Inc()
		w.logger.Warn("schema file ignored", slog.String("error", err.Error()))
	default:
		pushesTotal.WithLabelValues("rejected").Inc()
		w.logger.Warn("schema file rejected", slog.String("problem", err.Error()))
	}
	if w.onResult != nil {
		w.onResult(err)
	}
}

var errInvalidFile = errors.New("invalid schema file")

func (w *Watcher) apply(ctx context.Context) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidFile, err)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("%w: %w: %d bytes", errInvalidFile, ErrFileTooLarge, info.Size())
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidFile, err)
	}
	rev, configs, err := fieldconfig.ParseXML(w.updater.Catalog().Schema(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidFile, err)
	}
	return w.updater.Update(ctx, snapshot.Snapshot{Revision: rev, Fields: configs})
}
