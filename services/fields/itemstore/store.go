// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package itemstore is the embedded item/attribute store the field schema
// engine runs against.
//
// Items are opaque int64 handles. Each item carries named attributes holding
// raw bytes. Every attribute write maintains a value index so items can be
// queried by attribute value. Identities map a descriptor string to a
// single item and become visible to lookups only after a materialize
// barrier. Store-wide named properties hold opaque blobs (the schema slots).
//
// The store is backed by BadgerDB. Write transactions are serialized: at
// most one writer runs at a time, which gives migration logic mutual
// exclusion without extra locking.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package itemstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrCancelled is returned by a write transaction body to discard the
	// transaction without committing. Write returns it unchanged.
	ErrCancelled = errors.New("transaction cancelled")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("item store is closed")

	// ErrInvalidAttribute is returned for empty or malformed attribute names.
	ErrInvalidAttribute = errors.New("invalid attribute name")

	// ErrNoItem is returned when an operation is given the zero item.
	ErrNoItem = errors.New("no item")
)

// Config holds configuration for a Store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. The schema slots rely on it for
	// crash safety in production.
	SyncWrites bool

	// Logger receives store and BadgerDB diagnostics.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes and a
// five minute value log GC.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed item store.
//
// Thread Safety: Safe for concurrent use. Reads run concurrently with each
// other and with the single active writer.
type Store struct {
	db       *badger.DB
	writers  *semaphore.Weighted
	logger   *slog.Logger
	inMemory bool

	// asyncMu orders WriteAsync registration against Close.
	asyncMu sync.Mutex
	closed  atomic.Bool
	pending sync.WaitGroup

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) a store.
//
// Description:
//
//	Opens BadgerDB at cfg.Path, or in memory when cfg.InMemory is set,
//	creating the directory if needed. Starts value log GC for persistent
//	stores when cfg.GCInterval is positive.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or BadgerDB cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent item store")
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio > 1 {
		return nil, errors.New("gc discard ratio must be between 0 and 1")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{
		db:       db,
		writers:  semaphore.NewWeighted(1),
		logger:   logger.With("component", "itemstore"),
		inMemory: cfg.InMemory,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close waits for in-flight asynchronous writes, stops GC, and closes
// the database. Safe to call more than once.
func (s *Store) Close() error {
	s.asyncMu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.asyncMu.Unlock()
		return nil
	}
	s.asyncMu.Unlock()
	s.pending.Wait()
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

// Read runs fn inside a read-only transaction.
func (s *Store) Read(ctx context.Context, fn func(Reader) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	btx := s.db.NewTransaction(false)
	defer btx.Discard()

	recordRead(ctx)
	return fn(&txn{btx: btx})
}

// Write runs fn inside a read-write transaction.
//
// Description:
//
//	Waits for exclusive writer access, then runs fn. If fn returns nil,
//	outstanding identities are force-materialized and the transaction
//	commits. If fn returns any error, including ErrCancelled, every write
//	made by fn is discarded and the error is returned unchanged.
//
// Inputs:
//
//	ctx - Bounds the wait for writer access.
//	fn - Transaction body.
//
// Outputs:
//
//	error - fn's error, a commit failure, or a context error.
//
// Thread Safety: Writers are serialized; Write blocks while another
// writer is active.
func (s *Store) Write(ctx context.Context, fn func(Writer) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.writers.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire writer: %w", err)
	}
	defer s.writers.Release(1)

	start := time.Now()
	btx := s.db.NewTransaction(true)
	defer btx.Discard()

	tx := &txn{btx: btx, writable: true}
	if err := fn(tx); err != nil {
		outcome := outcomeError
		if errors.Is(err, ErrCancelled) {
			outcome = outcomeCancelled
		}
		recordWrite(ctx, outcome, time.Since(start))
		return err
	}
	if _, err := tx.ForceMaterialize(); err != nil {
		recordWrite(ctx, outcomeError, time.Since(start))
		return fmt.Errorf("materialize identities: %w", err)
	}
	if err := btx.Commit(); err != nil {
		recordWrite(ctx, outcomeError, time.Since(start))
		return fmt.Errorf("commit: %w", err)
	}
	recordWrite(ctx, outcomeCommitted, time.Since(start))
	return nil
}

// WriteAsync runs Write on a new goroutine and reports its result to done.
// done may be nil. Close waits for every WriteAsync started before it.
func (s *Store) WriteAsync(ctx context.Context, fn func(Writer) error, done func(error)) {
	s.asyncMu.Lock()
	if s.closed.Load() {
		s.asyncMu.Unlock()
		if done != nil {
			done(ErrClosed)
		}
		return
	}
	s.pending.Add(1)
	s.asyncMu.Unlock()
	go func() {
		defer s.pending.Done()
		err := s.Write(ctx, fn)
		if err != nil && !errors.Is(err, ErrCancelled) {
			s.logger.Warn("async write failed", slog.String("error", err.Error()))
		}
		if done != nil {
			done(err)
		}
	}()
}

// InMemory reports whether the store keeps no data on disk.
func (s *Store) InMemory() bool {
	return s.inMemory
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
