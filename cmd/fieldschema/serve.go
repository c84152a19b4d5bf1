// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields"
	"github.com/AleutianAI/fieldschema/services/fields/api"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/telemetry"
	"github.com/AleutianAI/fieldschema/services/fields/watch"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the field API and apply pushed schemas",
		Long: `Serve the HTTP API. Bootstrap runs in the background; field endpoints
answer 503 until it finishes. If schema.watch_file is set, changes to
that file are applied as schema pushes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, debug, nil)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode and request logging")
	return cmd
}

// serve runs until ctx is done or a component fails. If ready is non-nil
// the bound listener address is sent on it once the server accepts
// connections.
func serve(ctx context.Context, opts *rootOptions, debug bool, ready chan<- string) error {
	var logger *slog.Logger
	env, err := opts.open(fields.MaterializerFunc(func(_ context.Context, conn itemstore.Item) error {
		logger.Info("connection schema changed", slog.String("connection", conn.String()))
		return nil
	}))
	if err != nil {
		return err
	}
	defer env.Close()
	logger = env.logger.Slog()
	s := env.settings

	shutdownTelemetry, err := telemetry.Init(ctx, s.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	var middleware []gin.HandlerFunc
	if debug {
		gin.SetMode(gin.DebugMode)
		middleware = append(middleware, gin.Logger())
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(env.component, s.HTTP.UpdateTimeout)
	router := api.NewRouter(handlers, telemetry.MetricsHandler(), middleware...)

	ln, err := net.Listen("tcp", s.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.HTTP.Listen, err)
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("field API listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		if err := env.component.Start(gctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		out := env.component.Outcome()
		logger.Info("field schema ready",
			slog.String("path", strings.Join(stateNames(out), " -> ")),
			slog.Int64("revision", out.Snapshot.Revision),
			slog.Int("degraded", len(out.Degraded)))

		if s.Schema.WatchFile == "" {
			return nil
		}
		w, err := watch.New(s.Schema.WatchFile, env.component, watch.Options{
			MinInterval: s.Schema.WatchDebounce,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		return w.Run(gctx)
	})

	if ready != nil {
		ready <- ln.Addr().String()
	}
	err = g.Wait()
	logger.Info("field API stopped")
	return err
}
