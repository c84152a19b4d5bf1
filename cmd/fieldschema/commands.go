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
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/fieldschema/pkg/logging"
	"github.com/AleutianAI/fieldschema/pkg/ux"
	"github.com/AleutianAI/fieldschema/services/fields"
	"github.com/AleutianAI/fieldschema/services/fields/bootstrap"
	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/migration"
	"github.com/AleutianAI/fieldschema/services/fields/settings"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
	machine    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "fieldschema",
		Short: "Manage the custom field schema store",
		Long: `fieldschema keeps the configuration of custom field kinds in an
embedded store and migrates it safely when new schema revisions arrive.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default $"+settings.EnvConfigPath+" or ~/.fieldschema/fieldschema.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&opts.machine, "machine", false, "plain output for scripts")

	root.AddCommand(
		newServeCmd(opts),
		newBootstrapCmd(opts),
		newShowCmd(opts),
		newUpdateCmd(opts),
		newExportCmd(opts),
	)
	return root
}

// runtimeEnv is the state every subcommand opens.
type runtimeEnv struct {
	settings  settings.Settings
	logger    *logging.Logger
	store     *itemstore.Store
	component *fields.Component
}

func (o *rootOptions) open(materializer fields.Materializer) (*runtimeEnv, error) {
	s, err := settings.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		s.Log.Level = o.logLevel
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	logger := logging.New(s.LoggingConfig())
	store, err := itemstore.Open(s.StoreConfig(logger.Slog()))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	c, err := fields.New(fields.Config{
		Store:           store,
		LatestPath:      s.Schema.LatestPath,
		StrictBootstrap: s.Schema.StrictBootstrap,
		Materializer:    materializer,
		Logger:          logger.Slog(),
	})
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, err
	}
	return &runtimeEnv{settings: s, logger: logger, store: store, component: c}, nil
}

// start opens the environment and runs bootstrap.
func (o *rootOptions) start(ctx context.Context) (*runtimeEnv, error) {
	env, err := o.open(nil)
	if err != nil {
		return nil, err
	}
	if err := env.component.Start(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *runtimeEnv) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("closing store failed", "error", err)
	}
	_ = e.logger.Close()
}

func (o *rootOptions) printer(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout(), o.machine)
}

func newBootstrapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Run startup recovery and report what it did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.start(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			p := opts.printer(cmd)
			out := env.component.Outcome()
			p.Title("Bootstrap")
			p.Steps(stateNames(out))
			for _, d := range out.Degraded {
				p.Warning(d.Error())
			}
			p.Success(fmt.Sprintf("revision %d, %d field kinds", out.Snapshot.Revision, len(out.Kinds)))
			return nil
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [KEY]",
		Short: "List registered field kinds, or print the config of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.start(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if len(args) == 1 {
				k, ok := env.component.FieldKind(args[0])
				if !ok {
					return fmt.Errorf("unknown field key %q", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), fieldconfig.FormatXML(k.Config()))
				return nil
			}

			snap, err := env.component.Configs(cmd.Context())
			if err != nil {
				return err
			}
			all := env.component.FieldKinds()
			keys := make([]string, 0, len(all))
			for key := range all {
				keys = append(keys, key)
			}
			sort.Slice(keys, func(i, j int) bool { return fieldconfig.CompareKeys(keys[i], keys[j]) < 0 })

			rows := make([]ux.Row, 0, len(keys))
			for _, key := range keys {
				k := all[key]
				rows = append(rows, ux.Row{key, k.TypeName(), strconv.FormatBool(k.Editable())})
			}
			p := opts.printer(cmd)
			p.Title(fmt.Sprintf("Field kinds (revision %d)", snap.Revision))
			p.Table(ux.Row{"KEY", "TYPE", "EDITABLE"}, rows)
			return nil
		},
	}
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "update FILE",
		Short: "Apply a schema XML document",
		Long: `Apply a schema XML document to the store. The update is rejected
without changes if it would reshape live fields of an editable kind.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			env, err := opts.start(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			rev, configs, err := fieldconfig.ParseXML(env.component.Catalog().Schema(), f)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			p := opts.printer(cmd)
			if err := env.component.Update(ctx, snapshot.Snapshot{Revision: rev, Fields: configs}); err != nil {
				var mp *migration.Problem
				if errors.As(err, &mp) && len(mp.Fields) > 0 {
					p.Error(mp.Message)
					for _, name := range mp.Fields {
						p.Info(name)
					}
				}
				return err
			}

			snap, err := env.component.Configs(cmd.Context())
			if err != nil {
				return err
			}
			p.Success(fmt.Sprintf("committed revision %d (%d fields)", snap.Revision, len(configs)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the migration")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the committed schema as XML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.start(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			snap, err := env.component.Configs(cmd.Context())
			if err != nil {
				return err
			}
			doc := fieldconfig.FormatDocument(snap.Revision, snap.Fields)
			if output == "" || output == "-" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), doc)
				return err
			}
			if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
				return err
			}
			opts.printer(cmd).Success(fmt.Sprintf("wrote revision %d to %s", snap.Revision, output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// stateNames returns the bootstrap path as state names.
func stateNames(out *bootstrap.Outcome) []string {
	steps := make([]string, len(out.Path))
	for i, s := range out.Path {
		steps[i] = s.String()
	}
	return steps
}
