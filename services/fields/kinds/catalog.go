// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kinds

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/fieldschema/services/fields/compat"
	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
)

// Catalog is the set of supported field types together with the
// serialization schema and compatibility rules they define.
//
// Thread Safety: Immutable after NewCatalog; safe for concurrent use.
type Catalog struct {
	types  map[string]FieldType
	names  []string
	schema *fieldconfig.Schema
	rules  *compat.Rules
}

// NewCatalog assembles a catalog from types.
//
// Description:
//
//	Registers the common keys (key, type, editable with editor and
//	upload, revision) and then every key each type declares. A key
//	registered twice with different kinds, or two types claiming the same
//	name, aborts assembly.
//
// Inputs:
//
//	types - Field types. Must not be empty.
//
// Outputs:
//
//	*Catalog - The assembled catalog.
//	error - Non-nil if the types conflict.
func NewCatalog(types ...FieldType) (*Catalog, error) {
	if len(types) == 0 {
		return nil, errors.New("catalog needs at least one field type")
	}
	c := &Catalog{
		types:  make(map[string]FieldType),
		schema: fieldconfig.NewSchema(),
		rules:  compat.NewRules(),
	}
	if err := c.registerCommon(); err != nil {
		return nil, err
	}
	for _, t := range types {
		for _, name := range append([]string{t.Name()}, t.Aliases()...) {
			if _, dup := c.types[name]; dup {
				return nil, fmt.Errorf("field type %q registered twice", name)
			}
			c.types[name] = t
		}
		c.names = append(c.names, t.Name())
		if err := t.Register(c.schema, c.rules); err != nil {
			return nil, fmt.Errorf("register field type %q: %w", t.Name(), err)
		}
	}
	sort.Strings(c.names)
	return c, nil
}

func (c *Catalog) registerCommon() error {
	for _, k := range []fieldconfig.Key{fieldconfig.KeyKey, fieldconfig.TypeKey, fieldconfig.RevisionKey} {
		if err := c.schema.Register(k); err != nil {
			return err
		}
	}
	for _, k := range []fieldconfig.Key{fieldconfig.EditorKey, fieldconfig.UploadKey} {
		if err := c.schema.RegisterSub(fieldconfig.EditableKey, k); err != nil {
			return err
		}
	}

	editable := compat.NewRules()
	editable.Register(fieldconfig.EditorKey, compat.Always)
	editable.Register(fieldconfig.UploadKey, compat.Presence)
	c.rules.Register(fieldconfig.EditableKey, compat.MapChecker{Rules: editable})
	return nil
}

// MustCatalog is NewCatalog that panics on error. For package-level
// catalogs assembled from fixed types.
func MustCatalog(types ...FieldType) *Catalog {
	c, err := NewCatalog(types...)
	if err != nil {
		panic(err)
	}
	return c
}

// AllTypes returns every built-in field type.
func AllTypes() []FieldType {
	return []FieldType{
		SingleEnum(), MultiEnum(), Labels(), Cascade(),
		Text(), Decimal(), Date(), Unsupported(),
	}
}

// defaultCatalog is built on first use; the key variables it registers
// are only reachable through FieldType methods, which package variable
// initialization order does not follow.
var defaultCatalog = sync.OnceValue(func() *Catalog {
	return MustCatalog(AllTypes()...)
})

// Default returns the catalog of built-in field types.
func Default() *Catalog {
	return defaultCatalog()
}

// Schema returns the serialization schema.
func (c *Catalog) Schema() *fieldconfig.Schema { return c.schema }

// Rules returns the compatibility rules.
func (c *Catalog) Rules() *compat.Rules { return c.rules }

// TypeNames returns the canonical type names, sorted.
func (c *Catalog) TypeNames() []string {
	return append([]string(nil), c.names...)
}

// CreateKind compiles one configuration.
func (c *Catalog) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	if cfg.Key() == "" {
		return nil, problem(cfg, "missing key")
	}
	t, ok := c.types[cfg.Type()]
	if !ok {
		p := problem(cfg, "type not registered")
		p.Err = ErrUnknownType
		return nil, p
	}
	if err := c.schema.Validate(cfg); err != nil {
		p := problem(cfg, "invalid configuration")
		p.Err = err
		return nil, p
	}
	return t.CreateKind(cfg)
}

// CreateKindsMap compiles configs into a map keyed by KEY.
//
// Description:
//
//	In strict mode the first failure is returned. In lenient mode a
//	failing or duplicate entry is logged and skipped, and the remaining
//	entries are still compiled.
//
// Inputs:
//
//	configs - Configurations to compile.
//	lenient - Skip broken entries instead of failing.
//	logger - Receives skipped entries. May be nil.
//
// Outputs:
//
//	map[string]FieldKind - Compiled kinds by KEY.
//	error - A *CreateProblem or duplicate-key error in strict mode.
func (c *Catalog) CreateKindsMap(configs []fieldconfig.FieldConfig, lenient bool, logger *slog.Logger) (map[string]FieldKind, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]FieldKind, len(configs))
	for _, cfg := range configs {
		kind, err := c.CreateKind(cfg)
		if err == nil {
			if _, dup := out[cfg.Key()]; dup {
				err = fmt.Errorf("%w: %q", fieldconfig.ErrDuplicateKey, cfg.Key())
			}
		}
		if err != nil {
			if !lenient {
				return nil, err
			}
			logger.Warn("skipping field configuration",
				slog.String("key", cfg.Key()),
				slog.String("type", cfg.Type()),
				slog.String("error", err.Error()))
			continue
		}
		out[cfg.Key()] = kind
	}
	return out, nil
}
