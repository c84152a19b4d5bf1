// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kinds compiles field configurations into FieldKinds, the
// behavior-bearing objects used for search translation, editing and data
// migration.
//
// FieldKind is a closed sum type: the only implementations are the
// variants declared in this package. Each FieldType contributes its
// configuration keys and their compatibility checkers to a Catalog, which
// fails at construction if two types disagree about a key.
package kinds

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
)

// Type-specific configuration keys.
var (
	// NarrowKey restricts enum option applicability ("project", "issueType",
	// "projectIssueType" or "none").
	NarrowKey = fieldconfig.StringKey("narrow")

	// PrefixKey is the identity prefix for enum options.
	PrefixKey = fieldconfig.StringKey("prefix")

	// SeparatorKey splits label values.
	SeparatorKey = fieldconfig.StringKey("separator")

	// MultilineKey selects a multi-line text editor.
	MultilineKey = fieldconfig.BoolKey("multiline")

	// PrecisionKey is the number of decimal places, 0 through 18.
	PrecisionKey = fieldconfig.IntKey("precision")

	// WithTimeKey stores a time of day alongside the date.
	WithTimeKey = fieldconfig.BoolKey("withTime")
)

// Field item attributes.
const (
	AttrKey        = "customField.key"
	AttrID         = "customField.id"
	AttrConnection = "customField.connection"
	AttrName       = "customField.name"
	AttrAttribute  = "customField.attribute"
	AttrKind       = "customField.kind"
	AttrEditable   = "customField.editable"
	AttrEnumType   = "customField.enumType"
)

// FieldInfo is the identity of one live field item.
type FieldInfo struct {
	Item       itemstore.Item
	Key        string
	ID         string
	Connection itemstore.Item
	Name       string
}

// DisplayName returns Name, or ID when the field has no name.
func (f FieldInfo) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

// ReadFieldInfo loads the identity attributes of a field item.
func ReadFieldInfo(r itemstore.Reader, item itemstore.Item) (FieldInfo, error) {
	info := FieldInfo{Item: item}
	var err error
	if info.Key, _, err = itemstore.GetString(r, item, AttrKey); err != nil {
		return FieldInfo{}, fmt.Errorf("field %s: %w", item, err)
	}
	if info.ID, _, err = itemstore.GetString(r, item, AttrID); err != nil {
		return FieldInfo{}, fmt.Errorf("field %s: %w", item, err)
	}
	if info.Name, _, err = itemstore.GetString(r, item, AttrName); err != nil {
		return FieldInfo{}, fmt.Errorf("field %s: %w", item, err)
	}
	if info.Connection, _, err = itemstore.GetItem(r, item, AttrConnection); err != nil {
		return FieldInfo{}, fmt.Errorf("field %s: %w", item, err)
	}
	if info.ID == "" || info.Connection == itemstore.NoItem {
		return FieldInfo{}, fmt.Errorf("field %s: missing id or connection", item)
	}
	return info, nil
}

// LiveFields returns the field items whose AttrKey equals key.
func LiveFields(r itemstore.Reader, key string) ([]FieldInfo, error) {
	items, err := r.Query(AttrKey, []byte(key))
	if err != nil {
		return nil, err
	}
	out := make([]FieldInfo, 0, len(items))
	for _, item := range items {
		info, err := ReadFieldInfo(r, item)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Search describes how a field is addressed in JQL.
type Search struct {
	// Field is the JQL field reference, such as "cf[10010]".
	Field string
	// Operators lists the supported operators.
	Operators []string
}

// Editor describes the editing widget for a field.
type Editor struct {
	Widget string
	Upload string
}

// FieldKind is the compiled form of a field configuration. Values are
// immutable after creation.
type FieldKind interface {
	// TypeName returns the canonical type name.
	TypeName() string

	// Config returns the configuration the kind was created from.
	Config() fieldconfig.FieldConfig

	// Editable reports whether fields of this kind accept edits.
	Editable() bool

	// JQLSearch returns the search translation for a field, if searchable.
	JQLSearch(f FieldInfo) (Search, bool)

	// Editor returns the editor for a field, if editable.
	Editor(f FieldInfo) (Editor, bool)

	// MigrateField rewrites the stored representation of a live field item
	// to match this kind.
	MigrateField(w itemstore.Writer, f FieldInfo) error

	sealed()
}

// ErrUnknownType is wrapped by CreateProblem for an unregistered TYPE.
var ErrUnknownType = errors.New("unknown field type")

// CreateProblem reports a configuration that cannot be compiled.
type CreateProblem struct {
	Key    string
	Type   string
	Reason string
	Err    error
}

func (p *CreateProblem) Error() string {
	msg := fmt.Sprintf("cannot create field kind for %q (type %q): %s", p.Key, p.Type, p.Reason)
	if p.Err != nil {
		msg += ": " + p.Err.Error()
	}
	return msg
}

func (p *CreateProblem) Unwrap() error { return p.Err }

func problem(cfg fieldconfig.FieldConfig, format string, args ...any) *CreateProblem {
	return &CreateProblem{Key: cfg.Key(), Type: cfg.Type(), Reason: fmt.Sprintf(format, args...)}
}
