// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"testing"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/stretchr/testify/assert"
)

var (
	narrow = fieldconfig.StringKey("narrow")
	prefix = fieldconfig.StringKey("prefix")
)

func testRules() *Rules {
	editable := NewRules()
	editable.Register(fieldconfig.EditorKey, Always)
	editable.Register(fieldconfig.UploadKey, Presence)

	r := NewRules()
	r.Register(fieldconfig.EditableKey, MapChecker{Rules: editable})
	r.Register(narrow, Always)
	r.Register(prefix, Never)
	return r
}

func editableMap(editor, upload string) fieldconfig.FieldConfig {
	return fieldconfig.New(fieldconfig.EditorKey, fieldconfig.String(editor), fieldconfig.UploadKey, fieldconfig.String(upload))
}

func cfg(typ string) fieldconfig.FieldConfig {
	return fieldconfig.New(fieldconfig.KeyKey, fieldconfig.String("k"), fieldconfig.TypeKey, fieldconfig.String(typ))
}

func TestCanMigrate(t *testing.T) {
	r := testRules()
	base := cfg("enum").WithString(narrow, "project").WithString(prefix, "opt")

	tests := []struct {
		name string
		to   fieldconfig.FieldConfig
		want bool
	}{
		{"identical", base, true},
		{"checked key changes", base.WithString(narrow, "none"), true},
		{"forbidden key changes", base.WithString(prefix, "other"), false},
		{"unregistered key changes", base.WithString(fieldconfig.TypeKey, "text"), false},
		{"unregistered key removed", base.Without(fieldconfig.TypeKey.Name), false},
		{"unregistered key introduced", base.WithInt(fieldconfig.IntKey("precision"), 2), false},
		{"made editable", base.WithMap(fieldconfig.EditableKey, editableMap("dropdown", "id")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.CanMigrate(base, tt.to))
		})
	}
}

// TestMapChecker_Recurses verifies nested keys follow the nested rules.
func TestMapChecker_Recurses(t *testing.T) {
	r := testRules()
	from := cfg("enum").WithMap(fieldconfig.EditableKey, editableMap("dropdown", "id"))

	assert.True(t, r.CanMigrate(from, from.WithMap(fieldconfig.EditableKey, editableMap("radio", "id"))))
	assert.False(t, r.CanMigrate(from, from.WithMap(fieldconfig.EditableKey, editableMap("dropdown", "name"))))
	assert.True(t, r.CanMigrate(from, from.Without(fieldconfig.EditableKey.Name)), "dropping editability is allowed")

	blocked := r.Explain(from, from.WithMap(fieldconfig.EditableKey, editableMap("dropdown", "name")))
	assert.Equal(t, []string{"editable.upload"}, blocked)
}

func TestMapChecker_RejectsNonMap(t *testing.T) {
	m := MapChecker{Rules: NewRules()}
	s := fieldconfig.String("x")
	assert.False(t, m.Allow(&s, nil))
	assert.True(t, m.Allow(nil, nil))
}

// TestTextToDecimal verifies a TYPE change is never compatible in place.
func TestTextToDecimal(t *testing.T) {
	r := testRules()
	ed := editableMap("text", "value")
	from := cfg("text").WithMap(fieldconfig.EditableKey, ed)
	to := cfg("decimal").WithMap(fieldconfig.EditableKey, ed)

	assert.False(t, r.CanMigrate(from, to))
	assert.Equal(t, []string{"type"}, r.Explain(from, to))
}

func TestRegister_DuplicateKeepsFirst(t *testing.T) {
	r := NewRules()
	r.Register(narrow, Never)
	r.Register(narrow, Always)
	assert.False(t, r.CanMigrate(cfg("x").WithString(narrow, "a"), cfg("x").WithString(narrow, "b")))
	assert.True(t, r.Has("narrow"))
	assert.Equal(t, "compat.Rules[narrow]", r.String())
}

func TestEmptyRules_Conservative(t *testing.T) {
	r := NewRules()
	assert.True(t, r.CanMigrate(cfg("x"), cfg("x")))
	assert.False(t, r.CanMigrate(cfg("x"), cfg("y")))
}
