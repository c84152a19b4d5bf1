// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fieldconfig defines FieldConfig, the typed key/value description
// of one custom field, together with the serialization Schema that governs
// which keys may appear in persisted and bundled configurations.
//
// A FieldConfig is an immutable value. Every mutator returns a copy.
package fieldconfig

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueKind is the type of a configuration value.
type ValueKind uint8

const (
	// KindInvalid is the zero ValueKind.
	KindInvalid ValueKind = iota
	KindString
	KindBool
	KindInt
	// KindMap values are nested FieldConfigs.
	KindMap
)

// String returns the lowercase kind name.
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Key is a typed configuration key.
type Key struct {
	Name string
	Kind ValueKind
}

// StringKey declares a string-valued key.
func StringKey(name string) Key { return Key{Name: name, Kind: KindString} }

// BoolKey declares a bool-valued key.
func BoolKey(name string) Key { return Key{Name: name, Kind: KindBool} }

// IntKey declares an int-valued key.
func IntKey(name string) Key { return Key{Name: name, Kind: KindInt} }

// MapKey declares a key whose value is a nested FieldConfig.
func MapKey(name string) Key { return Key{Name: name, Kind: KindMap} }

func (k Key) String() string {
	return k.Name + ":" + k.Kind.String()
}

// Keys shared by every field type.
var (
	// KeyKey is the field identity. Unique within a snapshot.
	KeyKey = StringKey("key")

	// TypeKey selects the compiled field behavior.
	TypeKey = StringKey("type")

	// EditableKey holds editing settings. Its presence means the field
	// is editable.
	EditableKey = MapKey("editable")

	// EditorKey names the editor widget. Sub-key of EditableKey.
	EditorKey = StringKey("editor")

	// UploadKey is the upload encoding. Sub-key of EditableKey.
	UploadKey = StringKey("upload")

	// RevisionKey is the snapshot revision. Header-only.
	RevisionKey = IntKey("revision")
)

// Value is a tagged configuration value.
type Value struct {
	kind ValueKind
	s    string
	b    bool
	i    int64
	m    FieldConfig
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bool returns a bool value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an int value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Map returns a nested config value.
func Map(m FieldConfig) Value { return Value{kind: KindMap, m: m} }

// Kind reports the value's kind.
func (v Value) Kind() ValueKind { return v.kind }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBool returns the bool payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the int payload.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsMap returns the nested config payload.
func (v Value) AsMap() (FieldConfig, bool) { return v.m, v.kind == KindMap }

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindMap:
		return v.m.Equal(o.m)
	default:
		return true
	}
}

// String renders the value for logs and problem messages.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindMap:
		return v.m.String()
	default:
		return "<invalid>"
	}
}

// FieldConfig is an immutable mapping from key names to values.
// The zero value is an empty config.
type FieldConfig struct {
	values map[string]Value
}

// New builds a config from alternating Key, Value pairs checked for kind
// agreement. It panics on a mismatch, which is a programming error.
func New(pairs ...any) FieldConfig {
	if len(pairs)%2 != 0 {
		panic("fieldconfig.New: odd number of arguments")
	}
	c := FieldConfig{values: make(map[string]Value, len(pairs)/2)}
	for i := 0; i < len(pairs); i += 2 {
		k, ok := pairs[i].(Key)
		if !ok {
			panic(fmt.Sprintf("fieldconfig.New: argument %d is %T, want Key", i, pairs[i]))
		}
		v, ok := pairs[i+1].(Value)
		if !ok {
			panic(fmt.Sprintf("fieldconfig.New: argument %d is %T, want Value", i+1, pairs[i+1]))
		}
		if v.kind != k.Kind {
			panic(fmt.Sprintf("fieldconfig.New: key %s given %s value", k, v.kind))
		}
		c.values[k.Name] = v
	}
	return c
}

// Len returns the number of keys.
func (c FieldConfig) Len() int { return len(c.values) }

// IsEmpty reports whether the config has no keys.
func (c FieldConfig) IsEmpty() bool { return len(c.values) == 0 }

// Get returns the value stored under name.
func (c FieldConfig) Get(name string) (Value, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Has reports whether k is set with k's kind.
func (c FieldConfig) Has(k Key) bool {
	v, ok := c.values[k.Name]
	return ok && v.kind == k.Kind
}

// GetString returns a string key's value, or "" when unset.
func (c FieldConfig) GetString(k Key) string {
	s, _ := c.values[k.Name].AsString()
	return s
}

// GetBool returns a bool key's value, or false when unset.
func (c FieldConfig) GetBool(k Key) bool {
	b, _ := c.values[k.Name].AsBool()
	return b
}

// GetInt returns an int key's value.
func (c FieldConfig) GetInt(k Key) (int64, bool) {
	return c.values[k.Name].AsInt()
}

// GetMap returns a map key's nested config.
func (c FieldConfig) GetMap(k Key) (FieldConfig, bool) {
	return c.values[k.Name].AsMap()
}

// Key returns the field identity.
func (c FieldConfig) Key() string { return c.GetString(KeyKey) }

// Type returns the field type name.
func (c FieldConfig) Type() string { return c.GetString(TypeKey) }

// Editable returns the editing settings, if the field is editable.
func (c FieldConfig) Editable() (FieldConfig, bool) { return c.GetMap(EditableKey) }

// With returns a copy with name set to v. The caller is responsible for
// kind agreement; Schema.Validate checks it.
func (c FieldConfig) With(name string, v Value) FieldConfig {
	out := FieldConfig{values: make(map[string]Value, len(c.values)+1)}
	for n, val := range c.values {
		out.values[n] = val
	}
	out.values[name] = v
	return out
}

// WithString returns a copy with a string key set.
func (c FieldConfig) WithString(k Key, s string) FieldConfig { return c.with(k, String(s)) }

// WithBool returns a copy with a bool key set.
func (c FieldConfig) WithBool(k Key, b bool) FieldConfig { return c.with(k, Bool(b)) }

// WithInt returns a copy with an int key set.
func (c FieldConfig) WithInt(k Key, i int64) FieldConfig { return c.with(k, Int(i)) }

// WithMap returns a copy with a map key set.
func (c FieldConfig) WithMap(k Key, m FieldConfig) FieldConfig { return c.with(k, Map(m)) }

func (c FieldConfig) with(k Key, v Value) FieldConfig {
	if k.Kind != v.kind {
		panic(fmt.Sprintf("fieldconfig: key %s given %s value", k, v.kind))
	}
	return c.With(k.Name, v)
}

// Without returns a copy with name removed.
func (c FieldConfig) Without(name string) FieldConfig {
	if _, ok := c.values[name]; !ok {
		return c
	}
	out := FieldConfig{values: make(map[string]Value, len(c.values))}
	for n, v := range c.values {
		if n != name {
			out.values[n] = v
		}
	}
	return out
}

// Names returns the key names in sorted order.
func (c FieldConfig) Names() []string {
	names := make([]string, 0, len(c.values))
	for n := range c.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Equal reports deep equality.
func (c FieldConfig) Equal(o FieldConfig) bool {
	if len(c.values) != len(o.values) {
		return false
	}
	for n, v := range c.values {
		ov, ok := o.values[n]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// String renders the config as {name=value, ...} in key order.
func (c FieldConfig) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range c.Names() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(c.values[n].String())
	}
	b.WriteByte('}')
	return b.String()
}
