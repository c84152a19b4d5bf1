// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fieldconfig

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrIncompatibleKey is returned when a key is registered twice with
	// different kinds.
	ErrIncompatibleKey = errors.New("incompatible key registration")

	// ErrUnknownKey is returned when a config uses a key the schema does
	// not know.
	ErrUnknownKey = errors.New("unknown configuration key")

	// ErrKindMismatch is returned when a value's kind disagrees with its key.
	ErrKindMismatch = errors.New("configuration value has wrong kind")
)

// Schema is the set of keys allowed in serialized configurations. Map keys
// own a nested Schema for their sub-keys.
//
// Thread Safety: Register and RegisterSub must complete before the schema
// is shared. Lookups are safe for concurrent use afterwards.
type Schema struct {
	keys map[string]Key
	subs map[string]*Schema
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{keys: make(map[string]Key), subs: make(map[string]*Schema)}
}

// Register adds k. Registering an identical key again is a no-op;
// registering the same name with another kind returns ErrIncompatibleKey.
func (s *Schema) Register(k Key) error {
	if k.Name == "" || k.Kind == KindInvalid {
		return fmt.Errorf("register %q: invalid key", k.Name)
	}
	if prev, ok := s.keys[k.Name]; ok {
		if prev.Kind != k.Kind {
			return fmt.Errorf("%w: %s already registered as %s", ErrIncompatibleKey, k, prev.Kind)
		}
		return nil
	}
	s.keys[k.Name] = k
	if k.Kind == KindMap {
		s.subs[k.Name] = NewSchema()
	}
	return nil
}

// RegisterSub registers parent (a map key) and then k inside it.
func (s *Schema) RegisterSub(parent, k Key) error {
	if parent.Kind != KindMap {
		return fmt.Errorf("%w: %s cannot hold sub-keys", ErrIncompatibleKey, parent)
	}
	if err := s.Register(parent); err != nil {
		return err
	}
	return s.subs[parent.Name].Register(k)
}

// Lookup returns the registered key for name.
func (s *Schema) Lookup(name string) (Key, bool) {
	k, ok := s.keys[name]
	return k, ok
}

// Sub returns the nested schema of a map key, or nil.
func (s *Schema) Sub(name string) *Schema {
	return s.subs[name]
}

// Keys returns the registered keys sorted by name.
func (s *Schema) Keys() []Key {
	keys := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// Validate checks that every key in c is registered with a matching kind,
// recursing into map values.
func (s *Schema) Validate(c FieldConfig) error {
	for _, name := range c.Names() {
		v, _ := c.Get(name)
		k, ok := s.keys[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKey, name)
		}
		if v.Kind() != k.Kind {
			return fmt.Errorf("%w: %s holds %s", ErrKindMismatch, k, v.Kind())
		}
		if m, ok := v.AsMap(); ok {
			if err := s.subs[name].Validate(m); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// Merge registers every key of other into s, including sub-keys.
func (s *Schema) Merge(other *Schema) error {
	for _, k := range other.Keys() {
		if err := s.Register(k); err != nil {
			return err
		}
		if k.Kind == KindMap {
			if err := s.subs[k.Name].Merge(other.subs[k.Name]); err != nil {
				return fmt.Errorf("%s: %w", k.Name, err)
			}
		}
	}
	return nil
}
