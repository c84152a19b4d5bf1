// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compat decides whether a field configuration may change in place
// without recreating the field.
//
// Rules holds one Checker per configuration key. A change passes when every
// key whose value differs between the old and new configuration has a
// checker that allows the change. A differing key without a checker fails.
package compat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
)

// Checker decides whether one key may change from one value to another.
// A nil from means the key is being introduced; a nil to means it is being
// removed. Checkers are only consulted for unequal values.
type Checker interface {
	Allow(from, to *fieldconfig.Value) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(from, to *fieldconfig.Value) bool

// Allow calls f.
func (f CheckerFunc) Allow(from, to *fieldconfig.Value) bool { return f(from, to) }

var (
	// Always allows every change.
	Always Checker = CheckerFunc(func(_, _ *fieldconfig.Value) bool { return true })

	// Never rejects every change.
	Never Checker = CheckerFunc(func(_, _ *fieldconfig.Value) bool { return false })

	// Presence allows a key to appear or disappear but not to change value.
	Presence Checker = CheckerFunc(func(from, to *fieldconfig.Value) bool { return from == nil || to == nil })
)

// MapChecker compares map-valued keys by applying Rules to the nested
// configurations. An absent side is treated as an empty map.
type MapChecker struct {
	Rules *Rules
}

// Allow implements Checker.
func (m MapChecker) Allow(from, to *fieldconfig.Value) bool {
	fromMap, ok := asMap(from)
	if !ok {
		return false
	}
	toMap, ok := asMap(to)
	if !ok {
		return false
	}
	return m.Rules.CanMigrate(fromMap, toMap)
}

func asMap(v *fieldconfig.Value) (fieldconfig.FieldConfig, bool) {
	if v == nil {
		return fieldconfig.FieldConfig{}, true
	}
	return v.AsMap()
}

// Rules maps key names to checkers.
//
// Thread Safety: Register must complete before the rules are shared.
type Rules struct {
	checkers map[string]Checker
}

// NewRules returns an empty rule set. With no checkers, any change fails.
func NewRules() *Rules {
	return &Rules{checkers: make(map[string]Checker)}
}

// Register sets the checker for key. A key that already has a checker
// keeps it.
func (r *Rules) Register(key fieldconfig.Key, c Checker) {
	if _, ok := r.checkers[key.Name]; ok {
		return
	}
	r.checkers[key.Name] = c
}

// Has reports whether key has a checker.
func (r *Rules) Has(name string) bool {
	_, ok := r.checkers[name]
	return ok
}

// CanMigrate reports whether from may be changed in place to to.
func (r *Rules) CanMigrate(from, to fieldconfig.FieldConfig) bool {
	return len(r.Explain(from, to)) == 0
}

// Explain returns the names of the keys that block the change, sorted.
// Nested map keys are reported as "parent.child".
func (r *Rules) Explain(from, to fieldconfig.FieldConfig) []string {
	var blocked []string
	for _, name := range from.Names() {
		fv, _ := from.Get(name)
		tv, present := to.Get(name)
		if present && fv.Equal(tv) {
			continue
		}
		var tp *fieldconfig.Value
		if present {
			tp = &tv
		}
		blocked = append(blocked, r.check(name, &fv, tp)...)
	}
	for _, name := range to.Names() {
		if _, inFrom := from.Get(name); inFrom {
			continue
		}
		tv, _ := to.Get(name)
		blocked = append(blocked, r.check(name, nil, &tv)...)
	}
	sort.Strings(blocked)
	return blocked
}

func (r *Rules) check(name string, from, to *fieldconfig.Value) []string {
	c, ok := r.checkers[name]
	if !ok {
		return []string{name}
	}
	if m, isMap := c.(MapChecker); isMap {
		fromMap, okFrom := asMap(from)
		toMap, okTo := asMap(to)
		if !okFrom || !okTo {
			return []string{name}
		}
		nested := m.Rules.Explain(fromMap, toMap)
		for i, n := range nested {
			nested[i] = name + "." + n
		}
		return nested
	}
	if c.Allow(from, to) {
		return nil
	}
	return []string{name}
}

// String lists the registered keys.
func (r *Rules) String() string {
	names := make([]string, 0, len(r.checkers))
	for n := range r.checkers {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprintf("compat.Rules[%s]", strings.Join(names, ", "))
}
