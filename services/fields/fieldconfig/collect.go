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
	"strings"
)

var (
	// ErrMissingKey is returned for a config without a KEY.
	ErrMissingKey = errors.New("field config has no key")

	// ErrDuplicateKey is returned when two configs share a KEY.
	ErrDuplicateKey = errors.New("duplicate field key")
)

// CollectByKey indexes configs by KEY.
func CollectByKey(configs []FieldConfig) (map[string]FieldConfig, error) {
	out := make(map[string]FieldConfig, len(configs))
	for i, c := range configs {
		key := c.Key()
		if key == "" {
			return nil, fmt.Errorf("%w: position %d", ErrMissingKey, i)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		out[key] = c
	}
	return out, nil
}

// CheckKeys verifies every config has a KEY and no KEY repeats.
func CheckKeys(configs []FieldConfig) error {
	_, err := CollectByKey(configs)
	return err
}

// MergeTypes replaces each config in target whose KEY appears in source.
// It returns the merged list, in target order, and the source configs
// that matched nothing, in source order.
func MergeTypes(target, source []FieldConfig) (merged, remainder []FieldConfig) {
	byKey := make(map[string]FieldConfig, len(source))
	for _, c := range source {
		byKey[c.Key()] = c
	}
	used := make(map[string]bool, len(source))

	merged = make([]FieldConfig, 0, len(target))
	for _, c := range target {
		if repl, ok := byKey[c.Key()]; ok {
			merged = append(merged, repl)
			used[c.Key()] = true
			continue
		}
		merged = append(merged, c)
	}
	for _, c := range source {
		if !used[c.Key()] {
			remainder = append(remainder, c)
		}
	}
	return merged, remainder
}

// SplitKey splits a KEY at its last ':' or '.' into namespace and short
// name. A KEY without a separator has an empty namespace.
func SplitKey(key string) (namespace, short string) {
	i := strings.LastIndexAny(key, ":.")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// CompareKeys orders KEYs by short name, then by namespace.
func CompareKeys(a, b string) int {
	nsA, shortA := SplitKey(a)
	nsB, shortB := SplitKey(b)
	if c := strings.Compare(shortA, shortB); c != 0 {
		return c
	}
	return strings.Compare(nsA, nsB)
}
