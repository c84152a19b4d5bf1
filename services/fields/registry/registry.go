// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the compiled field kinds of the committed schema.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. The lock is held only while
//	a map is copied or swapped, never across a store transaction.
package registry

import (
	"sort"
	"sync"

	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldschema_registry_kinds",
		Help: "Field kinds in the most recently replaced registry",
	})

	registryReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldschema_registry_replacements_total",
		Help: "Registry replacements",
	})
)

// Registry maps KEYs to field kinds.
type Registry struct {
	mu         sync.RWMutex
	kinds      map[string]kinds.FieldKind
	generation uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{kinds: make(map[string]kinds.FieldKind)}
}

// Get returns the kind registered for key.
func (r *Registry) Get(key string) (kinds.FieldKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[key]
	return k, ok
}

// SnapshotAll returns a copy of every registered kind.
func (r *Registry) SnapshotAll() map[string]kinds.FieldKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]kinds.FieldKind, len(r.kinds))
	for k, v := range r.kinds {
		out[k] = v
	}
	return out
}

// Keys returns the registered KEYs, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Replace swaps in a copy of next. It is the only write path.
func (r *Registry) Replace(next map[string]kinds.FieldKind) {
	copied := make(map[string]kinds.FieldKind, len(next))
	for k, v := range next {
		copied[k] = v
	}

	r.mu.Lock()
	r.kinds = copied
	r.generation++
	r.mu.Unlock()

	registrySize.Set(float64(len(copied)))
	registryReplacements.Inc()
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kinds)
}

// Generation counts calls to Replace.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
