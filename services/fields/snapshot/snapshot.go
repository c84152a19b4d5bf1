// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists revisioned custom field schemas in the two
// durable item store slots.
//
// The "actual" slot holds the committed schema; it is the only state the
// field registry is ever built from. The "pending" slot is a write-ahead
// intent: a requested schema is written there before any migration side
// effect and released after the attempt, whatever its outcome. A non-empty
// pending slot at startup therefore means the previous session stopped
// mid-migration.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
)

// RevisionNone marks a snapshot that holds no configuration.
const RevisionNone int64 = -1

// Slot property names in the item store.
const (
	ActualSlot  = "customFields.actual"
	PendingSlot = "customFields.pending"
)

// ErrEmptyRevisioned is returned for a snapshot with a revision but no fields.
var ErrEmptyRevisioned = errors.New("snapshot with a revision must not be empty")

// Snapshot is an ordered list of field configs plus a revision.
// The zero value is not the empty sentinel; use Empty.
type Snapshot struct {
	Revision int64
	Fields   []fieldconfig.FieldConfig
}

// Empty returns the "no configuration" sentinel.
func Empty() Snapshot {
	return Snapshot{Revision: RevisionNone}
}

// IsEmpty reports whether the snapshot holds no fields.
func (s Snapshot) IsEmpty() bool {
	return len(s.Fields) == 0
}

// Validate checks the snapshot invariants: a non-negative revision
// requires fields, and every field has a unique KEY.
func (s Snapshot) Validate() error {
	if s.Revision >= 0 && s.IsEmpty() {
		return fmt.Errorf("%w: revision %d", ErrEmptyRevisioned, s.Revision)
	}
	return fieldconfig.CheckKeys(s.Fields)
}

// ByKey indexes the fields by KEY.
func (s Snapshot) ByKey() (map[string]fieldconfig.FieldConfig, error) {
	return fieldconfig.CollectByKey(s.Fields)
}

// Clone returns a snapshot with its own field slice.
func (s Snapshot) Clone() Snapshot {
	fields := make([]fieldconfig.FieldConfig, len(s.Fields))
	copy(fields, s.Fields)
	return Snapshot{Revision: s.Revision, Fields: fields}
}

// Slots reads and writes the actual and pending slots.
//
// Thread Safety: Safe for concurrent use; all state lives in the store.
type Slots struct {
	schema *fieldconfig.Schema
	logger *slog.Logger
}

// NewSlots returns a Slots serializing with schema, which must include
// fieldconfig.RevisionKey.
func NewSlots(schema *fieldconfig.Schema, logger *slog.Logger) (*Slots, error) {
	if schema == nil {
		return nil, errors.New("schema must not be nil")
	}
	if k, ok := schema.Lookup(fieldconfig.RevisionKey.Name); !ok || k != fieldconfig.RevisionKey {
		return nil, fmt.Errorf("schema lacks %s", fieldconfig.RevisionKey)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Slots{schema: schema, logger: logger.With("component", "snapshot")}, nil
}

// LoadActual returns the committed snapshot. A slot that was never written
// or that holds no fields reports ok=false.
func (p *Slots) LoadActual(r itemstore.Reader) (Snapshot, bool, error) {
	return p.load(r, ActualSlot)
}

// LoadPending returns the pending request, if any.
func (p *Slots) LoadPending(r itemstore.Reader) (Snapshot, bool, error) {
	return p.load(r, PendingSlot)
}

// RawActual returns the stored bytes of the actual slot.
func (p *Slots) RawActual(r itemstore.Reader) ([]byte, bool, error) {
	return r.Property(ActualSlot)
}

func (p *Slots) load(r itemstore.Reader, slot string) (Snapshot, bool, error) {
	raw, ok, err := r.Property(slot)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read %s: %w", slot, err)
	}
	if !ok || len(raw) == 0 {
		return Empty(), false, nil
	}
	doc, err := fieldconfig.Decode(p.schema, raw)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %s: %w", slot, err)
	}
	if len(doc.Configs) == 0 {
		return Empty(), false, nil
	}
	rev, ok := doc.Header.GetInt(fieldconfig.RevisionKey)
	if !ok {
		rev = RevisionNone
	}
	return Snapshot{Revision: rev, Fields: doc.Configs}, true, nil
}

// WriteActual commits snap to the actual slot.
//
// Description:
//
//	An empty snapshot is logged as an error and not written, so a
//	committed schema is never replaced by nothing. A negative revision
//	inherits the current actual revision. Duplicate or missing KEYs are
//	rejected.
//
// Inputs:
//
//	w - Write transaction.
//	snap - Snapshot to commit.
//
// Outputs:
//
//	error - Non-nil on invalid input or store failure.
func (p *Slots) WriteActual(w itemstore.Writer, snap Snapshot) error {
	if snap.IsEmpty() {
		p.logger.Error("refusing to overwrite actual schema with an empty snapshot",
			slog.Int64("revision", snap.Revision))
		return nil
	}
	if snap.Revision < 0 {
		current, ok, err := p.LoadActual(w)
		if err != nil {
			return err
		}
		snap.Revision = 0
		if ok && current.Revision > 0 {
			snap.Revision = current.Revision
		}
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", ActualSlot, err)
	}
	if err := p.write(w, ActualSlot, snap); err != nil {
		return err
	}
	p.logger.Debug("actual schema written",
		slog.Int64("revision", snap.Revision),
		slog.Int("fields", len(snap.Fields)))
	return nil
}

// WritePending overwrites the pending slot with snap.
func (p *Slots) WritePending(w itemstore.Writer, snap Snapshot) error {
	if err := fieldconfig.CheckKeys(snap.Fields); err != nil {
		return fmt.Errorf("write %s: %w", PendingSlot, err)
	}
	return p.write(w, PendingSlot, snap)
}

// ClearPending overwrites the pending slot with the empty sentinel.
func (p *Slots) ClearPending(w itemstore.Writer) error {
	return p.write(w, PendingSlot, Empty())
}

// ReleasePending removes done from the pending slot.
//
// Description:
//
//	A pending entry is dropped when done holds an equal config under the
//	same KEY. Entries recorded by other requests, or overwritten by a
//	later request for the same KEY, stay pending. The slot is cleared
//	once nothing remains, or when it cannot be decoded.
//
// Inputs:
//
//	w - Write transaction.
//	done - Configs whose attempt has finished.
//
// Outputs:
//
//	error - Non-nil on store failure.
func (p *Slots) ReleasePending(w itemstore.Writer, done []fieldconfig.FieldConfig) error {
	pending, ok, err := p.LoadPending(w)
	if err != nil {
		p.logger.Warn("clearing unreadable pending schema", slog.String("error", err.Error()))
		return p.ClearPending(w)
	}
	if !ok {
		return nil
	}

	doneByKey := make(map[string]fieldconfig.FieldConfig, len(done))
	for _, c := range done {
		doneByKey[c.Key()] = c
	}
	rest := make([]fieldconfig.FieldConfig, 0, len(pending.Fields))
	for _, c := range pending.Fields {
		if d, ok := doneByKey[c.Key()]; ok && d.Equal(c) {
			continue
		}
		rest = append(rest, c)
	}
	if len(rest) == 0 {
		return p.ClearPending(w)
	}
	if len(rest) == len(pending.Fields) {
		return nil
	}
	p.logger.Debug("pending schema partially released",
		slog.Int("released", len(pending.Fields)-len(rest)),
		slog.Int("remaining", len(rest)))
	return p.WritePending(w, Snapshot{Revision: pending.Revision, Fields: rest})
}

func (p *Slots) write(w itemstore.Writer, slot string, snap Snapshot) error {
	data, err := fieldconfig.Encode(p.schema, fieldconfig.Document{
		Header:  fieldconfig.New(fieldconfig.RevisionKey, fieldconfig.Int(snap.Revision)),
		Configs: snap.Fields,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", slot, err)
	}
	if err := w.SetProperty(slot, data); err != nil {
		return fmt.Errorf("write %s: %w", slot, err)
	}
	return nil
}
