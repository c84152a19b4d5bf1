// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *itemstore.Store
	slots   *snapshot.Slots
	planner *Planner
	conn    itemstore.Item
}

func newFixture(t *testing.T, actual snapshot.Snapshot) *fixture {
	t.Helper()
	store, err := itemstore.Open(itemstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cat := kinds.Default()
	slots, err := snapshot.NewSlots(cat.Schema(), nil)
	require.NoError(t, err)

	f := &fixture{store: store, slots: slots, planner: NewPlanner(cat, slots, nil)}
	require.NoError(t, store.Write(context.Background(), func(w itemstore.Writer) error {
		conn, err := w.NewItem()
		if err != nil {
			return err
		}
		f.conn = conn
		if actual.IsEmpty() {
			return nil
		}
		return slots.WriteActual(w, actual)
	}))
	return f
}

// addField creates a live field item with the given KEY.
func (f *fixture) addField(t *testing.T, key, id, name string) kinds.FieldInfo {
	t.Helper()
	var info kinds.FieldInfo
	require.NoError(t, f.store.Write(context.Background(), func(w itemstore.Writer) error {
		item, err := w.NewItem()
		if err != nil {
			return err
		}
		require.NoError(t, itemstore.SetString(w, item, kinds.AttrKey, key))
		require.NoError(t, itemstore.SetString(w, item, kinds.AttrID, id))
		require.NoError(t, itemstore.SetString(w, item, kinds.AttrName, name))
		require.NoError(t, itemstore.SetItem(w, item, kinds.AttrConnection, f.conn))
		info, err = kinds.ReadFieldInfo(w, item)
		return err
	}))
	return info
}

func (f *fixture) migrate(t *testing.T, requested snapshot.Snapshot) (*Result, error) {
	t.Helper()
	var res *Result
	err := f.store.Write(context.Background(), func(w itemstore.Writer) error {
		var err error
		res, err = f.planner.Migrate(context.Background(), w, requested)
		return err
	})
	return res, err
}

func (f *fixture) rawActual(t *testing.T) []byte {
	t.Helper()
	var raw []byte
	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		var err error
		raw, _, err = f.slots.RawActual(r)
		return err
	}))
	return raw
}

func (f *fixture) actual(t *testing.T) snapshot.Snapshot {
	t.Helper()
	var snap snapshot.Snapshot
	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		var err error
		snap, _, err = f.slots.LoadActual(r)
		return err
	}))
	return snap
}

func conf(key, typ string) fieldconfig.FieldConfig {
	return fieldconfig.New(fieldconfig.KeyKey, fieldconfig.String(key), fieldconfig.TypeKey, fieldconfig.String(typ))
}

func editableConf(key, typ string) fieldconfig.FieldConfig {
	return conf(key, typ).WithMap(fieldconfig.EditableKey, fieldconfig.FieldConfig{})
}

func snap(rev int64, fields ...fieldconfig.FieldConfig) snapshot.Snapshot {
	return snapshot.Snapshot{Revision: rev, Fields: fields}
}

func TestPrepare_NoActual(t *testing.T) {
	f := newFixture(t, snapshot.Empty())
	_, err := f.migrate(t, snap(1, conf("a", kinds.TypeText)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActual)
	assert.NotNil(t, AsProblem(err))
}

func TestPrepare_Partitions(t *testing.T) {
	f := newFixture(t, snap(1,
		conf("a", kinds.TypeText),
		conf("b", kinds.TypeDate),
		conf("c", kinds.TypeDecimal),
	))
	live := f.addField(t, "b", "customfield_2", "Due")

	var plan *Plan
	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		var err error
		plan, err = f.planner.Prepare(context.Background(), r, snap(-1,
			conf("d", kinds.TypeText),
			conf("b", kinds.TypeDate).WithBool(kinds.WithTimeKey, false),
			conf("a", kinds.TypeText),
		))
		return err
	}))

	assert.Equal(t, int64(1), plan.Revision)
	require.Len(t, plan.Changed, 1)
	assert.Equal(t, "b", plan.Changed[0].Key())
	require.Len(t, plan.Added, 1)
	assert.Equal(t, "d", plan.Added[0].Key())
	assert.Equal(t, []string{"a"}, plan.Unchanged)
	assert.Equal(t, []kinds.FieldInfo{live}, plan.Live["b"])
	assert.Empty(t, plan.Live["d"])
	assert.False(t, plan.IsNoop())
}

// TestPrepare_IncompatibleEditableWithLiveFields verifies a type change to
// an editable field in use is rejected and names the field.
func TestPrepare_IncompatibleEditableWithLiveFields(t *testing.T) {
	f := newFixture(t, snap(1, editableConf("a", kinds.TypeText)))
	f.addField(t, "a", "customfield_10010", "Story Points")
	f.addField(t, "a", "customfield_10011", "Effort")
	before := f.rawActual(t)

	_, err := f.migrate(t, snap(2, editableConf("a", kinds.TypeDecimal)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatible)

	p := AsProblem(err)
	assert.Equal(t, []string{"Effort", "Story Points"}, p.Fields)
	assert.Contains(t, p.Error(), "type")
	assert.Contains(t, p.Error(), "Story Points")

	assert.Equal(t, before, f.rawActual(t))
	assert.Equal(t, int64(1), f.actual(t).Revision)
}

// TestPrepare_IncompatibleWithoutLiveFields verifies the same change
// proceeds when no field uses the KEY.
func TestPrepare_IncompatibleWithoutLiveFields(t *testing.T) {
	f := newFixture(t, snap(1, editableConf("a", kinds.TypeText)))
	f.addField(t, "other", "customfield_1", "Other")

	res, err := f.migrate(t, snap(2, editableConf("a", kinds.TypeDecimal)))
	require.NoError(t, err)
	assert.Zero(t, res.Migrated)
	assert.Empty(t, res.Affected)

	actual := f.actual(t)
	assert.Equal(t, int64(2), actual.Revision)
	require.Len(t, actual.Fields, 1)
	assert.Equal(t, kinds.TypeDecimal, actual.Fields[0].Type())
}

// TestPrepare_NonEditableMayChange verifies the rules only guard fields
// that were editable.
func TestPrepare_NonEditableMayChange(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText)))
	info := f.addField(t, "a", "customfield_1", "Notes")

	res, err := f.migrate(t, snap(2, conf("a", kinds.TypeDecimal)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, []itemstore.Item{info.Connection}, res.Affected)
	assert.IsType(t, &kinds.DecimalKind{}, res.Kinds["a"])
}

func TestPrepare_CompatibleEditableChange(t *testing.T) {
	f := newFixture(t, snap(1, editableConf("a", kinds.TypeText)))
	f.addField(t, "a", "customfield_1", "Notes")

	// Dropping the editable map is always allowed.
	res, err := f.migrate(t, snap(2, conf("a", kinds.TypeText)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.False(t, res.Kinds["a"].Editable())
}

func TestPrepare_StaleRevision(t *testing.T) {
	f := newFixture(t, snap(3, conf("a", kinds.TypeText)))
	_, err := f.migrate(t, snap(2, conf("a", kinds.TypeDate)))
	assert.ErrorIs(t, err, ErrStaleRevision)
}

func TestPrepare_DuplicateRequest(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText)))
	_, err := f.migrate(t, snap(2, conf("b", kinds.TypeText), conf("b", kinds.TypeDate)))
	assert.ErrorIs(t, err, fieldconfig.ErrDuplicateKey)
}

// TestPerform_CreateProblemTouchesNothing verifies an invalid config aborts
// before any field item is rewritten.
func TestPerform_CreateProblemTouchesNothing(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText)))
	info := f.addField(t, "a", "customfield_1", "Notes")
	before := f.rawActual(t)

	_, err := f.migrate(t, snap(2,
		conf("a", kinds.TypeDate),
		conf("b", kinds.TypeDecimal).WithInt(kinds.PrecisionKey, 40),
	))
	var cp *kinds.CreateProblem
	require.ErrorAs(t, err, &cp)
	assert.Equal(t, "b", cp.Key)

	assert.Equal(t, before, f.rawActual(t))
	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		_, ok, err := r.Get(info.Item, kinds.AttrKind)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// TestMigrate_OneIncompatibleChangeRejectsAll verifies a request mixing
// valid changes and additions with one incompatible change to a live
// editable field leaves every live item and the committed schema as they
// were.
func TestMigrate_OneIncompatibleChangeRejectsAll(t *testing.T) {
	f := newFixture(t, snap(1,
		conf("a", kinds.TypeText),
		conf("b", kinds.TypeText),
		editableConf("c", kinds.TypeText),
	))
	infos := []kinds.FieldInfo{
		f.addField(t, "a", "customfield_1", "Priority"),
		f.addField(t, "b", "customfield_2", "Estimate"),
		f.addField(t, "c", "customfield_3", "Story Points"),
		f.addField(t, "d", "customfield_4", "Due"),
	}
	before := f.rawActual(t)

	_, err := f.migrate(t, snap(2,
		conf("a", kinds.TypeSingleEnum).WithString(kinds.PrefixKey, "prio"),
		conf("b", kinds.TypeDecimal),
		conf("d", kinds.TypeDate),
		editableConf("c", kinds.TypeDecimal),
	))
	require.ErrorIs(t, err, ErrIncompatible)
	assert.Equal(t, []string{"Story Points"}, AsProblem(err).Fields)

	assert.Equal(t, before, f.rawActual(t))
	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		for _, info := range infos {
			for _, attr := range []string{kinds.AttrKind, kinds.AttrAttribute, kinds.AttrEnumType} {
				_, ok, err := r.Get(info.Item, attr)
				require.NoError(t, err)
				assert.False(t, ok, "%s %s", info.DisplayName(), attr)
			}
		}
		_, ok, err := r.Identity(kinds.EnumTypeDescriptor(infos[0], "prio"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// TestMigrate_CombinedOrder verifies changed entries keep their committed
// position and added entries follow.
func TestMigrate_CombinedOrder(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText), conf("b", kinds.TypeText), conf("c", kinds.TypeText)))

	res, err := f.migrate(t, snap(-1, conf("e", kinds.TypeDate), conf("b", kinds.TypeDecimal), conf("d", kinds.TypeDate)))
	require.NoError(t, err)

	var keys []string
	for _, c := range res.Snapshot.Fields {
		keys = append(keys, c.Key())
	}
	assert.Equal(t, []string{"a", "b", "c", "e", "d"}, keys)
	assert.Equal(t, int64(1), res.Snapshot.Revision)

	got := f.actual(t)
	assert.Equal(t, len(keys), len(got.Fields))
	assert.Equal(t, kinds.TypeDecimal, got.Fields[1].Type())
}

// TestMigrate_EnumIdentitiesMaterialized verifies enum type identities are
// visible after commit.
func TestMigrate_EnumIdentitiesMaterialized(t *testing.T) {
	f := newFixture(t, snap(1, conf("sel", kinds.TypeText)))
	info := f.addField(t, "sel", "customfield_7", "Priority")

	_, err := f.migrate(t, snap(2, conf("sel", kinds.TypeSingleEnum).WithString(kinds.PrefixKey, "prio")))
	require.NoError(t, err)

	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		id, ok, err := r.Identity(kinds.EnumTypeDescriptor(info, "prio"))
		require.NoError(t, err)
		require.True(t, ok)
		enumType, ok, err := itemstore.GetItem(r, info.Item, kinds.AttrEnumType)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, enumType)
		return nil
	}))
}

// TestMigrate_RevisionMonotonic verifies revisions never go backwards across
// a series of migrations.
func TestMigrate_RevisionMonotonic(t *testing.T) {
	f := newFixture(t, snap(0, conf("a", kinds.TypeText)))
	last := int64(0)
	types := []string{kinds.TypeDate, kinds.TypeDecimal, kinds.TypeText, kinds.TypeDate}
	for i, typ := range types {
		rev := int64(-1)
		if i%2 == 0 {
			rev = last + 1
		}
		_, err := f.migrate(t, snap(rev, conf("a", typ)))
		require.NoError(t, err)
		got := f.actual(t).Revision
		assert.GreaterOrEqual(t, got, last)
		last = got
	}
	assert.Equal(t, int64(2), last)
}

// TestMigrate_CancelledBodyDiscards verifies a writer that gives up after a
// successful Migrate leaves the committed schema alone.
func TestMigrate_CancelledBodyDiscards(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText)))
	before := f.rawActual(t)

	err := f.store.Write(context.Background(), func(w itemstore.Writer) error {
		if _, err := f.planner.Migrate(context.Background(), w, snap(2, conf("a", kinds.TypeDate))); err != nil {
			return err
		}
		return itemstore.ErrCancelled
	})
	assert.True(t, errors.Is(err, itemstore.ErrCancelled))
	assert.Equal(t, before, f.rawActual(t))
}

func TestMigrate_ClearsPending(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText)))
	require.NoError(t, f.store.Write(context.Background(), func(w itemstore.Writer) error {
		return f.slots.WritePending(w, snap(2, conf("a", kinds.TypeDate)))
	}))

	_, err := f.migrate(t, snap(2, conf("a", kinds.TypeDate)))
	require.NoError(t, err)

	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		_, ok, err := f.slots.LoadPending(r)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// TestMigrate_KeepsOtherPendingIntents verifies committing one request
// leaves configs recorded by a request still in flight pending.
func TestMigrate_KeepsOtherPendingIntents(t *testing.T) {
	f := newFixture(t, snap(1, conf("a", kinds.TypeText), conf("b", kinds.TypeText)))
	require.NoError(t, f.store.Write(context.Background(), func(w itemstore.Writer) error {
		return f.slots.WritePending(w, snap(2, conf("a", kinds.TypeDate), conf("b", kinds.TypeDecimal)))
	}))

	_, err := f.migrate(t, snap(2, conf("a", kinds.TypeDate)))
	require.NoError(t, err)

	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		pending, ok, err := f.slots.LoadPending(r)
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, pending.Fields, 1)
		assert.True(t, pending.Fields[0].Equal(conf("b", kinds.TypeDecimal)))
		return nil
	}))

	_, err = f.migrate(t, snap(2, conf("b", kinds.TypeDecimal)))
	require.NoError(t, err)
	require.NoError(t, f.store.Read(context.Background(), func(r itemstore.Reader) error {
		_, ok, err := f.slots.LoadPending(r)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestProblem_Error(t *testing.T) {
	p := &Problem{Message: "blocked", Fields: []string{"A", "B"}, Err: ErrIncompatible}
	assert.Equal(t, "blocked: A, B (incompatible change to live editable field)", p.Error())
	assert.ErrorIs(t, p, ErrIncompatible)

	wrapped := AsProblem(errors.New("boom"))
	assert.Equal(t, "field schema migration failed (boom)", wrapped.Error())
	assert.Nil(t, AsProblem(nil))
	assert.Same(t, p, AsProblem(p))
}
