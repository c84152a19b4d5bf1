// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fields

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields/bundled"
	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/migration"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectKey   = "com.atlassian.jira.plugin.system.customfieldtypes:select"
	textKey     = "com.atlassian.jira.plugin.system.customfieldtypes:textfield"
	urlKey      = "com.atlassian.jira.plugin.system.customfieldtypes:url"
	testTimeout = 5 * time.Second
)

type recorder struct {
	mu    sync.Mutex
	conns []itemstore.Item
}

func (r *recorder) MaterializeConnection(_ context.Context, conn itemstore.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, conn)
	return nil
}

func (r *recorder) seen() []itemstore.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]itemstore.Item(nil), r.conns...)
}

func newComponent(t *testing.T) (*Component, *itemstore.Store, *recorder) {
	t.Helper()
	t.Setenv(bundled.EnvLatestPath, "")
	store, err := itemstore.Open(itemstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recorder{}
	c, err := New(Config{Store: store, Materializer: rec})
	require.NoError(t, err)
	return c, store, rec
}

func started(t *testing.T) (*Component, *itemstore.Store, *recorder) {
	t.Helper()
	c, store, rec := newComponent(t)
	require.NoError(t, c.Start(context.Background()))
	return c, store, rec
}

func addField(t *testing.T, store *itemstore.Store, key, id, name string) kinds.FieldInfo {
	t.Helper()
	var info kinds.FieldInfo
	require.NoError(t, store.Write(context.Background(), func(w itemstore.Writer) error {
		conn, err := w.NewItem()
		if err != nil {
			return err
		}
		item, err := w.NewItem()
		if err != nil {
			return err
		}
		require.NoError(t, itemstore.SetString(w, item, kinds.AttrKey, key))
		require.NoError(t, itemstore.SetString(w, item, kinds.AttrID, id))
		require.NoError(t, itemstore.SetString(w, item, kinds.AttrName, name))
		require.NoError(t, itemstore.SetItem(w, item, kinds.AttrConnection, conn))
		info, err = kinds.ReadFieldInfo(w, item)
		return err
	}))
	return info
}

func update(t *testing.T, c *Component, fields []fieldconfig.FieldConfig, rev int64) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return c.Update(ctx, snapshot.Snapshot{Revision: rev, Fields: fields})
}

func pendingSet(t *testing.T, c *Component, store *itemstore.Store) bool {
	t.Helper()
	var ok bool
	require.NoError(t, store.Read(context.Background(), func(r itemstore.Reader) error {
		var err error
		_, ok, err = c.slots.LoadPending(r)
		return err
	}))
	return ok
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

// TestStart_Gate verifies lookups and updates wait for Start.
func TestStart_Gate(t *testing.T) {
	c, _, _ := newComponent(t)
	assert.False(t, c.Ready())
	assert.Nil(t, c.Outcome())
	_, ok := c.FieldKind(selectKey)
	assert.False(t, ok)

	_, err := c.UpdateFields(context.Background(), snapshot.Snapshot{Revision: 1}, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- c.WaitReady(context.Background()) }()

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, <-waited)
	assert.True(t, c.Ready())
	require.NotNil(t, c.Outcome())

	// Later calls do nothing.
	require.NoError(t, c.Start(context.Background()))
}

func TestLookups(t *testing.T) {
	c, store, _ := started(t)
	assert.NotEmpty(t, c.Keys())
	assert.Len(t, c.FieldKinds(), len(c.Keys()))

	sel := addField(t, store, selectKey, "customfield_10010", "Severity")
	assert.True(t, c.IsEditable(sel))
	ed, ok := c.FieldEditor(sel)
	require.True(t, ok)
	assert.Equal(t, "dropdown", ed.Widget)
	s, ok := c.JQLSearch(sel)
	require.True(t, ok)
	assert.Equal(t, "cf[10010]", s.Field)

	unknown := kinds.FieldInfo{Key: "nope", ID: "customfield_1"}
	assert.False(t, c.IsEditable(unknown))
	_, ok = c.JQLSearch(unknown)
	assert.False(t, ok)
	_, ok = c.FieldEditor(unknown)
	assert.False(t, ok)

	loaded, err := c.Field(context.Background(), sel.Item)
	require.NoError(t, err)
	assert.Equal(t, sel, loaded)

	snap, err := c.Configs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Revision)
}

// TestUpdateFields_CreateProblemIsSynchronous verifies an uncompilable
// request fails before the store is touched.
func TestUpdateFields_CreateProblemIsSynchronous(t *testing.T) {
	c, store, _ := started(t)
	called := false
	_, err := c.UpdateFields(context.Background(), snapshot.Snapshot{Revision: 3, Fields: []fieldconfig.FieldConfig{
		fieldconfig.New(fieldconfig.KeyKey, fieldconfig.String("x"), fieldconfig.TypeKey, fieldconfig.String("rating")),
	}}, func(error) { called = true })

	var cp *kinds.CreateProblem
	require.ErrorAs(t, err, &cp)
	assert.False(t, called)
	assert.False(t, pendingSet(t, c, store))

	_, err = c.UpdateFields(context.Background(), snapshot.Empty(), nil)
	assert.ErrorIs(t, err, ErrEmptyUpdate)
}

// TestUpdateFields_Commits verifies a compatible change is committed, the
// registry swapped and the affected connection materialized.
func TestUpdateFields_Commits(t *testing.T) {
	c, store, rec := started(t)
	field := addField(t, store, urlKey, "customfield_10200", "Homepage")
	generation := c.registry.Generation()

	// Unsupported fields were never editable, so any change is allowed.
	asText := fieldconfig.New(
		fieldconfig.KeyKey, fieldconfig.String(urlKey),
		fieldconfig.TypeKey, fieldconfig.String(kinds.TypeText),
	).WithBool(kinds.MultilineKey, false)
	require.NoError(t, update(t, c, []fieldconfig.FieldConfig{asText}, 3))

	k, ok := c.FieldKind(urlKey)
	require.True(t, ok)
	assert.True(t, k.Config().Equal(asText))
	assert.Equal(t, generation+1, c.registry.Generation())
	assert.Equal(t, []itemstore.Item{field.Connection}, rec.seen())
	assert.False(t, pendingSet(t, c, store))

	snap, err := c.Configs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Revision)
	_, stillThere := c.FieldKind(selectKey)
	assert.True(t, stillThere)
}

// TestUpdateFields_IncompatibleKeepsState verifies a rejected update
// reports a Problem naming the field and leaves everything else alone.
func TestUpdateFields_IncompatibleKeepsState(t *testing.T) {
	c, store, rec := started(t)
	addField(t, store, textKey, "customfield_1", "Summary Line")
	before, err := c.Configs(context.Background())
	require.NoError(t, err)
	generation := c.registry.Generation()

	toDecimal := fieldconfig.New(
		fieldconfig.KeyKey, fieldconfig.String(textKey),
		fieldconfig.TypeKey, fieldconfig.String(kinds.TypeDecimal),
	).WithMap(fieldconfig.EditableKey, fieldconfig.FieldConfig{})
	added := fieldconfig.New(
		fieldconfig.KeyKey, fieldconfig.String("custom:new"),
		fieldconfig.TypeKey, fieldconfig.String(kinds.TypeText),
	)
	err = update(t, c, []fieldconfig.FieldConfig{added, toDecimal}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrIncompatible)
	p := migration.AsProblem(err)
	assert.Equal(t, []string{"Summary Line"}, p.Fields)

	after, err := c.Configs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, len(before.Fields), len(after.Fields))
	_, ok := c.FieldKind("custom:new")
	assert.False(t, ok)
	assert.Equal(t, generation, c.registry.Generation())
	assert.Empty(t, rec.seen())
	assert.False(t, pendingSet(t, c, store))
}

// TestUpdateFields_CallerCancelAfterRecord verifies an update whose caller
// context is cancelled once the request is recorded still runs, and
// releases pending when it is rejected.
func TestUpdateFields_CallerCancelAfterRecord(t *testing.T) {
	c, store, _ := started(t)
	addField(t, store, textKey, "customfield_1", "Summary Line")

	asText := fieldconfig.New(
		fieldconfig.KeyKey, fieldconfig.String(urlKey),
		fieldconfig.TypeKey, fieldconfig.String(kinds.TypeText),
	).WithBool(kinds.MultilineKey, false)
	toDecimal := fieldconfig.New(
		fieldconfig.KeyKey, fieldconfig.String(textKey),
		fieldconfig.TypeKey, fieldconfig.String(kinds.TypeDecimal),
	).WithMap(fieldconfig.EditableKey, fieldconfig.FieldConfig{})

	tests := []struct {
		name    string
		fields  []fieldconfig.FieldConfig
		wantErr error
	}{
		{"committed", []fieldconfig.FieldConfig{asText}, nil},
		{"rejected", []fieldconfig.FieldConfig{toDecimal}, migration.ErrIncompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			_, err := c.UpdateFields(ctx, snapshot.Snapshot{Revision: -1, Fields: tt.fields}, func(err error) { done <- err })
			cancel()
			require.NoError(t, err)

			select {
			case err := <-done:
				if tt.wantErr == nil {
					require.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			case <-time.After(testTimeout):
				t.Fatal("update did not finish")
			}
			assert.False(t, pendingSet(t, c, store))
		})
	}

	k, ok := c.FieldKind(urlKey)
	require.True(t, ok)
	assert.True(t, k.Config().Equal(asText))
}

func TestUpdateFields_ConcurrentUpdatesAllLand(t *testing.T) {
	c, _, _ := started(t)
	keys := []string{"custom:a", "custom:b", "custom:c", "custom:d"}

	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = update(t, c, []fieldconfig.FieldConfig{fieldconfig.New(
				fieldconfig.KeyKey, fieldconfig.String(key),
				fieldconfig.TypeKey, fieldconfig.String(kinds.TypeText),
			)}, -1)
		}(i, key)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, key := range keys {
		_, ok := c.FieldKind(key)
		assert.True(t, ok, key)
	}

	snap, err := c.Configs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Revision)
}

func TestMaterializerFunc(t *testing.T) {
	var got itemstore.Item
	m := MaterializerFunc(func(_ context.Context, conn itemstore.Item) error {
		got = conn
		return nil
	})
	require.NoError(t, m.MaterializeConnection(context.Background(), 7))
	assert.Equal(t, itemstore.Item(7), got)
}
