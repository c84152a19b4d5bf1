// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bundled

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmbedded_Compile verifies both embedded schemas compile strictly.
func TestEmbedded_Compile(t *testing.T) {
	t.Setenv(EnvLatestPath, "")
	cat := kinds.Default()
	res := New(cat.Schema(), "", nil)
	ctx := context.Background()

	def, err := res.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), def.Revision)
	_, err = cat.CreateKindsMap(def.Fields, false, nil)
	require.NoError(t, err)

	latest, source, err := res.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceEmbedded, source)
	assert.Greater(t, latest.Revision, def.Revision)
	_, err = cat.CreateKindsMap(latest.Fields, false, nil)
	require.NoError(t, err)
}

// TestLatest_FlipsLabelsEditable pins the difference the upgrade path
// relies on: labels become editable in the latest schema.
func TestLatest_FlipsLabelsEditable(t *testing.T) {
	res := New(kinds.Default().Schema(), "", nil)
	ctx := context.Background()
	def, err := res.Default(ctx)
	require.NoError(t, err)
	latest, _, err := res.Latest(ctx)
	require.NoError(t, err)

	const key = "com.atlassian.jira.plugin.system.customfieldtypes:labels"
	defByKey, err := def.ByKey()
	require.NoError(t, err)
	latestByKey, err := latest.ByKey()
	require.NoError(t, err)

	_, was := defByKey[key].Editable()
	_, is := latestByKey[key].Editable()
	assert.False(t, was)
	assert.True(t, is)
	assert.True(t, kinds.Default().Rules().CanMigrate(defByKey[key], latestByKey[key]))
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "latest.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLatest_ExternalOverride(t *testing.T) {
	path := writeFile(t, `<fields revision="7"><field key="a" type="text"/></fields>`)

	t.Run("explicit path", func(t *testing.T) {
		snap, source, err := New(kinds.Default().Schema(), path, nil).Latest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SourceExternal, source)
		assert.Equal(t, int64(7), snap.Revision)
		require.Len(t, snap.Fields, 1)
		assert.Equal(t, "a", snap.Fields[0].Key())
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv(EnvLatestPath, path)
		res := New(kinds.Default().Schema(), "", nil)
		assert.Equal(t, path, res.LatestPath())
		snap, _, err := res.Latest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(7), snap.Revision)
	})
}

// TestLatest_MissingExternalFallsBack verifies an unreadable override
// degrades to the embedded schema.
func TestLatest_MissingExternalFallsBack(t *testing.T) {
	res := New(kinds.Default().Schema(), filepath.Join(t.TempDir(), "nope.xml"), nil)
	snap, source, err := res.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceEmbedded, source)
	assert.Equal(t, int64(2), snap.Revision)
}

func TestLatest_BrokenExternalFails(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not xml", "revision: 3"},
		{"no revision", `<fields><field key="a" type="text"/></fields>`},
		{"unknown key", `<fields revision="3"><field key="a" type="text" colour="red"/></fields>`},
		{"duplicate key", `<fields revision="3"><field key="a" type="text"/><field key="a" type="date"/></fields>`},
		{"empty", `<fields revision="3"></fields>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(kinds.Default().Schema(), writeFile(t, tt.body), nil)
			_, source, err := res.Latest(context.Background())
			require.Error(t, err)
			assert.Equal(t, SourceExternal, source)
		})
	}
}

func TestLatest_OversizedExternalFallsBack(t *testing.T) {
	big := make([]byte, MaxSchemaFileSize+1)
	path := filepath.Join(t.TempDir(), "big.xml")
	require.NoError(t, os.WriteFile(path, big, 0o600))

	_, source, err := New(kinds.Default().Schema(), path, nil).Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceEmbedded, source)
}
