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
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNarrow    = StringKey("narrow")
	testMultiline = BoolKey("multiline")
	testPrecision = IntKey("precision")
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s := NewSchema()
	for _, k := range []Key{KeyKey, TypeKey, RevisionKey, testNarrow, testMultiline, testPrecision} {
		require.NoError(t, s.Register(k))
	}
	require.NoError(t, s.RegisterSub(EditableKey, EditorKey))
	require.NoError(t, s.RegisterSub(EditableKey, UploadKey))
	return s
}

func enumConfig(key string) FieldConfig {
	return New(
		KeyKey, String(key),
		TypeKey, String("enum"),
		testNarrow, String("project"),
		EditableKey, Map(New(EditorKey, String("dropdown"), UploadKey, String("id"))),
	)
}

// TestFieldConfig_Immutable verifies mutators leave the receiver untouched.
func TestFieldConfig_Immutable(t *testing.T) {
	base := New(KeyKey, String("a"))
	changed := base.WithString(TypeKey, "text").WithBool(testMultiline, true)

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 3, changed.Len())
	assert.Equal(t, "text", changed.Type())
	assert.True(t, changed.GetBool(testMultiline))

	removed := changed.Without(TypeKey.Name)
	assert.Equal(t, "text", changed.Type())
	assert.Equal(t, "", removed.Type())
}

func TestFieldConfig_Equal(t *testing.T) {
	a := enumConfig("x")
	b := enumConfig("x")
	assert.True(t, a.Equal(b))

	ed, _ := b.Editable()
	c := b.WithMap(EditableKey, ed.WithString(UploadKey, "name"))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(a.Without(testNarrow.Name)))
	assert.True(t, FieldConfig{}.Equal(New()))
}

func TestNew_PanicsOnKindMismatch(t *testing.T) {
	assert.Panics(t, func() { New(KeyKey, Bool(true)) })
	assert.Panics(t, func() { New(KeyKey) })
	assert.Panics(t, func() { FieldConfig{}.WithInt(KeyKey, 1) })
}

func TestFieldConfig_String(t *testing.T) {
	c := New(KeyKey, String("k"), testPrecision, Int(2))
	assert.Equal(t, `{key="k", precision=2}`, c.String())
}

// TestSchema_Register verifies duplicate keys are no-ops and kind
// conflicts fail.
func TestSchema_Register(t *testing.T) {
	s := NewSchema()
	require.NoError(t, s.Register(testNarrow))
	require.NoError(t, s.Register(testNarrow))
	assert.Len(t, s.Keys(), 1)

	err := s.Register(BoolKey("narrow"))
	require.ErrorIs(t, err, ErrIncompatibleKey)

	err = s.RegisterSub(testNarrow, EditorKey)
	require.ErrorIs(t, err, ErrIncompatibleKey)

	require.Error(t, s.Register(Key{Name: "x"}))
}

func TestSchema_Validate(t *testing.T) {
	s := testSchema(t)
	require.NoError(t, s.Validate(enumConfig("k")))

	err := s.Validate(enumConfig("k").With("colour", String("red")))
	require.ErrorIs(t, err, ErrUnknownKey)

	err = s.Validate(enumConfig("k").With(testNarrow.Name, Int(3)))
	require.ErrorIs(t, err, ErrKindMismatch)

	bad := enumConfig("k").WithMap(EditableKey, New(testNarrow, String("x")))
	err = s.Validate(bad)
	require.ErrorIs(t, err, ErrUnknownKey)
	assert.Contains(t, err.Error(), "editable")
}

func TestSchema_Merge(t *testing.T) {
	a := NewSchema()
	require.NoError(t, a.RegisterSub(EditableKey, EditorKey))

	b := NewSchema()
	require.NoError(t, b.RegisterSub(EditableKey, UploadKey))
	require.NoError(t, b.Register(testPrecision))

	require.NoError(t, a.Merge(b))
	_, ok := a.Sub(EditableKey.Name).Lookup(UploadKey.Name)
	assert.True(t, ok)
	_, ok = a.Lookup(testPrecision.Name)
	assert.True(t, ok)

	c := NewSchema()
	require.NoError(t, c.Register(StringKey("precision")))
	require.ErrorIs(t, a.Merge(c), ErrIncompatibleKey)
}

// TestCodec_RoundTrip verifies encode/decode preserves header and configs.
func TestCodec_RoundTrip(t *testing.T) {
	s := testSchema(t)
	doc := Document{
		Header:  New(RevisionKey, Int(7)),
		Configs: []FieldConfig{enumConfig("a"), New(KeyKey, String("b"), TypeKey, String("text"), testMultiline, Bool(true))},
	}

	data, err := Encode(s, doc)
	require.NoError(t, err)

	got, err := Decode(s, data)
	require.NoError(t, err)
	rev, ok := got.Header.GetInt(RevisionKey)
	require.True(t, ok)
	assert.Equal(t, int64(7), rev)
	require.Len(t, got.Configs, 2)
	assert.True(t, doc.Configs[0].Equal(got.Configs[0]))
	assert.True(t, doc.Configs[1].Equal(got.Configs[1]))

	again, err := Encode(s, got)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")
}

func TestCodec_DetectsCorruption(t *testing.T) {
	s := testSchema(t)
	data, err := Encode(s, Document{Configs: []FieldConfig{enumConfig("a")}})
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff
	_, err = Decode(s, data)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = Decode(s, []byte{1, 2})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCodec_RejectsUnknownKeys(t *testing.T) {
	wide := testSchema(t)
	require.NoError(t, wide.Register(StringKey("extra")))
	data, err := Encode(wide, Document{Configs: []FieldConfig{New(KeyKey, String("a"), StringKey("extra"), String("x"))}})
	require.NoError(t, err)

	_, err = Decode(testSchema(t), data)
	require.ErrorIs(t, err, ErrUnknownKey)

	_, err = Encode(testSchema(t), Document{Configs: []FieldConfig{New(StringKey("extra"), String("x"))}})
	require.ErrorIs(t, err, ErrUnknownKey)
}

const sampleXML = `<?xml version="1.0"?>
<fields revision="2">
  <!-- enums -->
  <field key="com.atlassian.jira.plugin.system.customfieldtypes:select" type="enum" narrow="project">
    <editable editor="dropdown" upload="id"/>
  </field>
  <field key="com.atlassian.jira.plugin.system.customfieldtypes:textarea" type="text" multiline="true"/>
  <field key="com.atlassian.jira.plugin.system.customfieldtypes:float" type="decimal" precision="4"/>
</fields>`

func TestParseXML(t *testing.T) {
	rev, configs, err := ParseXML(testSchema(t), strings.NewReader(sampleXML))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	require.Len(t, configs, 3)

	sel := configs[0]
	assert.Equal(t, "enum", sel.Type())
	assert.Equal(t, "project", sel.GetString(testNarrow))
	ed, ok := sel.Editable()
	require.True(t, ok)
	assert.Equal(t, "id", ed.GetString(UploadKey))

	assert.True(t, configs[1].GetBool(testMultiline))
	_, editable := configs[1].Editable()
	assert.False(t, editable)

	p, ok := configs[2].GetInt(testPrecision)
	require.True(t, ok)
	assert.Equal(t, int64(4), p)
}

func TestParseXML_Errors(t *testing.T) {
	s := testSchema(t)
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no revision", `<fields><field key="a"/></fields>`, ErrMissingRevision},
		{"unknown attribute", `<fields revision="1"><field key="a" colour="red"/></fields>`, ErrUnknownKey},
		{"unknown element", `<fields revision="1"><field key="a"><colour/></field></fields>`, ErrUnknownKey},
		{"scalar as element", `<fields revision="1"><field key="a"><narrow/></field></fields>`, ErrKindMismatch},
		{"map as attribute", `<fields revision="1"><field key="a" editable="x"/></fields>`, ErrKindMismatch},
		{"bad bool", `<fields revision="1"><field key="a" multiline="maybe"/></fields>`, nil},
		{"wrong root", `<schema revision="1"/>`, nil},
		{"root attribute", `<fields revision="1" owner="me"/>`, ErrUnknownKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseXML(s, strings.NewReader(tt.doc))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

// TestFormatXML_ParsesBack verifies exported XML loads to the same config.
func TestFormatXML_ParsesBack(t *testing.T) {
	s := testSchema(t)
	c := enumConfig(`a"<b>&c`)

	out := FormatXML(c)
	assert.True(t, strings.HasPrefix(out, `<field key="a&#34;&lt;b&gt;&amp;c" type="enum" narrow="project">`), out)

	_, configs, err := ParseXML(s, strings.NewReader(FormatDocument(3, []FieldConfig{c})))
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.True(t, c.Equal(configs[0]))
}

func TestCollectByKey(t *testing.T) {
	byKey, err := CollectByKey([]FieldConfig{enumConfig("a"), enumConfig("b")})
	require.NoError(t, err)
	assert.Len(t, byKey, 2)

	_, err = CollectByKey([]FieldConfig{enumConfig("a"), enumConfig("a")})
	require.ErrorIs(t, err, ErrDuplicateKey)

	_, err = CollectByKey([]FieldConfig{New(TypeKey, String("text"))})
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestMergeTypes(t *testing.T) {
	target := []FieldConfig{enumConfig("a"), enumConfig("b")}
	newB := enumConfig("b").WithString(testNarrow, "none")
	source := []FieldConfig{enumConfig("c"), newB}

	merged, rest := MergeTypes(target, source)
	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].Key())
	assert.True(t, merged[1].Equal(newB))
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].Key())
}

func TestCompareKeys(t *testing.T) {
	keys := []string{
		"com.atlassian.jira.plugin.system.customfieldtypes:select",
		"com.example:multiselect",
		"com.atlassian.jira.plugin.system.customfieldtypes:float",
		"org.other.select",
		"labels",
	}
	slices.SortFunc(keys, CompareKeys)
	assert.Equal(t, []string{
		"com.atlassian.jira.plugin.system.customfieldtypes:float",
		"labels",
		"com.example:multiselect",
		"com.atlassian.jira.plugin.system.customfieldtypes:select",
		"org.other.select",
	}, keys)

	ns, short := SplitKey("labels")
	assert.Equal(t, "", ns)
	assert.Equal(t, "labels", short)
}
