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
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrCorrupted is returned when encoded data fails its integrity check.
var ErrCorrupted = errors.New("encoded configuration corrupted (CRC mismatch)")

const codecVersion uint8 = 1

// wireEntry is the gob form of one key/value pair.
type wireEntry struct {
	Name string
	Kind uint8
	S    string
	B    bool
	I    int64
	M    []wireEntry
}

// wireDocument is the gob form of a configuration list with its header.
type wireDocument struct {
	Version uint8
	Header  []wireEntry
	Configs [][]wireEntry
}

// Document is a decoded configuration list. Header carries list-level
// keys such as RevisionKey.
type Document struct {
	Header  FieldConfig
	Configs []FieldConfig
}

// Encode serializes doc. Every config and the header must validate against
// schema. The output is a 4-byte big-endian CRC32 followed by the gob
// payload.
func Encode(schema *Schema, doc Document) ([]byte, error) {
	if err := schema.Validate(doc.Header); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	wire := wireDocument{
		Version: codecVersion,
		Header:  toWire(doc.Header),
		Configs: make([][]wireEntry, 0, len(doc.Configs)),
	}
	for i, c := range doc.Configs {
		if err := schema.Validate(c); err != nil {
			return nil, fmt.Errorf("config %d (%s): %w", i, c.Key(), err)
		}
		wire.Configs = append(wire.Configs, toWire(c))
	}

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&wire); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	out := make([]byte, 4, 4+payload.Len())
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(payload.Bytes()))
	return append(out, payload.Bytes()...), nil
}

// Decode is the inverse of Encode. Keys unknown to schema are errors.
func Decode(schema *Schema, data []byte) (Document, error) {
	if len(data) < 4 {
		return Document{}, fmt.Errorf("%w: %d bytes", ErrCorrupted, len(data))
	}
	want := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if crc32.ChecksumIEEE(payload) != want {
		return Document{}, ErrCorrupted
	}

	var wire wireDocument
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wire); err != nil {
		return Document{}, fmt.Errorf("gob decode: %w", err)
	}
	if wire.Version != codecVersion {
		return Document{}, fmt.Errorf("unsupported encoding version %d", wire.Version)
	}

	header, err := fromWire(schema, wire.Header)
	if err != nil {
		return Document{}, fmt.Errorf("header: %w", err)
	}
	doc := Document{Header: header, Configs: make([]FieldConfig, 0, len(wire.Configs))}
	for i, entries := range wire.Configs {
		c, err := fromWire(schema, entries)
		if err != nil {
			return Document{}, fmt.Errorf("config %d: %w", i, err)
		}
		doc.Configs = append(doc.Configs, c)
	}
	return doc, nil
}

func toWire(c FieldConfig) []wireEntry {
	names := c.Names()
	out := make([]wireEntry, 0, len(names))
	for _, n := range names {
		v, _ := c.Get(n)
		e := wireEntry{Name: n, Kind: uint8(v.kind)}
		switch v.kind {
		case KindString:
			e.S = v.s
		case KindBool:
			e.B = v.b
		case KindInt:
			e.I = v.i
		case KindMap:
			e.M = toWire(v.m)
		}
		out = append(out, e)
	}
	return out
}

func fromWire(schema *Schema, entries []wireEntry) (FieldConfig, error) {
	c := FieldConfig{values: make(map[string]Value, len(entries))}
	for _, e := range entries {
		k, ok := schema.Lookup(e.Name)
		if !ok {
			return FieldConfig{}, fmt.Errorf("%w: %q", ErrUnknownKey, e.Name)
		}
		if ValueKind(e.Kind) != k.Kind {
			return FieldConfig{}, fmt.Errorf("%w: %s holds %s", ErrKindMismatch, k, ValueKind(e.Kind))
		}
		var v Value
		switch k.Kind {
		case KindString:
			v = String(e.S)
		case KindBool:
			v = Bool(e.B)
		case KindInt:
			v = Int(e.I)
		case KindMap:
			sub, err := fromWire(schema.Sub(k.Name), e.M)
			if err != nil {
				return FieldConfig{}, fmt.Errorf("%s: %w", k.Name, err)
			}
			v = Map(sub)
		}
		c.values[k.Name] = v
	}
	return c, nil
}
