// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package itemstore

import (
	"encoding/binary"
	"fmt"
)

// GetString reads a UTF-8 attribute.
func GetString(r Reader, item Item, attr string) (string, bool, error) {
	raw, ok, err := r.Get(item, attr)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// SetString writes a UTF-8 attribute.
func SetString(w Writer, item Item, attr, value string) error {
	return w.Set(item, attr, []byte(value))
}

// GetInt reads an attribute written by SetInt.
func GetInt(r Reader, item Item, attr string) (int64, bool, error) {
	raw, ok, err := r.Get(item, attr)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("attribute %s on %s: want 8 bytes, got %d", attr, item, len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), true, nil
}

// SetInt writes a fixed-width big-endian int64 attribute.
func SetInt(w Writer, item Item, attr string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return w.Set(item, attr, buf)
}

// EncodeInt returns the stored form of an int attribute, for Query.
func EncodeInt(value int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return buf
}

// GetBool reads a boolean attribute. Unset reads as false.
func GetBool(r Reader, item Item, attr string) (bool, error) {
	raw, ok, err := r.Get(item, attr)
	if err != nil || !ok {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

// SetBool writes a boolean attribute.
func SetBool(w Writer, item Item, attr string, value bool) error {
	b := byte(0)
	if value {
		b = 1
	}
	return w.Set(item, attr, []byte{b})
}

// GetItem reads an item reference attribute.
func GetItem(r Reader, item Item, attr string) (Item, bool, error) {
	n, ok, err := GetInt(r, item, attr)
	return Item(n), ok, err
}

// SetItem writes an item reference attribute.
func SetItem(w Writer, item Item, attr string, ref Item) error {
	return SetInt(w, item, attr, int64(ref))
}
