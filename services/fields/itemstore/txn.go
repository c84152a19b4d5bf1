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
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Item is an opaque handle to an entity in the store. The zero value is
// never allocated.
type Item int64

// NoItem is the zero item.
const NoItem Item = 0

// String renders the item as "#<n>".
func (i Item) String() string {
	return "#" + strconv.FormatInt(int64(i), 10)
}

// Reader is the read capability of a transaction.
type Reader interface {
	// Get returns the raw value of attr on item and whether it is set.
	Get(item Item, attr string) ([]byte, bool, error)

	// Attributes returns the names of all attributes set on item, sorted.
	Attributes(item Item) ([]string, error)

	// Query returns the items whose attr equals value, in ascending order.
	Query(attr string, value []byte) ([]Item, error)

	// QueryAttr returns the items that have attr set, in ascending order.
	QueryAttr(attr string) ([]Item, error)

	// Identity returns the materialized item for descriptor.
	Identity(descriptor string) (Item, bool, error)

	// Property returns a store-wide named blob.
	Property(name string) ([]byte, bool, error)
}

// Writer is the read-write capability of a transaction.
type Writer interface {
	Reader

	// Set writes attr on item and updates the value index.
	Set(item Item, attr string, value []byte) error

	// Clear removes attr from item. Clearing an unset attribute is a no-op.
	Clear(item Item, attr string) error

	// NewItem allocates a fresh item.
	NewItem() (Item, error)

	// RequestIdentity returns the item for descriptor, allocating one if
	// none exists. A newly allocated identity is not returned by Identity
	// until ForceMaterialize runs.
	RequestIdentity(descriptor string) (Item, error)

	// ForceMaterialize publishes every requested identity and reports how
	// many were published. Write calls it before commit.
	ForceMaterialize() (int, error)

	// SetProperty overwrites a store-wide named blob.
	SetProperty(name string, value []byte) error
}

// Key layout:
//
//	a/<item>/<attr>              attribute value
//	i/<attr>/<hex value>/<item>  value index (empty value)
//	x/<descriptor>               identity -> item
//	p/<name>                     property blob
//	s/item                       last allocated item
const (
	prefixAttr     = "a/"
	prefixIndex    = "i/"
	prefixIdentity = "x/"
	prefixProperty = "p/"
	keyItemSeq     = "s/item"

	itemWidth = 16
)

func itemHex(item Item) string {
	return fmt.Sprintf("%0*x", itemWidth, uint64(item))
}

func attrKey(item Item, attr string) []byte {
	return []byte(prefixAttr + itemHex(item) + "/" + attr)
}

func attrPrefix(item Item) []byte {
	return []byte(prefixAttr + itemHex(item) + "/")
}

func indexPrefix(attr string, value []byte) []byte {
	return []byte(prefixIndex + attr + "/" + hex.EncodeToString(value) + "/")
}

func indexKey(attr string, value []byte, item Item) []byte {
	return append(indexPrefix(attr, value), itemHex(item)...)
}

func parseItemSuffix(key []byte) (Item, error) {
	if len(key) < itemWidth {
		return NoItem, fmt.Errorf("short index key %q", key)
	}
	n, err := strconv.ParseUint(string(key[len(key)-itemWidth:]), 16, 64)
	if err != nil {
		return NoItem, fmt.Errorf("parse index key %q: %w", key, err)
	}
	return Item(n), nil
}

func checkAttr(attr string) error {
	if attr == "" || strings.ContainsRune(attr, '/') {
		return fmt.Errorf("%w: %q", ErrInvalidAttribute, attr)
	}
	return nil
}

var errReadOnly = errors.New("write on read-only transaction")

// txn implements Writer over a badger transaction. Read-only transactions
// reject every mutating call.
type txn struct {
	btx       *badger.Txn
	writable  bool
	requested map[string]Item
}

func (t *txn) get(key []byte) ([]byte, bool, error) {
	it, err := t.btx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := it.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	if val == nil {
		val = []byte{}
	}
	return val, true, nil
}

func (t *txn) Get(item Item, attr string) ([]byte, bool, error) {
	if err := checkAttr(attr); err != nil {
		return nil, false, err
	}
	return t.get(attrKey(item, attr))
}

func (t *txn) Attributes(item Item) ([]string, error) {
	prefix := attrPrefix(item)
	keys, err := t.scanKeys(prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, string(k[len(prefix):]))
	}
	sort.Strings(names)
	return names, nil
}

func (t *txn) Query(attr string, value []byte) ([]Item, error) {
	if err := checkAttr(attr); err != nil {
		return nil, err
	}
	return t.scanItems(indexPrefix(attr, value))
}

func (t *txn) QueryAttr(attr string) ([]Item, error) {
	if err := checkAttr(attr); err != nil {
		return nil, err
	}
	return t.scanItems([]byte(prefixIndex + attr + "/"))
}

func (t *txn) scanKeys(prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	iter := t.btx.NewIterator(opts)
	defer iter.Close()

	var keys [][]byte
	for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
		keys = append(keys, iter.Item().KeyCopy(nil))
	}
	return keys, nil
}

func (t *txn) scanItems(prefix []byte) ([]Item, error) {
	keys, err := t.scanKeys(prefix)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		item, err := parseItemSuffix(k)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return dedupe(items), nil
}

func dedupe(items []Item) []Item {
	if len(items) < 2 {
		return items
	}
	out := items[:1]
	for _, it := range items[1:] {
		if it != out[len(out)-1] {
			out = append(out, it)
		}
	}
	return out
}

func (t *txn) Identity(descriptor string) (Item, bool, error) {
	raw, ok, err := t.get([]byte(prefixIdentity + descriptor))
	if err != nil || !ok {
		return NoItem, false, err
	}
	if len(raw) != 8 {
		return NoItem, false, fmt.Errorf("identity %q: corrupt value", descriptor)
	}
	return Item(binary.BigEndian.Uint64(raw)), true, nil
}

func (t *txn) Property(name string) ([]byte, bool, error) {
	return t.get([]byte(prefixProperty + name))
}

func (t *txn) Set(item Item, attr string, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	if item == NoItem {
		return ErrNoItem
	}
	old, had, err := t.Get(item, attr)
	if err != nil {
		return err
	}
	if had {
		if bytes.Equal(old, value) {
			return nil
		}
		if err := t.btx.Delete(indexKey(attr, old, item)); err != nil {
			return err
		}
	}
	if err := t.btx.Set(attrKey(item, attr), value); err != nil {
		return err
	}
	return t.btx.Set(indexKey(attr, value, item), nil)
}

func (t *txn) Clear(item Item, attr string) error {
	if !t.writable {
		return errReadOnly
	}
	old, had, err := t.Get(item, attr)
	if err != nil || !had {
		return err
	}
	if err := t.btx.Delete(indexKey(attr, old, item)); err != nil {
		return err
	}
	return t.btx.Delete(attrKey(item, attr))
}

func (t *txn) NewItem() (Item, error) {
	if !t.writable {
		return NoItem, errReadOnly
	}
	raw, ok, err := t.get([]byte(keyItemSeq))
	if err != nil {
		return NoItem, err
	}
	var last uint64
	if ok && len(raw) == 8 {
		last = binary.BigEndian.Uint64(raw)
	}
	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := t.btx.Set([]byte(keyItemSeq), buf); err != nil {
		return NoItem, err
	}
	return Item(next), nil
}

func (t *txn) RequestIdentity(descriptor string) (Item, error) {
	if !t.writable {
		return NoItem, errReadOnly
	}
	if descriptor == "" {
		return NoItem, errors.New("empty identity descriptor")
	}
	if item, ok := t.requested[descriptor]; ok {
		return item, nil
	}
	if item, ok, err := t.Identity(descriptor); err != nil || ok {
		return item, err
	}
	item, err := t.NewItem()
	if err != nil {
		return NoItem, err
	}
	if t.requested == nil {
		t.requested = make(map[string]Item)
	}
	t.requested[descriptor] = item
	return item, nil
}

func (t *txn) ForceMaterialize() (int, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	n := len(t.requested)
	for descriptor, item := range t.requested {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(item))
		if err := t.btx.Set([]byte(prefixIdentity+descriptor), buf); err != nil {
			return 0, err
		}
	}
	t.requested = nil
	return n, nil
}

func (t *txn) SetProperty(name string, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	if name == "" {
		return errors.New("empty property name")
	}
	return t.btx.Set([]byte(prefixProperty+name), value)
}
