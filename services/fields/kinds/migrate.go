// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kinds

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
)

// ValueAttribute returns the name of the attribute holding a field's
// values for the given storage class.
func ValueAttribute(f FieldInfo, class string) string {
	return fmt.Sprintf("cf.%d.%s.%s", int64(f.Connection), class, f.ID)
}

// EnumTypeDescriptor returns the identity descriptor of a field's option
// type.
func EnumTypeDescriptor(f FieldInfo, prefix string) string {
	return fmt.Sprintf("enumType/%d/%s/%s", int64(f.Connection), prefix, f.ID)
}

// writeCommon updates the attributes every kind owns. Display name,
// remote id and connection are never touched.
func writeCommon(w itemstore.Writer, f FieldInfo, b *base, attribute string) error {
	if err := itemstore.SetString(w, f.Item, AttrAttribute, attribute); err != nil {
		return err
	}
	if err := itemstore.SetString(w, f.Item, AttrKind, b.typeName); err != nil {
		return err
	}
	return itemstore.SetBool(w, f.Item, AttrEditable, b.editable)
}

func migrateScalar(w itemstore.Writer, f FieldInfo, b *base, class string) error {
	if err := writeCommon(w, f, b, ValueAttribute(f, class)); err != nil {
		return fmt.Errorf("migrate %s: %w", f.DisplayName(), err)
	}
	if err := w.Clear(f.Item, AttrEnumType); err != nil {
		return fmt.Errorf("migrate %s: %w", f.DisplayName(), err)
	}
	return nil
}

// migrateEnum points the field at its option type, requesting the type
// identity when it does not exist yet.
func migrateEnum(w itemstore.Writer, f FieldInfo, e *enumBase) error {
	if err := writeCommon(w, f, &e.base, ValueAttribute(f, e.prefix)); err != nil {
		return fmt.Errorf("migrate %s: %w", f.DisplayName(), err)
	}
	enumType, err := w.RequestIdentity(EnumTypeDescriptor(f, e.prefix))
	if err != nil {
		return fmt.Errorf("migrate %s: enum type: %w", f.DisplayName(), err)
	}
	if err := itemstore.SetItem(w, f.Item, AttrEnumType, enumType); err != nil {
		return fmt.Errorf("migrate %s: %w", f.DisplayName(), err)
	}
	return nil
}

// MigrateField implements FieldKind.
func (k *SingleEnumKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateEnum(w, f, &k.enumBase)
}

// MigrateField implements FieldKind.
func (k *MultiEnumKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateEnum(w, f, &k.enumBase)
}

// MigrateField implements FieldKind.
func (k *LabelsKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateEnum(w, f, &k.enumBase)
}

// MigrateField implements FieldKind. Cascade options share one tree type
// per field.
func (k *CascadeKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateEnum(w, f, &k.enumBase)
}

// MigrateField implements FieldKind.
func (k *TextKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateScalar(w, f, &k.base, "text")
}

// MigrateField implements FieldKind.
func (k *DecimalKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateScalar(w, f, &k.base, "decimal")
}

// MigrateField implements FieldKind.
func (k *DateKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	class := "date"
	if k.withTime {
		class = "datetime"
	}
	return migrateScalar(w, f, &k.base, class)
}

// MigrateField implements FieldKind.
func (k *UnsupportedKind) MigrateField(w itemstore.Writer, f FieldInfo) error {
	return migrateScalar(w, f, &k.base, "raw")
}

// jqlField converts a remote id such as "customfield_10010" into
// "cf[10010]".
func jqlField(f FieldInfo) string {
	if n, ok := strings.CutPrefix(f.ID, "customfield_"); ok {
		return "cf[" + n + "]"
	}
	return f.ID
}

var (
	enumOperators    = []string{"=", "!=", "in", "not in", "is", "is not"}
	textOperators    = []string{"~", "!~", "is", "is not"}
	orderedOperators = []string{"=", "!=", ">", ">=", "<", "<=", "in", "not in", "is", "is not"}
)

func search(f FieldInfo, ops []string) (Search, bool) {
	return Search{Field: jqlField(f), Operators: append([]string(nil), ops...)}, true
}

// JQLSearch implements FieldKind.
func (k *SingleEnumKind) JQLSearch(f FieldInfo) (Search, bool) { return search(f, enumOperators) }

// JQLSearch implements FieldKind.
func (k *MultiEnumKind) JQLSearch(f FieldInfo) (Search, bool) { return search(f, enumOperators) }

// JQLSearch implements FieldKind.
func (k *LabelsKind) JQLSearch(f FieldInfo) (Search, bool) { return search(f, enumOperators) }

// JQLSearch implements FieldKind.
func (k *CascadeKind) JQLSearch(f FieldInfo) (Search, bool) {
	return search(f, []string{"in", "not in", "is", "is not"})
}

// JQLSearch implements FieldKind.
func (k *TextKind) JQLSearch(f FieldInfo) (Search, bool) { return search(f, textOperators) }

// JQLSearch implements FieldKind.
func (k *DecimalKind) JQLSearch(f FieldInfo) (Search, bool) { return search(f, orderedOperators) }

// JQLSearch implements FieldKind.
func (k *DateKind) JQLSearch(f FieldInfo) (Search, bool) { return search(f, orderedOperators) }

// JQLSearch implements FieldKind. Unsupported fields are not searchable.
func (k *UnsupportedKind) JQLSearch(FieldInfo) (Search, bool) { return Search{}, false }
