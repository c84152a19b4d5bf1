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
	"slices"

	"github.com/AleutianAI/fieldschema/services/fields/compat"
	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
)

// Canonical type names.
const (
	TypeSingleEnum  = "enum"
	TypeMultiEnum   = "multiEnum"
	TypeLabels      = "labels"
	TypeCascade     = "cascade"
	TypeText        = "text"
	TypeDecimal     = "decimal"
	TypeDate        = "date"
	TypeUnsupported = "unsupported"
)

// Upload encodings.
const (
	UploadID    = "id"
	UploadName  = "name"
	UploadValue = "value"
)

// Narrowing rules.
const (
	NarrowNone             = "none"
	NarrowProject          = "project"
	NarrowIssueType        = "issueType"
	NarrowProjectIssueType = "projectIssueType"
)

// MaxPrecision bounds PrecisionKey.
const MaxPrecision = 18

// FieldType is a factory for one family of FieldKinds.
type FieldType interface {
	// Name returns the canonical TYPE value.
	Name() string

	// Aliases returns other TYPE values accepted for this type.
	Aliases() []string

	// Register adds the type's keys to schema and their checkers to rules.
	Register(schema *fieldconfig.Schema, rules *compat.Rules) error

	// CreateKind compiles cfg. Failures are *CreateProblem.
	CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error)
}

// keyRule pairs a configuration key with its compatibility checker.
type keyRule struct {
	key     fieldconfig.Key
	checker compat.Checker
}

func registerRules(schema *fieldconfig.Schema, rules *compat.Rules, krs ...keyRule) error {
	for _, kr := range krs {
		if err := schema.Register(kr.key); err != nil {
			return err
		}
		rules.Register(kr.key, kr.checker)
	}
	return nil
}

// base carries what every kind shares.
type base struct {
	typeName string
	cfg      fieldconfig.FieldConfig
	editable bool
	editor   Editor
}

func (b *base) TypeName() string                { return b.typeName }
func (b *base) Config() fieldconfig.FieldConfig { return b.cfg }
func (b *base) Editable() bool                  { return b.editable }
func (b *base) sealed()                         {}

func (b *base) Editor(FieldInfo) (Editor, bool) {
	if !b.editable {
		return Editor{}, false
	}
	return b.editor, true
}

// newBase reads the editable block. allowed lists the upload encodings
// the type supports; the first is the default.
func newBase(typeName string, cfg fieldconfig.FieldConfig, defaultWidget string, allowed ...string) (base, error) {
	b := base{typeName: typeName, cfg: cfg}
	ed, ok := cfg.Editable()
	if !ok {
		return b, nil
	}
	upload := ed.GetString(fieldconfig.UploadKey)
	if upload == "" {
		upload = allowed[0]
	}
	if !slices.Contains(allowed, upload) {
		return base{}, problem(cfg, "upload encoding %q not supported, want one of %v", upload, allowed)
	}
	widget := ed.GetString(fieldconfig.EditorKey)
	if widget == "" {
		widget = defaultWidget
	}
	b.editable = true
	b.editor = Editor{Widget: widget, Upload: upload}
	return b, nil
}

// ----------------------------------------------------------------------------
// Enumerations
// ----------------------------------------------------------------------------

// enumBase is shared by the option-backed kinds.
type enumBase struct {
	base
	narrow string
	prefix string
}

func newEnumBase(typeName string, cfg fieldconfig.FieldConfig, widget string, allowed ...string) (enumBase, error) {
	b, err := newBase(typeName, cfg, widget, allowed...)
	if err != nil {
		return enumBase{}, err
	}
	narrow := cfg.GetString(NarrowKey)
	switch narrow {
	case "":
		narrow = NarrowNone
	case NarrowNone, NarrowProject, NarrowIssueType, NarrowProjectIssueType:
	default:
		return enumBase{}, problem(cfg, "unknown narrowing rule %q", narrow)
	}
	prefix := cfg.GetString(PrefixKey)
	if prefix == "" {
		prefix = typeName
	}
	return enumBase{base: b, narrow: narrow, prefix: prefix}, nil
}

// Narrow returns the option applicability rule.
func (e *enumBase) Narrow() string { return e.narrow }

// Prefix returns the option identity prefix.
func (e *enumBase) Prefix() string { return e.prefix }

// SingleEnumKind is a single-select option field.
type SingleEnumKind struct{ enumBase }

// MultiEnumKind is a multi-select option field.
type MultiEnumKind struct{ enumBase }

// LabelsKind is a free-form label set.
type LabelsKind struct {
	enumBase
	separator string
}

// Separator returns the label separator.
func (l *LabelsKind) Separator() string { return l.separator }

// CascadeKind is a two-level option field.
type CascadeKind struct{ enumBase }

var enumKeys = []keyRule{
	{NarrowKey, compat.Always},
	{PrefixKey, compat.Never},
}

type singleEnumType struct{}

// SingleEnum returns the single-select option type.
func SingleEnum() FieldType { return singleEnumType{} }

func (singleEnumType) Name() string      { return TypeSingleEnum }
func (singleEnumType) Aliases() []string { return nil }
func (singleEnumType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, enumKeys...)
}
func (singleEnumType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	e, err := newEnumBase(TypeSingleEnum, cfg, "dropdown", UploadID, UploadName)
	if err != nil {
		return nil, err
	}
	return &SingleEnumKind{e}, nil
}

type multiEnumType struct{}

// MultiEnum returns the multi-select option type.
func MultiEnum() FieldType { return multiEnumType{} }

func (multiEnumType) Name() string      { return TypeMultiEnum }
func (multiEnumType) Aliases() []string { return nil }
func (multiEnumType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, enumKeys...)
}
func (multiEnumType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	e, err := newEnumBase(TypeMultiEnum, cfg, "checkboxes", UploadID, UploadName)
	if err != nil {
		return nil, err
	}
	return &MultiEnumKind{e}, nil
}

type labelsType struct{}

// Labels returns the label set type.
func Labels() FieldType { return labelsType{} }

func (labelsType) Name() string      { return TypeLabels }
func (labelsType) Aliases() []string { return []string{"labelsEnum"} }
func (labelsType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, keyRule{PrefixKey, compat.Never}, keyRule{SeparatorKey, compat.Always})
}
func (labelsType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	if cfg.Has(NarrowKey) {
		return nil, problem(cfg, "labels cannot be narrowed")
	}
	e, err := newEnumBase(TypeLabels, cfg, "labels", UploadName)
	if err != nil {
		return nil, err
	}
	sep := cfg.GetString(SeparatorKey)
	if sep == "" {
		sep = " "
	}
	return &LabelsKind{enumBase: e, separator: sep}, nil
}

type cascadeType struct{}

// Cascade returns the two-level option type.
func Cascade() FieldType { return cascadeType{} }

func (cascadeType) Name() string      { return TypeCascade }
func (cascadeType) Aliases() []string { return []string{"cascadingEnum"} }
func (cascadeType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, enumKeys...)
}
func (cascadeType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	e, err := newEnumBase(TypeCascade, cfg, "cascade", UploadID)
	if err != nil {
		return nil, err
	}
	return &CascadeKind{e}, nil
}

// ----------------------------------------------------------------------------
// Scalars
// ----------------------------------------------------------------------------

// TextKind is a string field.
type TextKind struct {
	base
	multiline bool
}

// Multiline reports whether the editor spans several lines.
func (t *TextKind) Multiline() bool { return t.multiline }

// DecimalKind is a number field.
type DecimalKind struct {
	base
	precision int
}

// Precision returns the number of decimal places.
func (d *DecimalKind) Precision() int { return d.precision }

// DateKind is a date or date-time field.
type DateKind struct {
	base
	withTime bool
}

// WithTime reports whether a time of day is stored.
func (d *DateKind) WithTime() bool { return d.withTime }

// UnsupportedKind is the read-only fallback for remote types with no
// client support.
type UnsupportedKind struct{ base }

type textType struct{}

// Text returns the string type.
func Text() FieldType { return textType{} }

func (textType) Name() string      { return TypeText }
func (textType) Aliases() []string { return nil }
func (textType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, keyRule{MultilineKey, compat.Always})
}
func (textType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	multiline := cfg.GetBool(MultilineKey)
	widget := "textfield"
	if multiline {
		widget = "textarea"
	}
	b, err := newBase(TypeText, cfg, widget, UploadValue)
	if err != nil {
		return nil, err
	}
	return &TextKind{base: b, multiline: multiline}, nil
}

type decimalType struct{}

// Decimal returns the number type.
func Decimal() FieldType { return decimalType{} }

func (decimalType) Name() string      { return TypeDecimal }
func (decimalType) Aliases() []string { return nil }
func (decimalType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, keyRule{PrecisionKey, compat.Always})
}
func (decimalType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	precision := int64(2)
	if p, ok := cfg.GetInt(PrecisionKey); ok {
		precision = p
	}
	if precision < 0 || precision > MaxPrecision {
		return nil, problem(cfg, "precision %d outside 0..%d", precision, MaxPrecision)
	}
	b, err := newBase(TypeDecimal, cfg, "number", UploadValue)
	if err != nil {
		return nil, err
	}
	return &DecimalKind{base: b, precision: int(precision)}, nil
}

type dateType struct{}

// Date returns the date type.
func Date() FieldType { return dateType{} }

func (dateType) Name() string      { return TypeDate }
func (dateType) Aliases() []string { return nil }
func (dateType) Register(s *fieldconfig.Schema, r *compat.Rules) error {
	return registerRules(s, r, keyRule{WithTimeKey, compat.Never})
}
func (dateType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	withTime := cfg.GetBool(WithTimeKey)
	widget := "datepicker"
	if withTime {
		widget = "datetimepicker"
	}
	b, err := newBase(TypeDate, cfg, widget, UploadValue)
	if err != nil {
		return nil, err
	}
	return &DateKind{base: b, withTime: withTime}, nil
}

type unsupportedType struct{}

// Unsupported returns the read-only fallback type.
func Unsupported() FieldType { return unsupportedType{} }

func (unsupportedType) Name() string      { return TypeUnsupported }
func (unsupportedType) Aliases() []string { return nil }
func (unsupportedType) Register(*fieldconfig.Schema, *compat.Rules) error {
	return nil
}
func (unsupportedType) CreateKind(cfg fieldconfig.FieldConfig) (FieldKind, error) {
	if _, ok := cfg.Editable(); ok {
		return nil, problem(cfg, "unsupported fields cannot be editable")
	}
	return &UnsupportedKind{base{typeName: TypeUnsupported, cfg: cfg}}, nil
}
