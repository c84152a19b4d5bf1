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
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMissingRevision is returned when a schema document lacks a revision.
var ErrMissingRevision = errors.New("schema document has no revision")

const (
	elemFields = "fields"
	elemField  = "field"
)

// xmlNode is a generic element: attributes plus child elements.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
}

// ParseXML reads a schema document:
//
//	<fields revision="2">
//	  <field key="..." type="enum" narrow="project">
//	    <editable editor="dropdown" upload="id"/>
//	  </field>
//	</fields>
//
// Attributes map to keys by name and are converted per the schema's kind.
// Child elements map to map keys. Unknown names are errors.
func ParseXML(schema *Schema, r io.Reader) (int64, []FieldConfig, error) {
	var root xmlNode
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return 0, nil, fmt.Errorf("parse schema xml: %w", err)
	}
	if root.XMLName.Local != elemFields {
		return 0, nil, fmt.Errorf("parse schema xml: root element is <%s>, want <%s>", root.XMLName.Local, elemFields)
	}

	revision, found := int64(0), false
	for _, a := range root.Attrs {
		if a.Name.Local != RevisionKey.Name {
			return 0, nil, fmt.Errorf("parse schema xml: %w: <%s %s>", ErrUnknownKey, elemFields, a.Name.Local)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(a.Value), 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("parse schema xml: revision %q: %w", a.Value, err)
		}
		revision, found = n, true
	}
	if !found {
		return 0, nil, ErrMissingRevision
	}

	configs := make([]FieldConfig, 0, len(root.Children))
	for i, child := range root.Children {
		if child.XMLName.Local != elemField {
			return 0, nil, fmt.Errorf("parse schema xml: unexpected <%s> at position %d", child.XMLName.Local, i)
		}
		c, err := nodeToConfig(schema, child)
		if err != nil {
			return 0, nil, fmt.Errorf("parse schema xml: field %d: %w", i, err)
		}
		configs = append(configs, c)
	}
	return revision, configs, nil
}

func nodeToConfig(schema *Schema, n xmlNode) (FieldConfig, error) {
	c := FieldConfig{values: make(map[string]Value, len(n.Attrs)+len(n.Children))}
	for _, a := range n.Attrs {
		k, ok := schema.Lookup(a.Name.Local)
		if !ok {
			return FieldConfig{}, fmt.Errorf("%w: attribute %q", ErrUnknownKey, a.Name.Local)
		}
		v, err := parseScalar(k, a.Value)
		if err != nil {
			return FieldConfig{}, err
		}
		c.values[k.Name] = v
	}
	for _, child := range n.Children {
		name := child.XMLName.Local
		k, ok := schema.Lookup(name)
		if !ok {
			return FieldConfig{}, fmt.Errorf("%w: element <%s>", ErrUnknownKey, name)
		}
		if k.Kind != KindMap {
			return FieldConfig{}, fmt.Errorf("%w: <%s> is %s, not a map", ErrKindMismatch, name, k.Kind)
		}
		if _, dup := c.values[name]; dup {
			return FieldConfig{}, fmt.Errorf("duplicate key %q", name)
		}
		sub, err := nodeToConfig(schema.Sub(name), child)
		if err != nil {
			return FieldConfig{}, fmt.Errorf("%s: %w", name, err)
		}
		c.values[name] = Map(sub)
	}
	return c, nil
}

func parseScalar(k Key, raw string) (Value, error) {
	switch k.Kind {
	case KindString:
		return String(raw), nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w", k.Name, err)
		}
		return Bool(b), nil
	case KindInt:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w", k.Name, err)
		}
		return Int(i), nil
	default:
		return Value{}, fmt.Errorf("%w: %s must be an element", ErrKindMismatch, k)
	}
}

// FormatXML renders c as a <field> element. The key and type attributes
// come first, then the rest in name order.
func FormatXML(c FieldConfig) string {
	var b bytes.Buffer
	writeElement(&b, elemField, c)
	return b.String()
}

// FormatDocument renders a complete schema document.
func FormatDocument(revision int64, configs []FieldConfig) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<%s %s=\"%d\">\n", elemFields, RevisionKey.Name, revision)
	for _, c := range configs {
		b.WriteString("  ")
		writeElement(&b, elemField, c)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "</%s>\n", elemFields)
	return b.String()
}

func writeElement(b *bytes.Buffer, name string, c FieldConfig) {
	b.WriteByte('<')
	b.WriteString(name)

	var children []string
	for _, n := range attrOrder(c) {
		v, _ := c.Get(n)
		if v.kind == KindMap {
			children = append(children, n)
			continue
		}
		b.WriteByte(' ')
		b.WriteString(n)
		b.WriteString(`="`)
		_ = xml.EscapeText(b, []byte(scalarText(v)))
		b.WriteByte('"')
	}
	if len(children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	for _, n := range children {
		m, _ := c.GetMap(MapKey(n))
		writeElement(b, n, m)
	}
	b.WriteString("</")
	b.WriteString(name)
	b.WriteByte('>')
}

func attrOrder(c FieldConfig) []string {
	names := c.Names()
	order := make([]string, 0, len(names))
	for _, first := range []string{KeyKey.Name, TypeKey.Name} {
		if _, ok := c.Get(first); ok {
			order = append(order, first)
		}
	}
	for _, n := range names {
		if n != KeyKey.Name && n != TypeKey.Name {
			order = append(order, n)
		}
	}
	return order
}

func scalarText(v Value) string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return ""
	}
}
