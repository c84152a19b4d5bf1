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
	"errors"
	"strings"
)

var (
	// ErrNoActual is wrapped when the committed schema is missing or
	// unreadable during prepare. It indicates an inconsistent store.
	ErrNoActual = errors.New("no committed field schema")

	// ErrIncompatible is wrapped when a change would reshape live
	// editable fields.
	ErrIncompatible = errors.New("incompatible change to live editable field")

	// ErrStaleRevision is wrapped when a request carries a revision older
	// than the committed one.
	ErrStaleRevision = errors.New("requested revision is older than the committed schema")
)

// Problem explains why a migration attempt was aborted. Message is
// human-readable and names the affected fields.
type Problem struct {
	Message string
	// Fields lists display names of the live fields involved, if any.
	Fields []string
	Err    error
}

func (p *Problem) Error() string {
	var b strings.Builder
	b.WriteString(p.Message)
	if len(p.Fields) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(p.Fields, ", "))
	}
	if p.Err != nil {
		b.WriteString(" (")
		b.WriteString(p.Err.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (p *Problem) Unwrap() error { return p.Err }

// AsProblem returns err as a *Problem, wrapping it if needed.
func AsProblem(err error) *Problem {
	if err == nil {
		return nil
	}
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return &Problem{Message: "field schema migration failed", Err: err}
}
