// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sexp parses and encodes S-expressions as used for public keys by
// the card daemon. Both the canonical form ("(10:public-key(3:rsa...") and
// the advanced, human-readable form are accepted on input; output is always
// canonical.
package sexp

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrSyntax is wrapped by all parsing errors.
var ErrSyntax = errors.New("malformed S-expression")

// Sexp is an S-expression: either an atom or a list.
type Sexp struct {
	Atom   []byte
	List   []*Sexp
	IsList bool
}

// NewAtom creates an atom.
func NewAtom(b []byte) *Sexp { return &Sexp{Atom: b} }

// NewList creates a list of the given items.
func NewList(items ...*Sexp) *Sexp { return &Sexp{List: items, IsList: true} }

// Name returns the first item of a list if it is an atom, e.g. "public-key"
// for (public-key ...).
func (s *Sexp) Name() string {
	if s == nil || !s.IsList || len(s.List) == 0 || s.List[0].IsList {
		return ""
	}
	return string(s.List[0].Atom)
}

// Find returns the first sublist, searched depth-first, whose name is name.
func (s *Sexp) Find(name string) *Sexp {
	if s == nil || !s.IsList {
		return nil
	}
	if s.Name() == name {
		return s
	}
	for _, item := range s.List {
		if found := item.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Value returns the atom following the name of a (name value) list.
func (s *Sexp) Value() []byte {
	if s == nil || !s.IsList || len(s.List) < 2 || s.List[1].IsList {
		return nil
	}
	return s.List[1].Atom
}

// Canonical returns the canonical encoding of s.
func (s *Sexp) Canonical() []byte {
	var buf bytes.Buffer
	s.appendCanonical(&buf)
	return buf.Bytes()
}

func (s *Sexp) appendCanonical(buf *bytes.Buffer) {
	if !s.IsList {
		buf.WriteString(strconv.Itoa(len(s.Atom)))
		buf.WriteByte(':')
		buf.Write(s.Atom)
		return
	}
	buf.WriteByte('(')
	for _, item := range s.List {
		item.appendCanonical(buf)
	}
	buf.WriteByte(')')
}

// String implements fmt.Stringer with the canonical encoding.
func (s *Sexp) String() string { return string(s.Canonical()) }
