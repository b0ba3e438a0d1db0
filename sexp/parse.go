// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sexp

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
)

// maxDepth bounds nesting to keep recursion on untrusted input in check.
const maxDepth = 32

// Parse parses a single S-expression in canonical, advanced or transport
// ({base64}) form. Trailing whitespace (and, for the canonical form, trailing
// NUL bytes) is permitted; any other trailing data is an error.
func Parse(b []byte) (*Sexp, error) {
	if t := bytes.TrimSpace(b); len(t) > 0 && t[0] == '{' {
		if t[len(t)-1] != '}' {
			return nil, fmt.Errorf("%w: unterminated transport encoding", ErrSyntax)
		}
		dec, err := base64.StdEncoding.DecodeString(string(stripSpace(t[1 : len(t)-1])))
		if err != nil {
			return nil, fmt.Errorf("%w: transport encoding: %w", ErrSyntax, err)
		}
		return parse(dec)
	}
	return parse(b)
}

func parse(b []byte) (*Sexp, error) {
	p := &parser{buf: b}
	p.skipSpace()
	s, err := p.parse(0)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	for p.pos < len(p.buf) && p.buf[p.pos] == 0 {
		p.pos++
	}
	if p.pos != len(p.buf) {
		return nil, fmt.Errorf("%w: trailing data at offset %d", ErrSyntax, p.pos)
	}
	return s, nil
}

type parser struct {
	buf []byte
	pos int
}

func (p *parser) errorf(format string, a ...any) error {
	return fmt.Errorf("%w: offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, a...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.buf) && isSpace(p.buf[p.pos]) {
		p.pos++
	}
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == '\v' }

func isTokenChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || bytes.IndexByte([]byte("-./_:*+="), c) >= 0
}

func (p *parser) parse(depth int) (*Sexp, error) {
	if depth > maxDepth {
		return nil, p.errorf("nesting too deep")
	}
	if p.pos >= len(p.buf) {
		return nil, p.errorf("unexpected end of input")
	}

	switch c := p.buf[p.pos]; {
	case c == '(':
		p.pos++
		list := NewList()
		for {
			p.skipSpace()
			if p.pos >= len(p.buf) {
				return nil, p.errorf("unterminated list")
			}
			if p.buf[p.pos] == ')' {
				p.pos++
				return list, nil
			}
			item, err := p.parse(depth + 1)
			if err != nil {
				return nil, err
			}
			list.List = append(list.List, item)
		}

	case c >= '0' && c <= '9':
		return p.parseLengthPrefixed()

	case c == '"':
		return p.parseQuoted()

	case c == '#':
		return p.parseDelimited('#', func(b []byte) ([]byte, error) {
			return hex.DecodeString(string(stripSpace(b)))
		})

	case c == '|':
		return p.parseDelimited('|', func(b []byte) ([]byte, error) {
			return base64.StdEncoding.DecodeString(string(stripSpace(b)))
		})

	case isTokenChar(c):
		start := p.pos
		for p.pos < len(p.buf) && isTokenChar(p.buf[p.pos]) {
			p.pos++
		}
		return NewAtom(append([]byte(nil), p.buf[start:p.pos]...)), nil
	}

	return nil, p.errorf("unexpected character %q", p.buf[p.pos])
}

// parseLengthPrefixed parses "<n>:<bytes>". A token starting with a digit but
// not followed by a colon is parsed as a plain token.
func (p *parser) parseLengthPrefixed() (*Sexp, error) {
	start := p.pos
	for p.pos < len(p.buf) && p.buf[p.pos] >= '0' && p.buf[p.pos] <= '9' {
		p.pos++
	}
	if p.pos >= len(p.buf) || p.buf[p.pos] != ':' {
		for p.pos < len(p.buf) && isTokenChar(p.buf[p.pos]) {
			p.pos++
		}
		return NewAtom(append([]byte(nil), p.buf[start:p.pos]...)), nil
	}

	n, err := strconv.Atoi(string(p.buf[start:p.pos]))
	if err != nil || n > len(p.buf) {
		return nil, p.errorf("invalid length %q", p.buf[start:p.pos])
	}
	if len(p.buf[start:p.pos]) > 1 && p.buf[start] == '0' {
		return nil, p.errorf("length with leading zero")
	}
	p.pos++ // colon
	if len(p.buf)-p.pos < n {
		return nil, p.errorf("atom of length %d exceeds input", n)
	}
	atom := append([]byte(nil), p.buf[p.pos:p.pos+n]...)
	p.pos += n
	return NewAtom(atom), nil
}

func (p *parser) parseQuoted() (*Sexp, error) {
	p.pos++ // opening quote
	var out []byte
	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		p.pos++
		switch c {
		case '"':
			return NewAtom(out), nil
		case '\\':
			if p.pos >= len(p.buf) {
				return nil, p.errorf("unterminated escape")
			}
			e := p.buf[p.pos]
			p.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case '"', '\\', '\'':
				out = append(out, e)
			case 'x':
				if len(p.buf)-p.pos < 2 {
					return nil, p.errorf("truncated hex escape")
				}
				v, err := hex.DecodeString(string(p.buf[p.pos : p.pos+2]))
				if err != nil {
					return nil, p.errorf("invalid hex escape")
				}
				out = append(out, v...)
				p.pos += 2
			default:
				return nil, p.errorf("unknown escape \\%c", e)
			}
		default:
			out = append(out, c)
		}
	}
	return nil, p.errorf("unterminated string")
}

func (p *parser) parseDelimited(delim byte, decode func([]byte) ([]byte, error)) (*Sexp, error) {
	p.pos++
	end := bytes.IndexByte(p.buf[p.pos:], delim)
	if end < 0 {
		return nil, p.errorf("unterminated %c-delimited atom", delim)
	}
	atom, err := decode(p.buf[p.pos : p.pos+end])
	if err != nil {
		return nil, p.errorf("invalid %c-delimited atom: %v", delim, err)
	}
	p.pos += end + 1
	return NewAtom(atom), nil
}

func stripSpace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if !isSpace(c) {
			out = append(out, c)
		}
	}
	return out
}
