// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package assuan

import "fmt"

const hexDigits = "0123456789ABCDEF"

// Escape percent-encodes p so that it can be placed on a single protocol
// line. Percent, plus, control characters and non-ASCII bytes are written as
// %XX, so the result is valid input for both Unescape and UnescapePlus.
func Escape(p []byte) []byte { return AppendEscape(nil, p) }

// AppendEscape appends the escaped form of p to dst.
func AppendEscape(dst, p []byte) []byte {
	for _, b := range p {
		if needsEscape(b) {
			dst = append(dst, '%', hexDigits[b>>4], hexDigits[b&0x0f])
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

func needsEscape(b byte) bool {
	return b < 0x20 || b >= 0x7f || b == '%' || b == '+'
}

// escapedLen returns the number of bytes b occupies once escaped.
func escapedLen(b byte) int {
	if needsEscape(b) {
		return 3
	}
	return 1
}

// Unescape decodes %XX sequences. It is used for data lines, where a plus
// sign is a literal byte.
func Unescape(p []byte) ([]byte, error) { return unescape(p, false) }

// UnescapePlus decodes %XX sequences and maps '+' to a space. It is used for
// status and inquiry arguments.
func UnescapePlus(p []byte) ([]byte, error) { return unescape(p, true) }

func unescape(p []byte, plus bool) ([]byte, error) {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '%':
			if i+2 >= len(p) {
				return nil, fmt.Errorf("%w: truncated escape sequence at offset %d", ErrProtocol, i)
			}
			hi, ok1 := fromHex(p[i+1])
			lo, ok2 := fromHex(p[i+2])
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: invalid escape sequence %q at offset %d", ErrProtocol, p[i:i+3], i)
			}
			out = append(out, hi<<4|lo)
			i += 2
		case c == '+' && plus:
			out = append(out, ' ')
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
