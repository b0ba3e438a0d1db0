// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package assuan

import (
	"bytes"
	"fmt"
	"strconv"
)

// MaxLineLength is the maximum length of a protocol line, not counting the
// line terminator.
const MaxLineLength = 1000

type lineKind byte

/*
Response Lines

	| Prefix  | Kind     | Parameter                    |
	| ------- | -------- | ---------------------------- |
	| OK      | OK       | Optional text (ignored)      |
	| ERR     | Error    | Numeric code, description    |
	| D       | Data     | Percent escaped bytes        |
	| S       | Status   | Keyword, escaped arguments   |
	| INQUIRE | Inquire  | Keyword, escaped arguments   |
	| #       | Comment  | Anything                     |
*/
const (
	lineOK lineKind = iota + 1
	lineErr
	lineData
	lineStatus
	lineInquire
	lineComment
)

func (k lineKind) String() string {
	switch k {
	case lineOK:
		return "OK"
	case lineErr:
		return "ERR"
	case lineData:
		return "D"
	case lineStatus:
		return "S"
	case lineInquire:
		return "INQUIRE"
	case lineComment:
		return "#"
	}
	panic("lineKind missing switch case(s)")
}

// line is a parsed response line.
type line struct {
	kind lineKind

	// Status and inquire
	keyword string
	args    string

	// Data
	data []byte

	// Error
	err *Error
}

// parseLine classifies a line read from a daemon. The line terminator must
// already be stripped.
func parseLine(b []byte) (line, error) {
	if len(b) == 0 {
		return line{}, fmt.Errorf("%w: empty line", ErrProtocol)
	}
	if b[0] == '#' {
		return line{kind: lineComment}, nil
	}

	verb, rest, _ := bytes.Cut(b, []byte{' '})
	switch string(verb) {
	case "OK":
		return line{kind: lineOK}, nil

	case "ERR":
		code, desc, _ := bytes.Cut(rest, []byte{' '})
		n, err := strconv.ParseUint(string(code), 10, 32)
		if err != nil {
			return line{}, fmt.Errorf("%w: invalid error code %q", ErrProtocol, code)
		}
		return line{kind: lineErr, err: &Error{Code: Code(n), Description: string(desc)}}, nil

	case "D":
		data, err := Unescape(rest)
		if err != nil {
			return line{}, err
		}
		return line{kind: lineData, data: data}, nil

	case "S", "INQUIRE":
		keyword, args, _ := bytes.Cut(rest, []byte{' '})
		if len(keyword) == 0 {
			return line{}, fmt.Errorf("%w: %s line without keyword", ErrProtocol, verb)
		}
		kind := lineStatus
		if verb[0] == 'I' {
			kind = lineInquire
		}
		return line{kind: kind, keyword: string(keyword), args: string(bytes.TrimLeft(args, " "))}, nil
	}

	return line{}, fmt.Errorf("%w: unknown line %q", ErrProtocol, truncate(b, 32))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
