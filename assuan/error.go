// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package assuan

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is wrapped by every error caused by a line which violates
	// the protocol grammar.
	ErrProtocol = errors.New("protocol violation")

	// ErrTransport is wrapped by I/O failures of the underlying stream.
	ErrTransport = errors.New("transport failure")

	// ErrLineTooLong indicates that a command or response does not fit in
	// MaxLineLength bytes.
	ErrLineTooLong = errors.New("line too long")

	// ErrBusy is returned when a transaction is started while another is
	// still live on the same connection, e.g. from inside a handler.
	ErrBusy = errors.New("transaction already in progress")

	// ErrBroken is returned for any transaction attempted after a transport
	// or framing failure left the connection out of sync.
	ErrBroken = errors.New("connection unusable after previous failure")
)

// Code is a numeric error code as sent in ERR lines. The upper bits carry the
// component which produced the error and the lower 16 bits the error number.
type Code uint32

// Error numbers used by the card daemon and directory manager.
const (
	CodeGeneral        Code = 1
	CodeNotFound       Code = 27
	CodeNoData         Code = 58
	CodeNotSupported   Code = 60
	CodeNotImplemented Code = 69
	CodeBadPIN         Code = 87
	CodeCertRevoked    Code = 94
	CodeNotTrusted     Code = 98
	CodeCanceled       Code = 99
	CodeCard           Code = 108
	CodeCardRemoved    Code = 110
	CodeCardNotPresent Code = 112
)

// Number returns the error number with the source bits removed.
func (c Code) Number() Code { return c & 0xffff }

// Error is the failure reported by a daemon with an ERR line.
type Error struct {
	Code        Code
	Description string
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("daemon error %d", e.Code)
	}
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Description)
}

// HasCode reports whether err is or wraps an *Error with one of the given
// error numbers, ignoring the source bits.
func HasCode(err error, codes ...Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code.Number() == c.Number() {
			return true
		}
	}
	return false
}
