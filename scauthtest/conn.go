// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauthtest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/scauth/go-scauth/assuan"
)

// ServerConn is the daemon side of a connection.
type ServerConn struct {
	in  *bufio.Scanner
	out io.Writer
}

// ReadLine reads one line from the client. It returns io.EOF when the client
// closed its side.
func (c *ServerConn) ReadLine() (string, error) {
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return c.in.Text(), nil
}

// WriteLine writes a raw line.
func (c *ServerConn) WriteLine(line string) error {
	_, err := io.WriteString(c.out, line+"\n")
	return err
}

// OK terminates the current command successfully.
func (c *ServerConn) OK() error { return c.WriteLine("OK") }

// ERR terminates the current command with an error.
func (c *ServerConn) ERR(code assuan.Code, desc string) error {
	return c.WriteLine(fmt.Sprintf("ERR %d %s", code, desc))
}

// Status sends a status line. Args are sent as given.
func (c *ServerConn) Status(keyword, args string) error {
	if args == "" {
		return c.WriteLine("S " + keyword)
	}
	return c.WriteLine("S " + keyword + " " + args)
}

// Data sends p as escaped data lines.
func (c *ServerConn) Data(p []byte) error {
	const chunk = 300 // 300 bytes escape to at most 900
	for len(p) > 0 {
		n := min(chunk, len(p))
		if err := c.WriteLine("D " + string(assuan.Escape(p[:n]))); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Inquire asks the client for data and returns the reassembled answer. If the
// client cancels, ErrCanceled is returned.
func (c *ServerConn) Inquire(keyword, args string) ([]byte, error) {
	line := "INQUIRE " + keyword
	if args != "" {
		line += " " + args
	}
	if err := c.WriteLine(line); err != nil {
		return nil, err
	}

	var answer []byte
	for {
		l, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		switch {
		case l == "END":
			return answer, nil
		case l == "CAN":
			return nil, ErrCanceled
		case strings.HasPrefix(l, "D "):
			p, err := assuan.Unescape([]byte(l[2:]))
			if err != nil {
				return nil, err
			}
			answer = append(answer, p...)
		default:
			return nil, fmt.Errorf("unexpected line during inquiry: %q", l)
		}
	}
}

// Reply answers an inquiry result the way a daemon does: OK when answered,
// ERR canceled when the client canceled, and err otherwise.
func (c *ServerConn) Reply(err error) error {
	switch {
	case err == nil:
		return c.OK()
	case errors.Is(err, ErrCanceled):
		return c.ERR(assuan.CodeCanceled, "Operation cancelled")
	default:
		return err
	}
}
