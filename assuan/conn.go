// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package assuan implements the client side of the line-based request and
// response protocol spoken by the card daemon and the directory manager.
//
// A transaction writes one command line and then reads response lines until
// an OK or ERR line terminates it. Between the two, the daemon may send data
// (D), status (S) and inquiry (INQUIRE) lines, which are dispatched to the
// Handler of the transaction.
package assuan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Handler receives the daemon-initiated lines of a single transaction. All
// fields are optional. Handlers are only called while the transaction that
// registered them is live.
type Handler struct {
	// Data is called with each decoded data line. When nil, data is
	// accumulated and returned by Transact.
	Data func(p []byte) error

	// Status is called with the keyword and the raw (still escaped)
	// arguments of every status line.
	Status func(keyword, args string) error

	// Inquire answers an inquiry. The returned bytes are sent back as data;
	// a nil slice with a nil error sends an empty answer. Returning an error
	// cancels the inquiry. When Inquire is nil every inquiry gets an empty
	// answer.
	Inquire func(ctx context.Context, keyword, args string) ([]byte, error)

	// Sensitive suppresses debug logging of inquiry answers.
	Sensitive bool
}

// Conn is a client connection to a daemon over a reader-writer pair.
// Transactions on one Conn are strictly sequential.
type Conn struct {
	in     io.Writer
	src    io.Reader
	out    *bufio.Scanner
	log    *slog.Logger
	busy   atomic.Bool
	broken error
}

// NewConn wraps the writer to and the reader from a daemon. If log is nil,
// slog.Default() is used.
func NewConn(w io.Writer, r io.Reader, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	out := bufio.NewScanner(r)
	out.Buffer(make([]byte, 0, 512), MaxLineLength+2)
	return &Conn{in: w, src: r, out: out, log: log}
}

// ReadGreeting consumes the OK line a daemon sends when a connection is
// established.
func (c *Conn) ReadGreeting(ctx context.Context) error {
	_, err := c.run(ctx, "", nil)
	return err
}

// Transact sends command and processes response lines until the transaction
// terminates. It returns the accumulated data (unless h.Data is set) and nil
// on OK, or an error. A daemon ERR line is returned as an *Error.
//
// Errors from handlers do not abort reading: the transaction is drained up to
// its terminating line so the connection stays usable, and the first handler
// error is returned.
func (c *Conn) Transact(ctx context.Context, command string, h *Handler) ([]byte, error) {
	switch {
	case command == "":
		return nil, fmt.Errorf("empty command")
	case len(command) > MaxLineLength:
		return nil, fmt.Errorf("%w: command of %d bytes", ErrLineTooLong, len(command))
	case strings.ContainsAny(command, "\r\n"):
		return nil, fmt.Errorf("command contains a line terminator")
	}
	return c.run(ctx, command, h)
}

func (c *Conn) run(ctx context.Context, command string, h *Handler) ([]byte, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)

	if c.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrBroken, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		h = new(Handler)
	}

	stop := c.interruptOn(ctx)
	defer stop()

	if command != "" {
		if err := c.writeLine([]byte(command), false); err != nil {
			return nil, c.fail(ctx, err)
		}
	}

	var (
		data       []byte
		handlerErr error
	)
	for {
		l, err := c.readLine()
		if err != nil {
			return nil, c.fail(ctx, err)
		}

		switch l.kind {
		case lineComment:

		case lineData:
			if handlerErr != nil {
				continue
			}
			if h.Data == nil {
				data = append(data, l.data...)
				continue
			}
			handlerErr = h.Data(l.data)

		case lineStatus:
			if handlerErr == nil && h.Status != nil {
				handlerErr = h.Status(l.keyword, l.args)
			}

		case lineInquire:
			inquireErr, err := c.answer(ctx, h, l, handlerErr != nil)
			if err != nil {
				return nil, c.fail(ctx, err)
			}
			if handlerErr == nil {
				handlerErr = inquireErr
			}

		case lineOK:
			if handlerErr != nil {
				return nil, handlerErr
			}
			return data, nil

		case lineErr:
			if handlerErr != nil {
				return nil, fmt.Errorf("%w (daemon replied: %w)", handlerErr, l.err)
			}
			return nil, l.err
		}
	}
}

// answer responds to an inquiry. A handler error cancels the inquiry and is
// returned as handlerErr; err is a transport failure.
func (c *Conn) answer(ctx context.Context, h *Handler, l line, cancel bool) (handlerErr, err error) {
	if cancel {
		return nil, c.writeLine([]byte("CAN"), false)
	}
	if h.Inquire == nil {
		return nil, c.writeLine([]byte("END"), false)
	}

	resp, herr := h.Inquire(ctx, l.keyword, l.args)
	if herr != nil {
		return fmt.Errorf("inquiry %s: %w", l.keyword, herr), c.writeLine([]byte("CAN"), false)
	}
	if err := c.sendData(resp, h.Sensitive); err != nil {
		return nil, err
	}
	return nil, c.writeLine([]byte("END"), false)
}

// sendData writes p as a sequence of data lines, each fitting in
// MaxLineLength once escaped.
func (c *Conn) sendData(p []byte, sensitive bool) error {
	buf := make([]byte, 0, MaxLineLength)
	for len(p) > 0 {
		buf = append(buf[:0], 'D', ' ')
		n := 0
		for n < len(p) && len(buf)+escapedLen(p[n]) <= MaxLineLength {
			buf = AppendEscape(buf, p[n:n+1])
			n++
		}
		if err := c.writeLine(buf, sensitive); err != nil {
			return err
		}
		p = p[n:]
	}
	if sensitive {
		clear(buf[:cap(buf)])
	}
	return nil
}

func (c *Conn) writeLine(b []byte, sensitive bool) error {
	if len(b) > MaxLineLength {
		return fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(b))
	}
	if bytes.ContainsAny(b, "\r\n") {
		return fmt.Errorf("line contains a line terminator")
	}
	if sensitive {
		c.log.Debug("assuan: send", "line", "D [redacted]")
	} else {
		c.log.Debug("assuan: send", "line", string(b))
	}

	// Single write so that the line is never interleaved
	out := append(b[:len(b):len(b)], '\n')
	if sensitive {
		defer clear(out)
	}
	if _, err := c.in.Write(out); err != nil {
		return fmt.Errorf("%w: writing to daemon: %w", ErrTransport, err)
	}
	return nil
}

func (c *Conn) readLine() (line, error) {
	if !c.out.Scan() {
		err := c.out.Err()
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			return line{}, fmt.Errorf("%w: %w: response exceeds %d bytes", ErrProtocol, ErrLineTooLong, MaxLineLength)
		case err != nil:
			return line{}, fmt.Errorf("%w: reading from daemon: %w", ErrTransport, err)
		default:
			return line{}, fmt.Errorf("%w: daemon closed the connection: %w", ErrTransport, io.ErrUnexpectedEOF)
		}
	}
	b := c.out.Bytes()
	c.log.Debug("assuan: recv", "line", string(truncate(b, 128)))
	return parseLine(b)
}

// fail marks the connection as broken, since the position in the response
// stream is no longer known.
func (c *Conn) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	c.broken = err
	return err
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// interruptOn unblocks a pending read when ctx is done, if the reader
// supports deadlines.
func (c *Conn) interruptOn(ctx context.Context) (stop func()) {
	rd, ok := c.src.(readDeadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	unregister := context.AfterFunc(ctx, func() {
		_ = rd.SetReadDeadline(time.Now())
	})
	return func() {
		if !unregister() {
			// Deadline was set, so clear it for later use (if any)
			_ = rd.SetReadDeadline(time.Time{})
		}
	}
}
