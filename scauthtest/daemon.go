// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package scauthtest contains test harnesses for the daemon, card and
// directory manager sessions.
package scauthtest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/scauth/go-scauth/assuan"
	"github.com/scauth/go-scauth/daemon"
)

// Pid is the process ID reported by a Daemon for GETINFO pid.
const Pid = 4242

// ErrCanceled is returned by ServerConn.Inquire when the client cancels the
// inquiry.
var ErrCanceled = errors.New("inquiry canceled by client")

// Daemon is an in-process daemon speaking the line protocol. It implements
// daemon.Module and may be started again after it has been stopped.
//
// GETINFO pid and RESTART are answered by the Daemon itself; every other
// command is passed to Handle. Handle must terminate each command with OK or
// ERR.
type Daemon struct {
	Handle func(ctx context.Context, c *ServerConn, command string) error

	// Greeting replaces the default "OK" greeting line when set.
	Greeting string

	mu       sync.Mutex
	commands []string
	cancel   context.CancelFunc
	in       *io.PipeWriter
	out      *io.PipeReader
	done     chan struct{}
	err      error
}

var _ daemon.Module = (*Daemon)(nil)

// Commands returns every command line received so far.
func (d *Daemon) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Count returns the number of received commands whose verb is verb.
func (d *Daemon) Count(verb string) int {
	var n int
	for _, cmd := range d.Commands() {
		if v, _, _ := strings.Cut(cmd, " "); v == verb {
			n++
		}
	}
	return n
}

// Err returns the first error returned by Handle or encountered while
// serving.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Start implements daemon.Module.
func (d *Daemon) Start(context.Context) (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		return nil, nil, errors.New("daemon already started")
	}

	rIn, wIn := io.Pipe()
	rOut, wOut := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.cancel, d.in, d.out, d.done = cancel, wIn, rOut, done
	go func() {
		defer close(done)
		defer func() { _ = wOut.Close() }()
		err := d.serve(ctx, &ServerConn{in: bufio.NewScanner(rIn), out: wOut})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			d.setErr(err)
			_ = rIn.CloseWithError(err)
		}
	}()

	return wIn, rOut, nil
}

func (d *Daemon) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

func (d *Daemon) serve(ctx context.Context, c *ServerConn) error {
	greeting := d.Greeting
	if greeting == "" {
		greeting = "OK Pleased to meet you"
	}
	if err := c.WriteLine(greeting); err != nil {
		return err
	}

	for {
		command, err := c.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		d.mu.Lock()
		d.commands = append(d.commands, command)
		d.mu.Unlock()

		switch command {
		case "GETINFO pid":
			if err := c.Data([]byte(fmt.Sprint(Pid))); err != nil {
				return err
			}
			err = c.OK()
		case "RESTART":
			err = c.OK()
		default:
			if d.Handle == nil {
				err = c.ERR(assuan.CodeNotImplemented, "Not implemented")
				break
			}
			err = d.Handle(ctx, c, command)
		}
		if err != nil {
			return fmt.Errorf("handling %q: %w", command, err)
		}
	}
}

// GracefulStop implements daemon.Module. It closes the client's write side
// and waits for the daemon to finish serving.
func (d *Daemon) GracefulStop(ctx context.Context) error {
	d.mu.Lock()
	in, done := d.in, d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}

	_ = in.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.reset()
	return nil
}

// Stop implements daemon.Module.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cancel, in, out, done := d.cancel, d.in, d.out, d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	_ = in.CloseWithError(io.ErrClosedPipe)
	_ = out.CloseWithError(io.ErrClosedPipe)
	<-done
	d.reset()
	return nil
}

func (d *Daemon) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel()
	d.cancel, d.in, d.out, d.done = nil, nil, nil, nil
}

// Running reports whether the daemon is started and serving.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done != nil
}
