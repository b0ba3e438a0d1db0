// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package daemon manages a session with a card daemon or directory manager:
// establishing the transport, confirming the daemon is responsive, running
// transactions and shutting the daemon down again.
package daemon

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/scauth/go-scauth/assuan"
)

// Timeouts used by Disconnect.
const (
	ResetTimeout = 5 * time.Second
	StopTimeout  = 5 * time.Second
)

// Session is a connection to one daemon. It is not safe for concurrent use
// and transactions are strictly sequential.
type Session struct {
	module Module
	conn   *assuan.Conn
	log    *slog.Logger
	pid    int
}

// expectedPider is implemented by modules which know the process ID the
// daemon must report.
type expectedPider interface {
	ExpectedPid() int
}

// Connect starts the module, reads the daemon's greeting and issues a status
// query to confirm that the daemon is responsive. If log is nil,
// slog.Default() is used.
func Connect(ctx context.Context, m Module, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}

	w, r, err := m.Start(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{module: m, conn: assuan.NewConn(w, r, log), log: log}

	if err := s.conn.ReadGreeting(ctx); err != nil {
		_ = m.Stop()
		return nil, fmt.Errorf("reading daemon greeting: %w", err)
	}
	pid, err := s.conn.Transact(ctx, "GETINFO pid", nil)
	if err != nil {
		_ = m.Stop()
		return nil, fmt.Errorf("querying daemon status: %w", err)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(string(pid))); err == nil {
		s.pid = n
	}
	if p, ok := m.(expectedPider); ok {
		if want := p.ExpectedPid(); want != 0 && want != s.pid {
			_ = m.Stop()
			return nil, fmt.Errorf("daemon reported pid %d, expected pid %d", s.pid, want)
		}
	}

	log.Debug("daemon: connected", "pid", s.pid)
	return s, nil
}

// Open connects to the daemon at path. If path is a socket, it is dialed;
// otherwise it is executed as a daemon in server mode with the given options
// file (may be empty) and extra inherited files.
func Open(ctx context.Context, path, options string, extraFiles []*os.File, log *slog.Logger) (*Session, error) {
	var m Module = &Command{Program: path, Options: options, ExtraFiles: extraFiles}
	if fi, err := os.Stat(path); err == nil && fi.Mode().Type() == fs.ModeSocket {
		m = &Socket{Path: path}
	}
	return Connect(ctx, m, log)
}

// Pid returns the process ID reported by the daemon, or zero if unknown.
func (s *Session) Pid() int { return s.pid }

// Transact runs a single transaction. See assuan.Conn.Transact.
func (s *Session) Transact(ctx context.Context, command string, h *assuan.Handler) ([]byte, error) {
	return s.conn.Transact(ctx, command, h)
}

// Disconnect resets the daemon state, closes the transport and waits for the
// daemon to exit. The result of the reset is ignored. A daemon which does not
// exit within StopTimeout is terminated.
func (s *Session) Disconnect(ctx context.Context) error {
	resetCtx, cancel := context.WithTimeout(ctx, ResetTimeout)
	if _, err := s.conn.Transact(resetCtx, "RESTART", nil); err != nil {
		s.log.Debug("daemon: reset failed", "error", err)
	}
	cancel()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), StopTimeout)
	defer cancel()
	if err := s.module.GracefulStop(stopCtx); err != nil {
		s.log.Warn("daemon: graceful stop failed, terminating", "pid", s.pid, "error", err)
		if stopErr := s.module.Stop(); stopErr != nil {
			return multierr.Append(
				fmt.Errorf("graceful stop: %w", err),
				fmt.Errorf("forceful stop: %w", stopErr),
			)
		}
	}
	return nil
}
