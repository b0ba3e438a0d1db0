// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// ErrUnsupportedVersion is returned for an info string which names a protocol
// version other than 1.
var ErrUnsupportedVersion = errors.New("unsupported daemon protocol version")

// ParseInfo parses an info string of the form
// "<socket-path>:<pid>:<protocol-version>", as exported in the environment by
// a running daemon. Only protocol version 1 is accepted. The pid may be zero
// or empty if unknown.
func ParseInfo(info string) (path string, pid int, err error) {
	rest, version, ok := cutLast(info, ':')
	if !ok {
		return "", 0, fmt.Errorf("malformed daemon info string %q", info)
	}
	path, pidStr, ok := cutLast(rest, ':')
	if !ok || path == "" {
		return "", 0, fmt.Errorf("malformed daemon info string %q", info)
	}
	if version != "1" {
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	if pidStr != "" {
		if pid, err = strconv.Atoi(pidStr); err != nil || pid < 0 {
			return "", 0, fmt.Errorf("malformed pid in daemon info string %q", info)
		}
	}
	return path, pid, nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	if i := strings.LastIndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// Socket is a Module which connects to an already running daemon listening
// on a local socket.
type Socket struct {
	// Path of the socket.
	Path string

	// Pid is the expected process ID of the daemon. If non-zero, the daemon
	// must report it in response to GETINFO pid and the peer credentials of
	// the connection are checked against it where the platform supports it.
	Pid int

	mu   sync.Mutex
	conn net.Conn
}

var _ Module = (*Socket)(nil)

// NewSocketFromInfo creates a Socket from an info string. See ParseInfo.
func NewSocketFromInfo(info string) (*Socket, error) {
	path, pid, err := ParseInfo(info)
	if err != nil {
		return nil, err
	}
	return &Socket{Path: path, Pid: pid}, nil
}

// Start implements Module.
func (s *Socket) Start(ctx context.Context) (io.Writer, io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil, nil, &StartError{Daemon: s.Path, Err: errors.New("already connected")}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.Path)
	if err != nil {
		return nil, nil, &StartError{Daemon: s.Path, Err: err}
	}
	if s.Pid > 0 {
		if err := checkPeer(conn, s.Pid); err != nil {
			_ = conn.Close()
			return nil, nil, &StartError{Daemon: s.Path, Err: err}
		}
	}

	s.conn = conn
	return conn, conn, nil
}

// ExpectedPid returns the pid the daemon must report, or zero if unknown.
func (s *Socket) ExpectedPid() int { return s.Pid }

// GracefulStop implements Module. The daemon outlives the connection, so
// there is nothing to wait for.
func (s *Socket) GracefulStop(context.Context) error { return s.Stop() }

// Stop implements Module.
func (s *Socket) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	defer func() { s.conn = nil }()
	return s.conn.Close()
}
