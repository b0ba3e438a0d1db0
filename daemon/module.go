// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Module controls the transport to a daemon, whether a subprocess speaking
// over its standard streams or a daemon listening on a local socket.
type Module interface {
	// Start establishes the transport and returns the stream to write
	// commands to and the stream to read responses from.
	Start(context.Context) (io.Writer, io.Reader, error)

	// Stop releases the transport. It must return promptly, generally by
	// sending an OS kill signal.
	Stop() error

	// GracefulStop will be called before Stop. Stop is only called if
	// GracefulStop fails or the context provided to it expires.
	GracefulStop(context.Context) error
}

// StartError is returned when the daemon transport could not be established.
type StartError struct {
	Daemon string
	Err    error
}

// Error implements the standard error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("error starting daemon %q: %v", e.Daemon, e.Err)
}

// Unwrap returns the underlying failure.
func (e *StartError) Unwrap() error { return e.Err }

// Command is a Module which runs the daemon as a child process in server
// mode, with the protocol spoken over its stdin and stdout.
//
// The child is invoked as "<Program> --server [--options <Options>]".
type Command struct {
	// Program is the path of the daemon executable.
	Program string

	// Options is an optional path of a daemon configuration file.
	Options string

	// ExtraFiles are inherited by the child in addition to stdin, stdout and
	// stderr. All other descriptors are closed on exec.
	ExtraFiles []*os.File

	// Stderr of the child. Defaults to os.Stderr.
	Stderr io.Writer

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.Closer
	waitOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

var _ Module = (*Command)(nil)

// Args returns the argument vector used to start the daemon.
func (c *Command) Args() []string {
	args := []string{c.Program, "--server"}
	if c.Options != "" {
		args = append(args, "--options", c.Options)
	}
	return args
}

// Start implements Module. A Command may be started again after it has been
// stopped.
func (c *Command) Start(ctx context.Context) (io.Writer, io.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, nil, &StartError{Daemon: c.Program, Err: errors.New("already started")}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &StartError{Daemon: c.Program, Err: err}
	}

	args := c.Args()
	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // daemon path is configuration
	cmd.ExtraFiles = c.ExtraFiles
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, &StartError{Daemon: c.Program, Err: fmt.Errorf("opening stdin pipe: %w", err)}
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		_ = in.Close()
		return nil, nil, &StartError{Daemon: c.Program, Err: fmt.Errorf("opening stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, &StartError{Daemon: c.Program, Err: err}
	}

	c.cmd, c.stdin = cmd, in
	c.waitOnce, c.exited, c.waitErr = sync.Once{}, make(chan struct{}), nil
	return in, out, nil
}

// Pid returns the process ID of the running child, or zero.
func (c *Command) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// ExpectedPid returns the pid the daemon must report, which is that of the
// child.
func (c *Command) ExpectedPid() int { return c.Pid() }

// wait reaps the child in the background. It must only be called once all
// reads from stdout are done, because Wait closes the pipe. The caller must
// hold c.mu.
func (c *Command) wait() <-chan struct{} {
	c.waitOnce.Do(func() {
		cmd, exited := c.cmd, c.exited
		go func() {
			err := cmd.Wait()
			c.mu.Lock()
			c.waitErr = err
			c.mu.Unlock()
			close(exited)
		}()
	})
	return c.exited
}

// GracefulStop implements Module. It closes the child's stdin, which makes a
// daemon in server mode exit, and waits for the child to terminate.
func (c *Command) GracefulStop(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return nil
	}
	_ = c.stdin.Close()
	exited := c.wait()
	c.mu.Unlock()

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.waitErr
	c.cmd = nil
	return err
}

// Stop implements Module. It kills the child if it has not already exited.
func (c *Command) Stop() error {
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return nil
	}
	proc := c.cmd.Process
	_ = c.stdin.Close()
	exited := c.wait()
	c.mu.Unlock()

	select {
	case <-exited:
	default:
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-exited
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmd = nil
	return nil
}
