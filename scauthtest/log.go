// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauthtest

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

// TestingLog creates a testing log writer.
func TestingLog(t *testing.T) io.Writer { return (*errorLog)(t) }

// Logger returns a debug level logger writing to the test log.
func Logger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type errorLog testing.T

// Write implements io.Writer.
func (t *errorLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}
