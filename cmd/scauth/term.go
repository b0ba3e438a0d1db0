// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	scauth "github.com/scauth/go-scauth"
)

// terminalConversation talks to the user on the controlling terminal.
func terminalConversation() *scauth.Conversation {
	return &scauth.Conversation{
		Secret: func(_ context.Context, prompt string) ([]byte, error) {
			tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
			if err != nil {
				return nil, fmt.Errorf("opening terminal: %w", err)
			}
			defer func() { _ = tty.Close() }()
			if !term.IsTerminal(int(tty.Fd())) {
				return nil, errors.New("not a terminal")
			}

			_, _ = fmt.Fprintf(tty, "%s: ", strings.TrimSuffix(prompt, ":"))
			secret, err := term.ReadPassword(int(tty.Fd()))
			_, _ = fmt.Fprintln(tty)
			if err != nil {
				return nil, fmt.Errorf("reading PIN: %w", err)
			}
			return secret, nil
		},
		Ask: func(_ context.Context, prompt string) (string, error) {
			_, _ = fmt.Fprint(os.Stderr, prompt)
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return "", fmt.Errorf("reading answer: %w", err)
			}
			return strings.TrimSpace(line), nil
		},
		Tell: func(_ context.Context, msg string) {
			_, _ = fmt.Fprintln(os.Stderr, msg)
		},
	}
}
