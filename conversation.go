// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"context"
	"errors"
	"strings"

	"github.com/scauth/go-scauth/card"
)

// Conversation is the channel to the user being authenticated. All fields
// are optional.
type Conversation struct {
	// Secret prompts for input which must not be echoed, e.g. a PIN.
	Secret func(ctx context.Context, prompt string) ([]byte, error)

	// Ask prompts for visible input.
	Ask func(ctx context.Context, prompt string) (string, error)

	// Tell shows a message.
	Tell func(ctx context.Context, msg string)
}

var errNoSecretPrompt = errors.New("no secret prompt available")

func (c *Conversation) tell(ctx context.Context, msg string) {
	if c != nil && c.Tell != nil {
		c.Tell(ctx, msg)
	}
}

// PinProvider returns a card.PinProvider which asks the user.
func (c *Conversation) PinProvider() card.PinProvider { return conversationPins{c} }

type conversationPins struct{ c *Conversation }

func (p conversationPins) PIN(ctx context.Context, prompt string) ([]byte, error) {
	if p.c == nil || p.c.Secret == nil {
		return nil, errNoSecretPrompt
	}
	return p.c.Secret(ctx, pinPrompt(prompt))
}

func (p conversationPins) PinpadPrompt(ctx context.Context, prompt string, open bool) error {
	if open {
		p.c.tell(ctx, pinPrompt(prompt))
	}
	return nil
}

// pinPrompt removes the leading "<flags>|<info>|" part of a card daemon
// prompt.
func pinPrompt(prompt string) string {
	if rest, ok := strings.CutPrefix(prompt, "|"); ok {
		if _, text, ok := strings.Cut(rest, "|"); ok {
			prompt = text
		}
	}
	if prompt == "" {
		return "PIN"
	}
	return prompt
}
