// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package card

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/scauth/go-scauth/assuan"
)

// PinProvider supplies PINs requested by the card daemon while signing.
type PinProvider interface {
	// PIN returns the PIN for the given prompt. The returned slice is
	// zeroed after use.
	PIN(ctx context.Context, prompt string) ([]byte, error)

	// PinpadPrompt is called with open set when the user should enter the
	// PIN on the reader's pinpad, and with open unset when that prompt
	// should be dismissed.
	PinpadPrompt(ctx context.Context, prompt string, open bool) error
}

// Sign signs data, typically a DigestInfo, with the key keyID. pins is asked
// for the PIN if the daemon requires one and may be nil if the card does not
// need a PIN.
func (s *Session) Sign(ctx context.Context, keyID string, data []byte, pins PinProvider) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data", ErrInvalidValue)
	}
	if keyID == "" || strings.ContainsAny(keyID, " \r\n") {
		return nil, fmt.Errorf("invalid key ID %q", keyID)
	}

	setData := "SETDATA " + strings.ToUpper(hex.EncodeToString(data))
	if len(setData) > assuan.MaxLineLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(data))
	}
	if _, err := s.t.Transact(ctx, setData, nil); err != nil {
		return nil, cardError("setting data", err)
	}

	var (
		pinErr  error
		secrets [][]byte
	)
	defer func() {
		for _, p := range secrets {
			clear(p)
		}
	}()
	sig, err := s.t.Transact(ctx, "PKSIGN "+keyID, &assuan.Handler{
		Sensitive: true,
		Inquire: func(ctx context.Context, keyword, args string) ([]byte, error) {
			resp, err := answerPinInquiry(ctx, pins, keyword, args)
			if err != nil && pinErr == nil {
				pinErr = err
			}
			if resp != nil {
				secrets = append(secrets, resp)
			}
			return resp, err
		},
	})
	switch {
	case pinErr != nil:
		s.log.Debug("card: PIN inquiry failed", "key", keyID, "error", pinErr)
		return nil, fmt.Errorf("signing with %s: %w: %w", keyID, ErrBadPIN, pinErr)
	case assuan.HasCode(err, assuan.CodeBadPIN):
		return nil, fmt.Errorf("signing with %s: %w: %w", keyID, ErrBadPIN, err)
	case err != nil:
		return nil, cardError("signing with "+keyID, err)
	case len(sig) == 0:
		return nil, fmt.Errorf("%w: empty signature", ErrInvalidValue)
	}
	return sig, nil
}

var errNoPinProvider = errors.New("no PIN provider")

func answerPinInquiry(ctx context.Context, pins PinProvider, keyword, args string) ([]byte, error) {
	if pins == nil {
		return nil, errNoPinProvider
	}
	prompt := inquiryPrompt(args)

	switch keyword {
	case "NEEDPIN":
		pin, err := pins.PIN(ctx, prompt)
		if err != nil {
			return nil, err
		}
		if len(pin) == 0 {
			return nil, errors.New("empty PIN")
		}
		return pin, nil

	case "POPUPPINPADPROMPT":
		return nil, pins.PinpadPrompt(ctx, prompt, true)

	case "DISMISSPINPADPROMPT":
		return nil, pins.PinpadPrompt(ctx, prompt, false)

	default:
		return nil, fmt.Errorf("unsupported inquiry %s", keyword)
	}
}

// inquiryPrompt unescapes the prompt argument of a PIN inquiry. Undecodable
// prompts are passed on as received.
func inquiryPrompt(args string) string {
	p, err := assuan.UnescapePlus([]byte(args))
	if err != nil {
		return args
	}
	return string(p)
}
