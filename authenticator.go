// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"

	"github.com/scauth/go-scauth/card"
)

// CardSigner signs data with a key on a card. It is implemented by
// *card.Session.
type CardSigner interface {
	Sign(ctx context.Context, keyID string, data []byte, pins card.PinProvider) ([]byte, error)
}

// State is a step of the challenge-response handshake.
type State int

// Handshake states
const (
	StateIdle State = iota
	StateSigning
	StateVerifying
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSigning:
		return "signing"
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Authenticator proves that a card holds the private key of a public key.
type Authenticator struct {
	Card CardSigner

	// Pins is asked for the card PIN. It may be nil if the card does not
	// require one.
	Pins card.PinProvider

	// Hash determines the challenge length and the DigestInfo algorithm.
	// Zero means DefaultHash.
	Hash crypto.Hash

	// Rand is the source of challenges. Nil means crypto/rand.
	Rand io.Reader

	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Authenticate has the card sign a fresh challenge with key keyID and verifies
// the signature with pub. Each call draws a new challenge.
func (a *Authenticator) Authenticate(ctx context.Context, keyID string, pub crypto.PublicKey) error {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	hash := a.Hash
	if hash == 0 {
		hash = DefaultHash
	}
	random := a.Rand
	if random == nil {
		random = rand.Reader
	}

	state := StateIdle
	transition := func(next State, attrs ...any) {
		log.Debug("challenge-response: "+next.String(), append([]any{"from", state.String(), "key", keyID}, attrs...)...)
		state = next
	}
	fail := func(err error) error {
		transition(StateFailed, "error", err)
		return err
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fail(fmt.Errorf("%w: %T", ErrUnsupportedKey, pub))
	}

	challenge, err := NewChallenge(random, hash)
	if err != nil {
		return fail(err)
	}
	digestInfo, err := DigestInfo(hash, challenge)
	if err != nil {
		return fail(err)
	}

	transition(StateSigning, "hash", hash.String())
	sig, err := a.Card.Sign(ctx, keyID, digestInfo, a.Pins)
	if err != nil {
		return fail(fmt.Errorf("signing challenge: %w", err))
	}

	transition(StateVerifying)
	if err := rsa.VerifyPKCS1v15(rsaPub, hash, challenge, sig); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrVerifyFailed, err))
	}

	transition(StateAuthenticated)
	return nil
}
