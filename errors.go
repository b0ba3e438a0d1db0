// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scauth/go-scauth/assuan"
	"github.com/scauth/go-scauth/card"
	"github.com/scauth/go-scauth/daemon"
	"github.com/scauth/go-scauth/dirmngr"
	"github.com/scauth/go-scauth/sexp"
)

// ErrAuthFailed is the only error returned to the host by Service.Login.
var ErrAuthFailed = errors.New("authentication failed")

// Errors returned by the steps of an authentication.
var (
	ErrVerifyFailed     = errors.New("signature verification failed")
	ErrUnsupportedKey   = errors.New("unsupported public key")
	ErrKeyNotFound      = errors.New("public key not found")
	ErrUnknownAccount   = errors.New("no account for card")
	ErrAmbiguousAccount = errors.New("card maps to more than one account")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// AmbiguousAccountError is returned when a card serial number maps to more
// than one account. It wraps ErrAmbiguousAccount.
type AmbiguousAccountError struct {
	Serial   string
	Accounts []string
}

// Error implements the standard error interface.
func (e *AmbiguousAccountError) Error() string {
	return fmt.Sprintf("card %s maps to accounts %s", e.Serial, strings.Join(e.Accounts, ", "))
}

// Unwrap returns ErrAmbiguousAccount.
func (e *AmbiguousAccountError) Unwrap() error { return ErrAmbiguousAccount }

// ConfigError describes an invalid configuration value. It wraps
// ErrInvalidConfig.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the standard error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Kind classifies an error by where it originated.
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	// KindTransport errors are spawn, connect and I/O failures.
	KindTransport
	// KindProtocol errors are grammar violations, unexpected inquiries and
	// errors reported by a daemon.
	KindProtocol
	// KindCardAbsent means no card is inserted.
	KindCardAbsent
	// KindData errors are malformed values such as fingerprints, keys or
	// oversized payloads.
	KindData
	// KindCrypto errors are failed signature verifications, unusable keys
	// and certificates which failed validation.
	KindCrypto
	// KindConfig errors are missing keys, unknown or ambiguous accounts and
	// invalid configuration.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCardAbsent:
		return "card-absent"
	case KindData:
		return "data"
	case KindCrypto:
		return "crypto"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Errors which are not recognized, including nil,
// return KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	is := func(targets ...error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}

	var (
		startErr  *daemon.StartError
		condErr   *dirmngr.ConditionalError
		daemonErr *assuan.Error
	)
	switch {
	case is(card.ErrCardNotPresent):
		return KindCardAbsent
	case is(ErrKeyNotFound, ErrUnknownAccount, ErrAmbiguousAccount, ErrInvalidConfig):
		return KindConfig
	case is(ErrVerifyFailed, ErrUnsupportedKey, dirmngr.ErrRevoked, dirmngr.ErrNotTrusted),
		errors.As(err, &condErr):
		return KindCrypto
	case is(card.ErrInvalidValue, card.ErrDataTooLarge, dirmngr.ErrInvalidValue, dirmngr.ErrIntegrity, sexp.ErrSyntax):
		return KindData
	case is(assuan.ErrTransport, assuan.ErrBroken), errors.As(err, &startErr):
		return KindTransport
	case is(assuan.ErrProtocol, assuan.ErrLineTooLong, assuan.ErrBusy, card.ErrBadPIN),
		errors.As(err, &daemonErr):
		return KindProtocol
	}
	return KindUnknown
}
