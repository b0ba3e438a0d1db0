// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package card implements the commands of a card daemon session: learning the
// card, polling for its serial number, signing, and reading public keys.
package card

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scauth/go-scauth/assuan"
	"github.com/scauth/go-scauth/daemon"
	"github.com/scauth/go-scauth/sexp"
)

// Errors returned by card operations.
var (
	// ErrCardNotPresent is returned when no card is inserted. It is an
	// expected outcome when polling for a card.
	ErrCardNotPresent = errors.New("card not present")

	// ErrInvalidValue indicates that the daemon returned data which could
	// not be decoded.
	ErrInvalidValue = errors.New("invalid value from card daemon")

	// ErrBadPIN is returned when signing fails because no correct PIN could
	// be supplied.
	ErrBadPIN = errors.New("bad PIN")

	// ErrDataTooLarge is returned when data to be signed does not fit in a
	// single protocol line.
	ErrDataTooLarge = errors.New("data too large to sign")
)

// Transactor runs daemon transactions. It is implemented by
// *daemon.Session.
type Transactor interface {
	Transact(ctx context.Context, command string, h *assuan.Handler) ([]byte, error)
}

// Session is a session with a card daemon.
type Session struct {
	t   Transactor
	log *slog.Logger
}

// New creates a card session running transactions on t. If log is nil,
// slog.Default() is used.
func New(t Transactor, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{t: t, log: log}
}

// Connect establishes a daemon session with module m and wraps it.
func Connect(ctx context.Context, m daemon.Module, log *slog.Logger) (*Session, error) {
	ds, err := daemon.Connect(ctx, m, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to card daemon: %w", err)
	}
	return New(ds, log), nil
}

// Close disconnects the underlying daemon session, if the session was created
// with Connect or New was given a *daemon.Session.
func (s *Session) Close(ctx context.Context) error {
	if ds, ok := s.t.(*daemon.Session); ok {
		return ds.Disconnect(ctx)
	}
	return nil
}

// Learn asks the daemon to re-read the card and returns its metadata. info is
// reset before learning so no field from a previous card remains.
func (s *Session) Learn(ctx context.Context, info *Info) error {
	info.Reset()
	_, err := s.t.Transact(ctx, "LEARN --force", &assuan.Handler{
		Status: info.handleStatus,
		Inquire: func(_ context.Context, keyword, _ string) ([]byte, error) {
			// KNOWNCARDP asks whether the card is already known; an empty
			// answer means no.
			if keyword == "KNOWNCARDP" {
				return nil, nil
			}
			return nil, fmt.Errorf("unexpected inquiry %s", keyword)
		},
	})
	if err != nil {
		return cardError("learning card", err)
	}
	if info.Serial == "" {
		return fmt.Errorf("%w: no serial number reported", ErrInvalidValue)
	}
	s.log.Debug("card: learned", "serial", info.Serial, "apptype", info.AppType)
	return nil
}

// SerialNumber returns the serial number of the inserted card as hex. If no
// card is inserted, an error wrapping ErrCardNotPresent is returned.
func (s *Session) SerialNumber(ctx context.Context) (string, error) {
	var serial string
	var statusErr error
	_, err := s.t.Transact(ctx, "SERIALNO", &assuan.Handler{
		Status: func(keyword, args string) error {
			if keyword != "SERIALNO" {
				return nil
			}
			v, _, _ := strings.Cut(args, " ")
			if !isHex(v) {
				statusErr = fmt.Errorf("%w: serial number %q is not hex", ErrInvalidValue, v)
				return nil
			}
			serial = v
			return nil
		},
	})
	if err != nil {
		return "", cardError("reading serial number", err)
	}
	if statusErr != nil {
		return "", statusErr
	}
	if serial == "" {
		return "", fmt.Errorf("%w: no serial number reported", ErrInvalidValue)
	}
	return serial, nil
}

// WaitOptions controls WaitForCard.
type WaitOptions struct {
	// Timeout bounds the total time spent waiting. Zero waits until the
	// context is done.
	Timeout time.Duration

	// Interval is the delay between polls. Zero means DefaultPollInterval.
	Interval time.Duration

	// Notify, if set, is called once when the first poll finds no card,
	// e.g. to ask the user to insert one.
	Notify func(ctx context.Context)
}

// DefaultPollInterval is the delay between card presence polls.
const DefaultPollInterval = 300 * time.Millisecond

// WaitForCard polls the serial number until a card is present and returns its
// serial number. Errors other than card absence end the wait immediately.
func (s *Session) WaitForCard(ctx context.Context, opts WaitOptions) (string, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for polls := 1; ; polls++ {
		serial, err := s.SerialNumber(ctx)
		if err == nil {
			s.log.Debug("card: present", "serial", serial, "polls", polls)
			return serial, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("waiting for card: %w: %w", ErrCardNotPresent, ctxErr)
		}
		if !errors.Is(err, ErrCardNotPresent) {
			return "", err
		}
		if polls == 1 && opts.Notify != nil {
			opts.Notify(ctx)
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for card: %w: %w", ErrCardNotPresent, ctx.Err())
		case <-timer.C:
		}
	}
}

// ReadKey returns the public key with the given ID as an S-expression.
func (s *Session) ReadKey(ctx context.Context, id string) (*sexp.Sexp, error) {
	data, err := s.t.Transact(ctx, "READKEY "+id, nil)
	if err != nil {
		return nil, cardError("reading key "+id, err)
	}
	key, err := sexp.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", ErrInvalidValue, id, err)
	}
	return key, nil
}

// ReadPublicKey returns the RSA public key with the given ID.
func (s *Session) ReadPublicKey(ctx context.Context, id string) (*rsa.PublicKey, error) {
	key, err := s.ReadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	pub, err := sexp.RSAPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", ErrInvalidValue, id, err)
	}
	return pub, nil
}

// GetInfo passes a GETINFO query through to the daemon and returns the
// response data as a string.
func (s *Session) GetInfo(ctx context.Context, what string) (string, error) {
	data, err := s.t.Transact(ctx, "GETINFO "+what, nil)
	if err != nil {
		return "", cardError("getting info "+what, err)
	}
	return string(data), nil
}

// cardError wraps a transaction error, mapping card absence to
// ErrCardNotPresent.
func cardError(op string, err error) error {
	if assuan.HasCode(err, assuan.CodeCardNotPresent, assuan.CodeCardRemoved) {
		return fmt.Errorf("%s: %w: %w", op, ErrCardNotPresent, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
