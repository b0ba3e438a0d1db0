// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/scauth/go-scauth/card"
	"github.com/scauth/go-scauth/daemon"
	"github.com/scauth/go-scauth/dirmngr"
)

// Service authenticates users by the card they present.
type Service struct {
	Config Config
	Users  UserDB

	// Conv is used for PIN entry, for asking to insert the card and for
	// resolving a card mapped to several accounts. It may be nil.
	Conv *Conversation

	// Log receives the details of failed logins. Defaults to
	// slog.Default().
	Log *slog.Logger

	// CardModule and DirmngrModule override the daemons of Config.
	CardModule    func() (daemon.Module, error)
	DirmngrModule func() (daemon.Module, error)
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Login waits for a card, resolves the account it belongs to and proves that
// the card holds the account's key. If username is not empty, the card must
// be registered for that account. The authenticated account is returned.
//
// Any failure is returned as ErrAuthFailed; the cause is logged.
func (s *Service) Login(ctx context.Context, username string) (string, error) {
	account, err := s.login(ctx, username)
	if err != nil {
		s.log().Warn("login failed", "user", username, "kind", KindOf(err).String(), "error", err)
		return "", ErrAuthFailed
	}
	s.log().Info("login succeeded", "user", account)
	return account, nil
}

func (s *Service) login(ctx context.Context, username string) (string, error) {
	if err := s.Config.Validate(); err != nil {
		return "", err
	}
	if s.Users == nil {
		return "", &ConfigError{Field: "user database", Reason: "not set"}
	}

	cs, err := s.connectCard(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := cs.Close(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("disconnecting card daemon", "error", err)
		}
	}()

	if _, err := cs.WaitForCard(ctx, card.WaitOptions{
		Timeout:  s.Config.WaitTimeout,
		Interval: s.Config.PollInterval,
		Notify:   func(ctx context.Context) { s.Conv.tell(ctx, "Insert your card") },
	}); err != nil {
		return "", err
	}

	var info card.Info
	if err := cs.Learn(ctx, &info); err != nil {
		return "", err
	}
	s.log().Debug("card inserted", "serial", info.Serial, "name", info.DisplayName)

	account, err := s.account(ctx, username, info.Serial)
	if err != nil {
		return "", err
	}

	pub, err := s.publicKey(ctx, &info)
	if err != nil {
		return "", err
	}

	auth := &Authenticator{
		Card: cs,
		Pins: s.Conv.PinProvider(),
		Hash: s.Config.Hash,
		Log:  s.log(),
	}
	if err := auth.Authenticate(ctx, s.Config.KeyID, pub); err != nil {
		return "", err
	}
	return account, nil
}

func (s *Service) connectCard(ctx context.Context) (*card.Session, error) {
	newModule := s.CardModule
	if newModule == nil {
		newModule = s.Config.Scdaemon.Module
	}
	m, err := newModule()
	if err != nil {
		return nil, err
	}
	return card.Connect(ctx, m, s.log())
}

func (s *Service) connectDirmngr(ctx context.Context) (*dirmngr.Session, error) {
	newModule := s.DirmngrModule
	if newModule == nil {
		newModule = s.Config.Dirmngr.Module
	}
	m, err := newModule()
	if err != nil {
		return nil, err
	}
	return dirmngr.Connect(ctx, m, s.log())
}

// account binds the card to an account.
func (s *Service) account(ctx context.Context, username, serial string) (string, error) {
	if username != "" {
		ok, err := CardOwnsAccount(ctx, s.Users, serial, username)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w %s as %s", ErrUnknownAccount, serial, username)
		}
		return username, nil
	}

	account, err := ResolveAccount(ctx, s.Users, serial)
	var ambiguous *AmbiguousAccountError
	if !errors.As(err, &ambiguous) || s.Conv == nil || s.Conv.Ask == nil {
		return account, err
	}

	answer, askErr := s.Conv.Ask(ctx, fmt.Sprintf("Account (%s): ", strings.Join(ambiguous.Accounts, ", ")))
	if askErr != nil {
		return "", fmt.Errorf("%w: %w", err, askErr)
	}
	answer = strings.TrimSpace(answer)
	if !slices.Contains(ambiguous.Accounts, answer) {
		return "", fmt.Errorf("%w: %q is not one of the card's accounts", err, answer)
	}
	return answer, nil
}

// publicKey returns the key the card must prove possession of.
func (s *Service) publicKey(ctx context.Context, info *card.Info) (*rsa.PublicKey, error) {
	if s.Config.Method == MethodLocal {
		return KeyStore{Dir: s.Config.KeyDir}.Load(info.Serial)
	}

	if info.PubkeyURL == "" {
		return nil, fmt.Errorf("%w: card %s has no public key URL", ErrKeyNotFound, info.Serial)
	}
	ds, err := s.connectDirmngr(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ds.Close(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("disconnecting directory manager", "error", err)
		}
	}()

	cert, err := ds.LookupByURL(ctx, info.PubkeyURL)
	if err != nil {
		return nil, err
	}
	if s.Config.ResponderCerts != "" {
		certs, err := LoadCertificates(s.Config.ResponderCerts)
		if err != nil {
			return nil, err
		}
		ds.AddCertificates(certs...)
	}
	if err := s.checkCertificate(ctx, ds, cert); err != nil {
		return nil, err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate key %T", ErrUnsupportedKey, cert.PublicKey)
	}
	return pub, nil
}

// checkCertificate validates cert. If its status is only valid if another
// certificate is, e.g. a delegated OCSP responder, that certificate must be
// one of the configured responder certificates and is validated using CRLs.
// A further condition fails.
func (s *Service) checkCertificate(ctx context.Context, ds *dirmngr.Session, cert *x509.Certificate) error {
	if err := ds.Validate(ctx, cert); err != nil {
		return err
	}
	err := ds.IsValid(ctx, cert, s.Config.OCSP)
	var cond *dirmngr.ConditionalError
	if !errors.As(err, &cond) {
		return err
	}

	responder := ds.Certificate(cond.Fingerprint)
	if responder == nil || bytes.Equal(responder.Raw, cert.Raw) {
		return fmt.Errorf("%w: responder certificate not available", err)
	}
	s.log().Debug("checking responder certificate", "subject", responder.Subject.String())
	if err := ds.Validate(ctx, responder); err != nil {
		return fmt.Errorf("responder certificate: %w", err)
	}
	if err := ds.IsValid(ctx, responder, false); err != nil {
		return fmt.Errorf("responder certificate: %w", err)
	}
	return nil
}
