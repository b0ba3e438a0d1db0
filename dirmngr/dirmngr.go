// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package dirmngr implements certificate lookup and validation with a
// directory manager daemon.
package dirmngr

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/scauth/go-scauth/assuan"
	"github.com/scauth/go-scauth/daemon"
)

// Errors returned by directory manager operations.
var (
	// ErrNotFound is returned when a lookup yields no certificate.
	ErrNotFound = errors.New("certificate not found")

	// ErrInvalidValue indicates that the daemon returned data which is not
	// a certificate.
	ErrInvalidValue = errors.New("invalid certificate data")

	// ErrRevoked is returned when the certificate has been revoked.
	ErrRevoked = errors.New("certificate revoked")

	// ErrNotTrusted is returned when the certificate does not chain to a
	// trusted root.
	ErrNotTrusted = errors.New("certificate not trusted")

	// ErrIntegrity is returned when a status line from the daemon cannot be
	// decoded, so its answer cannot be relied on.
	ErrIntegrity = errors.New("malformed response from directory manager")
)

// ConditionalError is returned by IsValid when the certificate is only valid
// if another certificate, identified by its SHA-1 fingerprint, is valid too.
type ConditionalError struct {
	Fingerprint [sha1.Size]byte
}

// Error implements the standard error interface.
func (e *ConditionalError) Error() string {
	return fmt.Sprintf("certificate only valid if certificate %X is valid", e.Fingerprint[:])
}

// Transactor runs daemon transactions. It is implemented by
// *daemon.Session.
type Transactor interface {
	Transact(ctx context.Context, command string, h *assuan.Handler) ([]byte, error)
}

// Session is a session with a directory manager.
type Session struct {
	t   Transactor
	log *slog.Logger

	// Certificates offered to the daemon when it asks for them, e.g. OCSP
	// responder certificates.
	known []*x509.Certificate
}

// New creates a directory manager session running transactions on t. If log
// is nil, slog.Default() is used.
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
		return nil, fmt.Errorf("connecting to directory manager: %w", err)
	}
	return New(ds, log), nil
}

// Close disconnects the underlying daemon session, if any.
func (s *Session) Close(ctx context.Context) error {
	if ds, ok := s.t.(*daemon.Session); ok {
		return ds.Disconnect(ctx)
	}
	return nil
}

// AddCertificates makes certs available to the daemon's SENDCERT and
// SENDCERT_SKI inquiries.
func (s *Session) AddCertificates(certs ...*x509.Certificate) {
	s.known = append(s.known, certs...)
}

// Certificate returns the added certificate with the given SHA-1 fingerprint,
// or nil.
func (s *Session) Certificate(fpr [sha1.Size]byte) *x509.Certificate {
	for _, cert := range s.known {
		if sha1.Sum(cert.Raw) == fpr {
			return cert
		}
	}
	return nil
}

// sendCert answers a SENDCERT (by fingerprint) or SENDCERT_SKI (by subject
// key identifier) inquiry from target and the added certificates. An empty
// answer tells the daemon the certificate is not available.
func (s *Session) sendCert(keyword, args string, target *x509.Certificate) []byte {
	id, _, _ := strings.Cut(strings.TrimSpace(args), " ")
	for _, cert := range append([]*x509.Certificate{target}, s.known...) {
		switch {
		case keyword == "SENDCERT" && strings.EqualFold(id, Fingerprint(cert)):
			return cert.Raw
		case keyword == "SENDCERT_SKI" && len(cert.SubjectKeyId) > 0 &&
			strings.EqualFold(id, hex.EncodeToString(cert.SubjectKeyId)):
			return cert.Raw
		}
	}
	s.log.Debug("dirmngr: certificate not available", "keyword", keyword, "args", args)
	return nil
}

// LookupByURL fetches the certificate at url. If the daemon returns more than
// one certificate, only the first is used.
func (s *Session) LookupByURL(ctx context.Context, url string) (*x509.Certificate, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty URL", ErrNotFound)
	}

	var (
		buf  []byte
		cert *x509.Certificate
	)
	_, err := s.t.Transact(ctx, "LOOKUP --url "+escapeArg(url), &assuan.Handler{
		Data: func(p []byte) error {
			if cert != nil {
				return nil
			}
			buf = append(buf, p...)
			der, ok := firstElement(buf)
			if !ok {
				return nil
			}
			c, err := x509.ParseCertificate(der)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidValue, err)
			}
			cert, buf = c, nil
			return nil
		},
	})
	switch {
	case assuan.HasCode(err, assuan.CodeNotFound, assuan.CodeNoData):
		return nil, fmt.Errorf("looking up %s: %w: %w", url, ErrNotFound, err)
	case err != nil:
		return nil, fmt.Errorf("looking up %s: %w", url, err)
	case cert != nil:
		s.log.Debug("dirmngr: found certificate", "url", url, "subject", cert.Subject.String())
		return cert, nil
	case len(buf) > 0:
		return nil, fmt.Errorf("looking up %s: %w: %d bytes of incomplete data", url, ErrInvalidValue, len(buf))
	default:
		return nil, fmt.Errorf("looking up %s: %w", url, ErrNotFound)
	}
}

// firstElement returns the first complete DER SEQUENCE in b.
func firstElement(b []byte) ([]byte, bool) {
	in := cryptobyte.String(b)
	var elem cryptobyte.String
	if !in.ReadASN1Element(&elem, asn1.SEQUENCE) {
		return nil, false
	}
	return elem, true
}

// Validate asks the daemon to validate cert, including its chain and
// revocation status.
func (s *Session) Validate(ctx context.Context, cert *x509.Certificate) error {
	_, err := s.t.Transact(ctx, "VALIDATE", &assuan.Handler{
		Inquire: func(_ context.Context, keyword, args string) ([]byte, error) {
			switch keyword {
			case "TARGETCERT":
				return cert.Raw, nil
			case "SENDCERT", "SENDCERT_SKI":
				return s.sendCert(keyword, args, cert), nil
			case "SENDISSUERCERT":
				// Not available; the daemon looks elsewhere
				s.log.Debug("dirmngr: declining inquiry", "keyword", keyword, "args", args)
				return nil, nil
			}
			return nil, fmt.Errorf("unsupported inquiry %s", keyword)
		},
	})
	if err != nil {
		return validityError("validating certificate", err)
	}
	return nil
}

// IsValid checks the revocation status of cert, using OCSP if useOCSP is set
// and CRLs otherwise. If the daemon reports that validity depends on another
// certificate, a *ConditionalError is returned.
func (s *Session) IsValid(ctx context.Context, cert *x509.Certificate, useOCSP bool) error {
	command := "ISVALID " + CertID(cert)
	if useOCSP {
		command = "ISVALID --only-ocsp --force-default-responder " + Fingerprint(cert)
	}

	var conditional *ConditionalError
	_, err := s.t.Transact(ctx, command, &assuan.Handler{
		Status: func(keyword, args string) error {
			if keyword != "ONLY_VALID_IF_CERT_VALID" {
				return nil
			}
			fpr, _, _ := strings.Cut(args, " ")
			c := new(ConditionalError)
			if len(fpr) != 2*sha1.Size {
				return fmt.Errorf("%w: fingerprint %q", ErrIntegrity, fpr)
			}
			if _, err := hex.Decode(c.Fingerprint[:], []byte(fpr)); err != nil {
				return fmt.Errorf("%w: fingerprint %q: %w", ErrIntegrity, fpr, err)
			}
			conditional = c
			return nil
		},
		Inquire: func(_ context.Context, keyword, args string) ([]byte, error) {
			switch keyword {
			case "SENDCERT", "SENDCERT_SKI":
				return s.sendCert(keyword, args, cert), nil
			case "SENDISSUERCERT":
				return nil, nil
			}
			return nil, fmt.Errorf("unsupported inquiry %s", keyword)
		},
	})
	if err != nil {
		return validityError("checking certificate status", err)
	}
	if conditional != nil {
		return conditional
	}
	return nil
}

func validityError(op string, err error) error {
	switch {
	case assuan.HasCode(err, assuan.CodeCertRevoked):
		return fmt.Errorf("%s: %w: %w", op, ErrRevoked, err)
	case assuan.HasCode(err, assuan.CodeNotTrusted):
		return fmt.Errorf("%s: %w: %w", op, ErrNotTrusted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Fingerprint returns the SHA-1 fingerprint of cert as upper case hex.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CertID returns the identifier of cert used for CRL checks: the SHA-1 hash
// of the issuer name and the serial number, both as upper case hex, joined by
// a dot.
func CertID(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.RawIssuer)
	serial := cert.SerialNumber.Bytes()
	if len(serial) == 0 {
		serial = []byte{0}
	}
	return strings.ToUpper(hex.EncodeToString(sum[:]) + "." + hex.EncodeToString(serial))
}

// escapeArg escapes a command argument so that it contains no spaces or
// control characters.
func escapeArg(s string) string {
	return strings.ReplaceAll(string(assuan.Escape([]byte(s))), " ", "%20")
}
