// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dirmngr_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/scauth/go-scauth/dirmngr"
	"github.com/scauth/go-scauth/scauthtest"
)

func connect(t *testing.T, handle func(context.Context, *scauthtest.ServerConn, string) error) *dirmngr.Session {
	t.Helper()
	d := &scauthtest.Daemon{Handle: handle}
	s, err := dirmngr.Connect(context.Background(), d, scauthtest.Logger(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
		if err := d.Err(); err != nil {
			t.Errorf("daemon: %v", err)
		}
	})
	return s
}

func TestLookupByURL(t *testing.T) {
	first := scauthtest.Certificate(t, scauthtest.Key(t, 0), "first")
	second := scauthtest.Certificate(t, scauthtest.Key(t, 1), "second")
	const url = "ldap://dir.example.com/cn=Jane Doe+1,o=Example?userCertificate"

	sim := &scauthtest.Dirmngr{Certs: map[string][]*x509.Certificate{
		url: {first, second},
	}}
	s := connect(t, sim.Handle)

	cert, err := s.LookupByURL(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.Equal(first) {
		t.Errorf("expected first certificate, got %q", cert.Subject.CommonName)
	}

	if _, err := s.LookupByURL(context.Background(), "https://missing.example.com"); !errors.Is(err, dirmngr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestLookupByURLInvalidData(t *testing.T) {
	cert := scauthtest.Certificate(t, scauthtest.Key(t, 0), "cert")
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"not DER", []byte("-----BEGIN CERTIFICATE-----")},
		{"truncated", cert.Raw[:len(cert.Raw)-1]},
		{"not a certificate", []byte{0x30, 0x03, 0x02, 0x01, 0x01}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := connect(t, func(_ context.Context, c *scauthtest.ServerConn, _ string) error {
				if err := c.Data(tc.data); err != nil {
					return err
				}
				return c.OK()
			})
			if _, err := s.LookupByURL(context.Background(), "https://example.com"); !errors.Is(err, dirmngr.ErrInvalidValue) {
				t.Errorf("expected invalid value, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := scauthtest.Certificate(t, scauthtest.Key(t, 0), "good")
	bad := scauthtest.Certificate(t, scauthtest.Key(t, 1), "bad")
	sim := &scauthtest.Dirmngr{
		Revoked:   map[string]bool{"bad": true},
		AskIssuer: true,
	}
	s := connect(t, sim.Handle)

	if err := s.Validate(context.Background(), good); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sim.Target(), good.Raw) {
		t.Error("target certificate not sent")
	}
	if err := s.Validate(context.Background(), bad); !errors.Is(err, dirmngr.ErrRevoked) {
		t.Errorf("expected revoked, got %v", err)
	}
}

func TestIsValid(t *testing.T) {
	cert := scauthtest.Certificate(t, scauthtest.Key(t, 0), "cert")
	other := scauthtest.Certificate(t, scauthtest.Key(t, 1), "other")

	t.Run("CRL", func(t *testing.T) {
		sim := new(scauthtest.Dirmngr)
		s := connect(t, sim.Handle)
		if err := s.IsValid(context.Background(), cert, false); err != nil {
			t.Fatal(err)
		}
		if got := sim.Checked(); len(got) != 1 || got[0] != dirmngr.CertID(cert) {
			t.Errorf("checked %q", got)
		}
		if id := dirmngr.CertID(cert); !strings.HasSuffix(id, "."+strings.ToUpper(hex.EncodeToString(cert.SerialNumber.Bytes()))) {
			t.Errorf("cert ID %q does not end in serial number", id)
		}
	})

	t.Run("OCSP", func(t *testing.T) {
		sim := new(scauthtest.Dirmngr)
		s := connect(t, sim.Handle)
		if err := s.IsValid(context.Background(), cert, true); err != nil {
			t.Fatal(err)
		}
		want := "--only-ocsp --force-default-responder " + dirmngr.Fingerprint(cert)
		if got := sim.Checked(); len(got) != 1 || got[0] != want {
			t.Errorf("checked %q, want %q", got, want)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		sim := &scauthtest.Dirmngr{Revoked: map[string]bool{dirmngr.Fingerprint(cert): true}}
		s := connect(t, sim.Handle)
		if err := s.IsValid(context.Background(), cert, true); !errors.Is(err, dirmngr.ErrRevoked) {
			t.Errorf("expected revoked, got %v", err)
		}
	})

	t.Run("conditional", func(t *testing.T) {
		sim := &scauthtest.Dirmngr{Conditional: map[string]string{
			dirmngr.CertID(cert): dirmngr.Fingerprint(other),
		}}
		s := connect(t, sim.Handle)
		err := s.IsValid(context.Background(), cert, false)
		var cond *dirmngr.ConditionalError
		if !errors.As(err, &cond) {
			t.Fatalf("expected conditional validity, got %v", err)
		}
		if got := strings.ToUpper(hex.EncodeToString(cond.Fingerprint[:])); got != dirmngr.Fingerprint(other) {
			t.Errorf("fingerprint %s, want %s", got, dirmngr.Fingerprint(other))
		}
	})

	t.Run("added certificate", func(t *testing.T) {
		sim := &scauthtest.Dirmngr{Conditional: map[string]string{
			dirmngr.CertID(cert): dirmngr.Fingerprint(other),
		}}
		s := connect(t, sim.Handle)
		s.AddCertificates(other)

		err := s.IsValid(context.Background(), cert, false)
		var cond *dirmngr.ConditionalError
		if !errors.As(err, &cond) {
			t.Fatalf("expected conditional validity, got %v", err)
		}
		if got := s.Certificate(cond.Fingerprint); got == nil || !got.Equal(other) {
			t.Errorf("condition does not name the added certificate")
		}
		if sent := sim.SentCerts(); len(sent) != 1 || !bytes.Equal(sent[0], other.Raw) {
			t.Errorf("expected added certificate to be sent, got %d certificates", len(sent))
		}
	})

	t.Run("malformed condition", func(t *testing.T) {
		sim := &scauthtest.Dirmngr{Conditional: map[string]string{
			dirmngr.CertID(cert): "NOT-HEX",
		}}
		s := connect(t, sim.Handle)
		if err := s.IsValid(context.Background(), cert, false); !errors.Is(err, dirmngr.ErrIntegrity) {
			t.Errorf("expected integrity error, got %v", err)
		}
	})
}
