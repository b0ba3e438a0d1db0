// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	scauth "github.com/scauth/go-scauth"
	"github.com/scauth/go-scauth/daemon"
	"github.com/scauth/go-scauth/dirmngr"
	"github.com/scauth/go-scauth/internal/memory"
	"github.com/scauth/go-scauth/scauthtest"
)

const (
	cardSerial = "D2760001240102000005000012340000"
	certURL    = "https://pki.example.com/certs/jane.der"
)

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type loginTest struct {
	card    *scauthtest.Card
	dirmngr *scauthtest.Dirmngr
	users   *memory.Users
	told    []string
	asked   []string
	answer  string
	log     syncBuffer
	service *scauth.Service
}

func newLoginTest(t *testing.T) *loginTest {
	lt := &loginTest{
		card: &scauthtest.Card{
			Serial:    cardSerial,
			PubkeyURL: certURL,
			Key:       scauthtest.Key(t, 0),
			PIN:       "123456",
		},
		dirmngr: &scauthtest.Dirmngr{Certs: map[string][]*x509.Certificate{
			certURL: {scauthtest.Certificate(t, scauthtest.Key(t, 0), "jane")},
		}},
		users: memory.NewUsers([2]string{cardSerial, "jane"}),
	}

	keyDir := t.TempDir()
	if err := (scauth.KeyStore{Dir: keyDir}).Store(cardSerial, &lt.card.Key.PublicKey); err != nil {
		t.Fatal(err)
	}

	cfg := scauth.DefaultConfig()
	cfg.KeyDir = keyDir
	cfg.PollInterval = time.Millisecond
	cfg.WaitTimeout = 5 * time.Second

	var daemons []*scauthtest.Daemon
	module := func(handle func(context.Context, *scauthtest.ServerConn, string) error) func() (daemon.Module, error) {
		return func() (daemon.Module, error) {
			d := &scauthtest.Daemon{Handle: handle}
			daemons = append(daemons, d)
			return d, nil
		}
	}
	t.Cleanup(func() {
		for _, d := range daemons {
			if d.Running() {
				t.Error("daemon left running")
			}
			if err := d.Err(); err != nil {
				t.Errorf("daemon: %v", err)
			}
		}
	})

	lt.service = &scauth.Service{
		Config: cfg,
		Users:  lt.users,
		Conv: &scauth.Conversation{
			Secret: func(context.Context, string) ([]byte, error) { return []byte(lt.card.PIN), nil },
			Ask: func(_ context.Context, prompt string) (string, error) {
				lt.asked = append(lt.asked, prompt)
				return lt.answer, nil
			},
			Tell: func(_ context.Context, msg string) { lt.told = append(lt.told, msg) },
		},
		Log:           slog.New(slog.NewTextHandler(&lt.log, &slog.HandlerOptions{Level: slog.LevelDebug})),
		CardModule:    module(lt.card.Handle),
		DirmngrModule: module(lt.dirmngr.Handle),
	}
	return lt
}

func (lt *loginTest) expectFailure(t *testing.T, user string, kind scauth.Kind) {
	t.Helper()
	account, err := lt.service.Login(context.Background(), user)
	if !errors.Is(err, scauth.ErrAuthFailed) || err.Error() != scauth.ErrAuthFailed.Error() {
		t.Fatalf("expected opaque authentication failure, got %v", err)
	}
	if account != "" {
		t.Errorf("account %q returned on failure", account)
	}
	if want := "kind=" + kind.String(); !strings.Contains(lt.log.String(), want) {
		t.Errorf("expected %s in log:\n%s", want, lt.log.String())
	}
}

func TestLoginLocal(t *testing.T) {
	lt := newLoginTest(t)
	lt.card.AbsentPolls = 2

	account, err := lt.service.Login(context.Background(), "")
	if err != nil {
		t.Fatalf("login: %v\n%s", err, lt.log.String())
	}
	if account != "jane" {
		t.Errorf("got account %q, want jane", account)
	}
	if lt.card.PinInquiries() != 1 {
		t.Errorf("expected 1 PIN inquiry, got %d", lt.card.PinInquiries())
	}
	if len(lt.told) != 1 || lt.told[0] != "Insert your card" {
		t.Errorf("told %q", lt.told)
	}
	if !strings.Contains(lt.log.String(), "challenge-response: authenticated") {
		t.Errorf("state transitions not logged:\n%s", lt.log.String())
	}
}

func TestLoginUsername(t *testing.T) {
	lt := newLoginTest(t)
	if account, err := lt.service.Login(context.Background(), "jane"); err != nil || account != "jane" {
		t.Fatalf("login as jane: %q, %v", account, err)
	}
	lt.expectFailure(t, "john", scauth.KindConfig)
}

func TestLoginWrongKey(t *testing.T) {
	lt := newLoginTest(t)
	lt.card.Key = scauthtest.Key(t, 1)
	lt.expectFailure(t, "", scauth.KindCrypto)
}

func TestLoginBadPIN(t *testing.T) {
	lt := newLoginTest(t)
	lt.service.Conv.Secret = func(context.Context, string) ([]byte, error) { return []byte("000000"), nil }
	lt.expectFailure(t, "", scauth.KindProtocol)
}

func TestLoginMissingKey(t *testing.T) {
	lt := newLoginTest(t)
	lt.service.Config.KeyDir = t.TempDir()
	lt.expectFailure(t, "", scauth.KindConfig)
}

func TestLoginCardAbsent(t *testing.T) {
	lt := newLoginTest(t)
	lt.card.AbsentPolls = 1 << 30
	lt.service.Config.WaitTimeout = 20 * time.Millisecond
	lt.expectFailure(t, "", scauth.KindCardAbsent)
}

func TestLoginAmbiguous(t *testing.T) {
	t.Run("resolved", func(t *testing.T) {
		lt := newLoginTest(t)
		lt.users.Add(cardSerial, "admin")
		lt.answer = "admin"

		account, err := lt.service.Login(context.Background(), "")
		if err != nil {
			t.Fatalf("login: %v\n%s", err, lt.log.String())
		}
		if account != "admin" {
			t.Errorf("got account %q, want admin", account)
		}
		if len(lt.asked) != 1 || !strings.Contains(lt.asked[0], "jane, admin") {
			t.Errorf("asked %q", lt.asked)
		}
	})

	t.Run("invalid answer", func(t *testing.T) {
		lt := newLoginTest(t)
		lt.users.Add(cardSerial, "admin")
		lt.answer = "root"
		lt.expectFailure(t, "", scauth.KindConfig)
	})

	t.Run("no prompt", func(t *testing.T) {
		lt := newLoginTest(t)
		lt.users.Add(cardSerial, "admin")
		lt.service.Conv.Ask = nil
		lt.expectFailure(t, "", scauth.KindConfig)
	})
}

func TestLoginX509(t *testing.T) {
	lt := newLoginTest(t)
	lt.service.Config.Method = scauth.MethodX509

	account, err := lt.service.Login(context.Background(), "")
	if err != nil {
		t.Fatalf("login: %v\n%s", err, lt.log.String())
	}
	if account != "jane" {
		t.Errorf("got account %q, want jane", account)
	}
	if len(lt.dirmngr.Checked()) != 1 {
		t.Errorf("certificate status checked %d times", len(lt.dirmngr.Checked()))
	}
}

func TestLoginX509Revoked(t *testing.T) {
	lt := newLoginTest(t)
	lt.service.Config.Method = scauth.MethodX509
	lt.dirmngr.Revoked = map[string]bool{"jane": true}
	lt.expectFailure(t, "", scauth.KindCrypto)
}

func TestLoginX509Conditional(t *testing.T) {
	lt := newLoginTest(t)
	lt.service.Config.Method = scauth.MethodX509
	lt.service.Config.OCSP = true
	fpr := strings.Repeat("AB", 20)
	cert := lt.dirmngr.Certs[certURL][0]
	lt.dirmngr.Conditional = map[string]string{dirmngr.Fingerprint(cert): fpr}
	lt.expectFailure(t, "", scauth.KindCrypto)
}

func TestLoginX509ConditionalResponder(t *testing.T) {
	setup := func(t *testing.T) (*loginTest, *x509.Certificate) {
		lt := newLoginTest(t)
		lt.service.Config.Method = scauth.MethodX509
		lt.service.Config.OCSP = true

		responder := scauthtest.Certificate(t, scauthtest.Key(t, 1), "ocsp responder")
		path := filepath.Join(t.TempDir(), "responders.pem")
		if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: responder.Raw}), 0o600); err != nil {
			t.Fatal(err)
		}
		lt.service.Config.ResponderCerts = path

		cert := lt.dirmngr.Certs[certURL][0]
		lt.dirmngr.Conditional = map[string]string{dirmngr.Fingerprint(cert): dirmngr.Fingerprint(responder)}
		return lt, responder
	}

	t.Run("valid", func(t *testing.T) {
		lt, responder := setup(t)
		account, err := lt.service.Login(context.Background(), "")
		if err != nil {
			t.Fatalf("login: %v\n%s", err, lt.log.String())
		}
		if account != "jane" {
			t.Errorf("got account %q, want jane", account)
		}

		sent := lt.dirmngr.SentCerts()
		if len(sent) != 1 || !bytes.Equal(sent[0], responder.Raw) {
			t.Errorf("expected responder certificate to be sent, got %d certificates", len(sent))
		}
		checked := lt.dirmngr.Checked()
		if len(checked) != 2 || checked[1] != dirmngr.CertID(responder) {
			t.Errorf("status checks %q", checked)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		lt, responder := setup(t)
		lt.dirmngr.Revoked = map[string]bool{dirmngr.CertID(responder): true}
		lt.expectFailure(t, "", scauth.KindCrypto)
	})

	t.Run("unknown", func(t *testing.T) {
		lt, _ := setup(t)
		cert := lt.dirmngr.Certs[certURL][0]
		lt.dirmngr.Conditional[dirmngr.Fingerprint(cert)] = strings.Repeat("CD", 20)
		lt.expectFailure(t, "", scauth.KindCrypto)
	})
}

func TestLoginX509NoURL(t *testing.T) {
	lt := newLoginTest(t)
	lt.service.Config.Method = scauth.MethodX509
	lt.card.PubkeyURL = ""
	lt.expectFailure(t, "", scauth.KindConfig)
}
