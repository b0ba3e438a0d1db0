// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauthtest

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/scauth/go-scauth/assuan"
	"github.com/scauth/go-scauth/sexp"
)

// Card simulates a card daemon with a single OpenPGP card inserted. Use
// Handle as the Handle function of a Daemon.
type Card struct {
	Serial      string
	DisplayName string
	PubkeyURL   string
	LoginData   string

	// KeyID is the ID of Key, OPENPGP.3 when empty.
	KeyID string
	Key   *rsa.PrivateKey

	// PIN is required for signing when not empty.
	PIN string

	// Pinpad makes the card request the PIN on a pinpad instead of asking
	// the client for it.
	Pinpad bool

	// AbsentPolls is the number of SERIALNO commands answered with "card
	// not present" before the card appears.
	AbsentPolls int

	mu      sync.Mutex
	polls   int
	pinAsks int
	data    []byte
}

// Polls returns the number of SERIALNO commands received.
func (c *Card) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// PinInquiries returns the number of PIN inquiries sent.
func (c *Card) PinInquiries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinAsks
}

// KeyFingerprint returns the fingerprint reported for the key, as hex.
func (c *Card) KeyFingerprint() string {
	sum := sha1.Sum(c.Key.N.Bytes())
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (c *Card) keyID() string {
	if c.KeyID == "" {
		return "OPENPGP.3"
	}
	return c.KeyID
}

// Handle answers card daemon commands.
func (c *Card) Handle(_ context.Context, conn *ServerConn, command string) error {
	verb, args, _ := strings.Cut(command, " ")
	switch verb {
	case "SERIALNO":
		c.mu.Lock()
		c.polls++
		absent := c.polls <= c.AbsentPolls
		c.mu.Unlock()
		if absent {
			return conn.ERR(assuan.CodeCardNotPresent, "Card not present <SCD>")
		}
		if err := conn.Status("SERIALNO", c.Serial); err != nil {
			return err
		}
		return conn.OK()

	case "LEARN":
		return c.learn(conn)

	case "SETDATA":
		data, err := hex.DecodeString(args)
		if err != nil {
			return conn.ERR(assuan.CodeGeneral, "Invalid value")
		}
		c.mu.Lock()
		c.data = data
		c.mu.Unlock()
		return conn.OK()

	case "PKSIGN":
		return c.sign(conn, args)

	case "READKEY":
		if args != c.keyID() {
			return conn.ERR(assuan.CodeNotFound, "No such key")
		}
		if err := conn.Data(sexp.FromRSAPublicKey(&c.Key.PublicKey).Canonical()); err != nil {
			return err
		}
		return conn.OK()

	case "GETINFO":
		switch args {
		case "version":
			if err := conn.Data([]byte("2.4.5")); err != nil {
				return err
			}
			return conn.OK()
		case "reader_list":
			if err := conn.Data([]byte("Simulated Reader 00 00\n")); err != nil {
				return err
			}
			return conn.OK()
		}
		return conn.ERR(assuan.CodeNotSupported, "Not supported")
	}
	return conn.ERR(assuan.CodeNotImplemented, "Not implemented")
}

func (c *Card) learn(conn *ServerConn) error {
	status := [][2]string{
		{"SERIALNO", c.Serial},
		{"APPTYPE", "openpgp"},
		{"DISP-NAME", string(assuan.Escape([]byte(c.DisplayName)))},
		{"DISP-LANG", "en"},
		{"PUBKEY-URL", string(assuan.Escape([]byte(c.PubkeyURL)))},
		{"LOGIN-DATA", string(assuan.Escape([]byte(c.LoginData)))},
		{"KEY-FPR", "1 NOT-A-FINGERPRINT"},
		{"KEY-FPR", "3 " + c.KeyFingerprint()},
		{"KEYPAIRINFO", strings.Repeat("AB", 20) + " " + c.keyID() + " sa"},
	}
	for _, s := range status {
		if err := conn.Status(s[0], s[1]); err != nil {
			return err
		}
	}
	if _, err := conn.Inquire("KNOWNCARDP", c.Serial+" 0"); err != nil {
		return conn.Reply(err)
	}
	return conn.OK()
}

func (c *Card) sign(conn *ServerConn, keyID string) error {
	if keyID != c.keyID() {
		return conn.ERR(assuan.CodeNotFound, "No such key")
	}
	c.mu.Lock()
	data := c.data
	c.data = nil
	c.mu.Unlock()
	if data == nil {
		return conn.ERR(assuan.CodeNoData, "No data")
	}

	if ok, err := c.verifyPIN(conn); !ok || err != nil {
		return err
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, c.Key, crypto.Hash(0), data)
	if err != nil {
		return conn.ERR(assuan.CodeCard, "Card error")
	}
	if err := conn.Data(sig); err != nil {
		return err
	}
	return conn.OK()
}

// verifyPIN runs the PIN inquiries. Unless the PIN is accepted, the command
// has already been terminated when it returns.
func (c *Card) verifyPIN(conn *ServerConn) (ok bool, err error) {
	if c.PIN == "" {
		return true, nil
	}
	c.mu.Lock()
	c.pinAsks++
	c.mu.Unlock()

	if c.Pinpad {
		if _, err := conn.Inquire("POPUPPINPADPROMPT", "||Please+enter+the+PIN"); err != nil {
			return false, conn.Reply(err)
		}
		if _, err := conn.Inquire("DISMISSPINPADPROMPT", ""); err != nil {
			return false, conn.Reply(err)
		}
		return true, nil
	}

	pin, err := conn.Inquire("NEEDPIN", "||Please+enter+the+PIN")
	if err != nil {
		return false, conn.Reply(err)
	}
	if string(pin) != c.PIN {
		return false, conn.ERR(assuan.CodeBadPIN, "Bad PIN")
	}
	return true, nil
}
