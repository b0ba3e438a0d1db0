// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/scauth/go-scauth/sexp"
)

// KeyStore holds one RSA public key per card, in a file named by the card's
// serial number.
type KeyStore struct {
	Dir string
}

func (ks KeyStore) path(serial string) (string, error) {
	if ks.Dir == "" {
		return "", &ConfigError{Field: "key directory", Reason: "not set"}
	}
	if serial == "" || strings.ContainsAny(serial, `/\.`) || strings.ContainsRune(serial, 0) {
		return "", fmt.Errorf("invalid serial number %q", serial)
	}
	return filepath.Join(ks.Dir, serial), nil
}

// Load reads the public key of the card with the given serial number. If no
// key is stored, an error wrapping ErrKeyNotFound is returned.
func (ks KeyStore) Load(serial string) (*rsa.PublicKey, error) {
	path, err := ks.path(serial)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: card %s", ErrKeyNotFound, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("reading key for card %s: %w", serial, err)
	}
	pub, err := ParsePublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return pub, nil
}

// Store writes the public key of the card with the given serial number as a
// PEM encoded PKIX public key. An existing key is not replaced.
func (ks KeyStore) Store(serial string, pub *rsa.PublicKey) error {
	path, err := ks.path(serial)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encoding key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storing key for card %s: %w", serial, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "PUBLIC KEY", Bytes: der}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("storing key for card %s: %w", serial, err)
	}
	return f.Close()
}

// ParsePublicKey decodes an RSA public key from a PEM PUBLIC KEY (PKIX) or
// RSA PUBLIC KEY (PKCS #1) block, or from an S-expression as returned by the
// card daemon.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	trimmed := bytes.TrimSpace(b)
	if bytes.HasPrefix(trimmed, []byte("(")) || bytes.HasPrefix(trimmed, []byte("{")) {
		s, err := sexp.Parse(trimmed)
		if err != nil {
			return nil, err
		}
		pub, err := sexp.RSAPublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedKey, err)
		}
		return pub, nil
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("%w: neither PEM nor S-expression", ErrUnsupportedKey)
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: PEM block %q", ErrUnsupportedKey, block.Type)
	}
}

// LoadCertificates reads all PEM CERTIFICATE blocks from the file at path.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "responder certificates", Reason: err.Error()}
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &ConfigError{Field: "responder certificates", Reason: err.Error()}
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, &ConfigError{Field: "responder certificates", Reason: "no certificates in " + path}
	}
	return certs, nil
}
