// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"crypto"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/scauth/go-scauth/daemon"
)

// AuthMethod selects where the public key of a card comes from.
type AuthMethod string

// Authentication methods
const (
	// MethodLocal loads the key from the key store by card serial number.
	MethodLocal AuthMethod = "local"

	// MethodX509 fetches a certificate from the card's public key URL and
	// has the directory manager validate it.
	MethodX509 AuthMethod = "x509"
)

// DaemonConfig locates a daemon.
type DaemonConfig struct {
	// Program is the daemon executable, or the path of its socket.
	Program string

	// Options is an optional configuration file passed to the daemon.
	Options string

	// Info is an info string "<socket>:<pid>:<version>" of a running
	// daemon. It takes precedence over Program.
	Info string
}

// Module returns the daemon.Module connecting to the daemon.
func (c DaemonConfig) Module() (daemon.Module, error) {
	if c.Info != "" {
		sock, err := daemon.NewSocketFromInfo(c.Info)
		if err != nil {
			return nil, &ConfigError{Field: "info string", Reason: err.Error()}
		}
		return sock, nil
	}
	if c.Program == "" {
		return nil, fmt.Errorf("%w: no daemon configured", ErrInvalidConfig)
	}
	if fi, err := os.Stat(c.Program); err == nil && fi.Mode().Type() == fs.ModeSocket {
		return &daemon.Socket{Path: c.Program}, nil
	}
	return &daemon.Command{Program: c.Program, Options: c.Options}, nil
}

// Config holds all settings of a Service.
type Config struct {
	// Scdaemon is the card daemon.
	Scdaemon DaemonConfig

	// Dirmngr is the directory manager, only needed for MethodX509.
	Dirmngr DaemonConfig

	// Method selects the source of public keys.
	Method AuthMethod

	// KeyDir holds the public keys for MethodLocal.
	KeyDir string

	// OCSP makes certificate status checks use OCSP instead of CRLs.
	OCSP bool

	// ResponderCerts is an optional PEM file of certificates the directory
	// manager may ask for, typically delegated OCSP responder certificates.
	// When the status of the card's certificate depends on one of them, it
	// is validated in turn.
	ResponderCerts string

	// KeyID is the card key used for signing.
	KeyID string

	// Hash is the challenge digest algorithm.
	Hash crypto.Hash

	// WaitTimeout bounds the time waiting for a card. Zero waits until the
	// context is done.
	WaitTimeout time.Duration

	// PollInterval is the delay between card presence checks.
	PollInterval time.Duration
}

// Default values
const (
	DefaultScdaemon = "/usr/lib/gnupg/scdaemon"
	DefaultDirmngr  = "/usr/bin/dirmngr"
	DefaultKeyDir   = "/etc/scauth/keys"
	DefaultKeyID    = "OPENPGP.3"
)

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Scdaemon:     DaemonConfig{Program: DefaultScdaemon},
		Dirmngr:      DaemonConfig{Program: DefaultDirmngr},
		Method:       MethodLocal,
		KeyDir:       DefaultKeyDir,
		KeyID:        DefaultKeyID,
		Hash:         DefaultHash,
		PollInterval: 300 * time.Millisecond,
	}
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.Scdaemon.Program == "" && c.Scdaemon.Info == "" {
		return &ConfigError{Field: "scdaemon", Reason: "no program or info string"}
	}
	switch c.Method {
	case MethodLocal:
		if c.KeyDir == "" {
			return &ConfigError{Field: "key directory", Reason: "required for local authentication"}
		}
	case MethodX509:
		if c.Dirmngr.Program == "" && c.Dirmngr.Info == "" {
			return &ConfigError{Field: "dirmngr", Reason: "required for x509 authentication"}
		}
	default:
		return &ConfigError{Field: "method", Reason: fmt.Sprintf("unknown method %q", c.Method)}
	}
	if c.KeyID == "" || strings.ContainsAny(c.KeyID, " \t\r\n") {
		return &ConfigError{Field: "key id", Reason: fmt.Sprintf("invalid key ID %q", c.KeyID)}
	}
	if !SupportedHash(c.Hash) {
		return &ConfigError{Field: "hash", Reason: fmt.Sprintf("unsupported digest algorithm %v", c.Hash)}
	}
	if c.WaitTimeout < 0 {
		return &ConfigError{Field: "wait timeout", Reason: "negative"}
	}
	if c.PollInterval <= 0 {
		return &ConfigError{Field: "poll interval", Reason: "must be positive"}
	}
	return nil
}

// ParseHash returns the hash with the given name, e.g. "sha256".
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "sha1":
		return crypto.SHA1, nil
	case "sha224":
		return crypto.SHA224, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, &ConfigError{Field: "hash", Reason: fmt.Sprintf("unknown digest algorithm %q", name)}
}
