// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package main implements the smartcard authentication command line tool.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	scauth "github.com/scauth/go-scauth"
)

var flags = flag.NewFlagSet("root", flag.ContinueOnError)

var (
	debug           bool
	scdaemonPath    string
	scdaemonOptions string
	scdaemonInfo    string
	dirmngrPath     string
	dirmngrOptions  string
	dirmngrInfo     string
	method          string
	keyDir          string
	useOCSP         bool
	responderCerts  string
	keyID           string
	hashName        string
	waitTimeout     time.Duration
	pollInterval    time.Duration
	usersPath       string
	usersKind       string
	usersPassword   string
)

func init() {
	def := scauth.DefaultConfig()
	flags.BoolVar(&debug, "debug", false, "Run subcommand with debug enabled")
	flags.StringVar(&scdaemonPath, "scdaemon", def.Scdaemon.Program, "Card daemon `path` (executable or socket)")
	flags.StringVar(&scdaemonOptions, "scdaemon-options", "", "Card daemon options `file`")
	flags.StringVar(&scdaemonInfo, "scdaemon-info", os.Getenv("SCDAEMON_INFO"), "Card daemon `info` string (socket:pid:version)")
	flags.StringVar(&dirmngrPath, "dirmngr", def.Dirmngr.Program, "Directory manager `path` (executable or socket)")
	flags.StringVar(&dirmngrOptions, "dirmngr-options", "", "Directory manager options `file`")
	flags.StringVar(&dirmngrInfo, "dirmngr-info", os.Getenv("DIRMNGR_INFO"), "Directory manager `info` string (socket:pid:version)")
	flags.StringVar(&method, "method", string(def.Method), "Public key source: local or x509")
	flags.StringVar(&keyDir, "keys", def.KeyDir, "Key store `dir`ectory for local authentication")
	flags.BoolVar(&useOCSP, "ocsp", false, "Check certificate status with OCSP instead of CRLs")
	flags.StringVar(&responderCerts, "responder-certs", "", "PEM `file` of certificates offered to the directory manager (e.g. OCSP responders)")
	flags.StringVar(&keyID, "key", def.KeyID, "Card key `id` used for authentication")
	flags.StringVar(&hashName, "hash", "sha256", "Challenge digest `algorithm`")
	flags.DurationVar(&waitTimeout, "timeout", 0, "Maximum `duration` to wait for a card (0 waits forever)")
	flags.DurationVar(&pollInterval, "poll", def.PollInterval, "Card presence polling `interval`")
	flags.StringVar(&usersPath, "users", "/etc/scauth/users", "User database `path`")
	flags.StringVar(&usersKind, "users-db", "file", "User database kind: file or sqlite")
	flags.StringVar(&usersPassword, "users-pass", "", "SQLite user database encryption `password`")
	flags.Usage = usage
}

type subcommand struct {
	flags *flag.FlagSet
	run   func(ctx context.Context) error
}

var subcommands = map[string]subcommand{
	"login":   {loginFlags, login},
	"learn":   {learnFlags, learn},
	"serial":  {serialFlags, serial},
	"wait":    {waitFlags, wait},
	"readkey": {readkeyFlags, readkey},
	"getinfo": {getinfoFlags, getinfo},
	"lookup":  {lookupFlags, lookup},
	"users":   {usersFlags, users},
}

var subcommandOrder = []string{"login", "learn", "serial", "wait", "readkey", "getinfo", "lookup", "users"}

func usage() {
	var subs string
	for _, name := range subcommandOrder {
		sub := subcommands[name]
		subs += fmt.Sprintf("\n%s options:\n%s", name, options(sub.flags))
	}
	_, _ = fmt.Fprintf(os.Stderr, `
Usage:
  scauth [global_options] [login|learn|serial|wait|readkey|getinfo|lookup|users] [--] [options] [args]

Global options:
%s%s`, options(flags), subs)
}

func options(flags *flag.FlagSet) string {
	oldOutput := flags.Output()
	defer flags.SetOutput(oldOutput)

	var buf bytes.Buffer
	flags.SetOutput(&buf)
	flags.PrintDefaults()

	return buf.String()
}

// config builds the service configuration from the global options.
func config() (scauth.Config, error) {
	hash, err := scauth.ParseHash(hashName)
	if err != nil {
		return scauth.Config{}, err
	}
	cfg := scauth.Config{
		Scdaemon:       scauth.DaemonConfig{Program: scdaemonPath, Options: scdaemonOptions, Info: scdaemonInfo},
		Dirmngr:        scauth.DaemonConfig{Program: dirmngrPath, Options: dirmngrOptions, Info: dirmngrInfo},
		Method:         scauth.AuthMethod(method),
		KeyDir:         keyDir,
		OCSP:           useOCSP,
		ResponderCerts: responderCerts,
		KeyID:          keyID,
		Hash:           hash,
		WaitTimeout:    waitTimeout,
		PollInterval:   pollInterval,
	}
	return cfg, cfg.Validate()
}

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		usage()
		os.Exit(1)
	}
	if debug {
		level.Set(slog.LevelDebug)
	}

	name := flags.Arg(0)
	var args []string
	if flags.NArg() > 1 {
		args = flags.Args()[1:]
		if flags.Arg(1) == "--" {
			args = flags.Args()[2:]
		}
	}

	sub, ok := subcommands[name]
	if !ok {
		if name != "" {
			_, _ = fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", name)
		}
		usage()
		os.Exit(1)
	}
	sub.flags.Usage = func() {}
	if err := sub.flags.Parse(args); err != nil {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := sub.run(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s error: %v\n", name, err)
		if errors.Is(err, scauth.ErrAuthFailed) {
			os.Exit(3)
		}
		os.Exit(2)
	}
}
