// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	scauth "github.com/scauth/go-scauth"
	"github.com/scauth/go-scauth/card"
)

var (
	learnFlags   = flag.NewFlagSet("learn", flag.ContinueOnError)
	serialFlags  = flag.NewFlagSet("serial", flag.ContinueOnError)
	waitFlags    = flag.NewFlagSet("wait", flag.ContinueOnError)
	readkeyFlags = flag.NewFlagSet("readkey", flag.ContinueOnError)
	getinfoFlags = flag.NewFlagSet("getinfo", flag.ContinueOnError)
)

var (
	readkeyID    string
	readkeyStore bool
)

func init() {
	readkeyFlags.StringVar(&readkeyID, "id", "", "Key `id` to read (default: the authentication key)")
	readkeyFlags.BoolVar(&readkeyStore, "store", false, "Save the key in the key store under the card's serial number")
}

// withCard connects to the card daemon named by the global options.
func withCard(ctx context.Context, fn func(*card.Session, scauth.Config) error) error {
	cfg, err := config()
	if err != nil {
		return err
	}
	m, err := cfg.Scdaemon.Module()
	if err != nil {
		return err
	}
	cs, err := card.Connect(ctx, m, slog.Default())
	if err != nil {
		return err
	}
	return errors.Join(fn(cs, cfg), cs.Close(context.WithoutCancel(ctx)))
}

func learn(ctx context.Context) error {
	return withCard(ctx, func(cs *card.Session, _ scauth.Config) error {
		var info card.Info
		if err := cs.Learn(ctx, &info); err != nil {
			return err
		}
		fmt.Printf("Serial number: %s\n", info.Serial)
		if info.AppType != "" {
			fmt.Printf("Application:   %s\n", info.AppType)
		}
		if info.DisplayName != "" {
			fmt.Printf("Name:          %s\n", info.DisplayName)
		}
		if info.DisplayLang != "" {
			fmt.Printf("Language:      %s\n", info.DisplayLang)
		}
		if info.LoginData != "" {
			fmt.Printf("Login data:    %s\n", info.LoginData)
		}
		if info.PubkeyURL != "" {
			fmt.Printf("Public key:    %s\n", info.PubkeyURL)
		}
		for i, fpr := range info.Fingerprints {
			if fpr.Valid {
				fmt.Printf("Key %d:         %s\n", i+1, fpr)
			}
		}
		for _, kp := range info.KeyPairs {
			fmt.Printf("Keypair:       %s %s\n", kp.Keygrip, kp.KeyID)
		}
		return nil
	})
}

func serial(ctx context.Context) error {
	return withCard(ctx, func(cs *card.Session, _ scauth.Config) error {
		sn, err := cs.SerialNumber(ctx)
		if err != nil {
			return err
		}
		fmt.Println(sn)
		return nil
	})
}

func wait(ctx context.Context) error {
	return withCard(ctx, func(cs *card.Session, cfg scauth.Config) error {
		sn, err := cs.WaitForCard(ctx, card.WaitOptions{
			Timeout:  cfg.WaitTimeout,
			Interval: cfg.PollInterval,
			Notify: func(context.Context) {
				_, _ = fmt.Fprintln(os.Stderr, "Insert your card")
			},
		})
		if err != nil {
			return err
		}
		fmt.Println(sn)
		return nil
	})
}

func readkey(ctx context.Context) error {
	return withCard(ctx, func(cs *card.Session, cfg scauth.Config) error {
		id := readkeyID
		if id == "" {
			id = cfg.KeyID
		}
		pub, err := cs.ReadPublicKey(ctx, id)
		if err != nil {
			return err
		}

		if readkeyStore {
			sn, err := cs.SerialNumber(ctx)
			if err != nil {
				return err
			}
			if err := (scauth.KeyStore{Dir: cfg.KeyDir}).Store(sn, pub); err != nil {
				return err
			}
			slog.Info("stored public key", "serial", sn, "dir", cfg.KeyDir)
			return nil
		}

		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return fmt.Errorf("encoding public key: %w", err)
		}
		return pem.Encode(os.Stdout, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
	})
}

func getinfo(ctx context.Context) error {
	what := getinfoFlags.Arg(0)
	if what == "" {
		return errors.New("usage: getinfo <version|pid|socket_name|reader_list|...>")
	}
	return withCard(ctx, func(cs *card.Session, _ scauth.Config) error {
		value, err := cs.GetInfo(ctx, what)
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	})
}
