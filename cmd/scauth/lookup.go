// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	scauth "github.com/scauth/go-scauth"
	"github.com/scauth/go-scauth/dirmngr"
)

var lookupFlags = flag.NewFlagSet("lookup", flag.ContinueOnError)

var (
	lookupValidate bool
	lookupPEM      bool
)

func init() {
	lookupFlags.BoolVar(&lookupValidate, "validate", false, "Validate the chain and revocation status of the certificate")
	lookupFlags.BoolVar(&lookupPEM, "pem", false, "Print the certificate as PEM")
}

func lookup(ctx context.Context) error {
	url := lookupFlags.Arg(0)
	if url == "" {
		return errors.New("usage: lookup [options] <url>")
	}
	cfg, err := config()
	if err != nil {
		return err
	}
	m, err := cfg.Dirmngr.Module()
	if err != nil {
		return err
	}
	ds, err := dirmngr.Connect(ctx, m, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := ds.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("disconnecting directory manager", "error", err)
		}
	}()

	if cfg.ResponderCerts != "" {
		certs, err := scauth.LoadCertificates(cfg.ResponderCerts)
		if err != nil {
			return err
		}
		ds.AddCertificates(certs...)
	}

	cert, err := ds.LookupByURL(ctx, url)
	if err != nil {
		return err
	}
	if lookupValidate {
		if err := ds.Validate(ctx, cert); err != nil {
			return err
		}
		if err := ds.IsValid(ctx, cert, cfg.OCSP); err != nil {
			return err
		}
	}

	if lookupPEM {
		return pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	fmt.Printf("Subject:     %s\n", cert.Subject)
	fmt.Printf("Issuer:      %s\n", cert.Issuer)
	fmt.Printf("Serial:      %X\n", cert.SerialNumber)
	fmt.Printf("Not after:   %s\n", cert.NotAfter.Format("2006-01-02 15:04:05"))
	fmt.Printf("Fingerprint: %s\n", dirmngr.Fingerprint(cert))
	if lookupValidate {
		fmt.Println("Status:      valid")
	}
	return nil
}
