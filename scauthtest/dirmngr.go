// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauthtest

import (
	"bytes"
	"context"
	"crypto/x509"
	"strings"
	"sync"

	"github.com/scauth/go-scauth/assuan"
)

// Dirmngr simulates a directory manager. Use Handle as the Handle function of
// a Daemon.
type Dirmngr struct {
	// Certs maps URLs to the certificates returned by LOOKUP --url.
	Certs map[string][]*x509.Certificate

	// Revoked holds the certificate IDs for which ISVALID fails and the
	// subject common names for which VALIDATE fails.
	Revoked map[string]bool

	// Conditional maps certificate IDs to the fingerprint sent in an
	// ONLY_VALID_IF_CERT_VALID status line.
	Conditional map[string]string

	// AskIssuer makes VALIDATE inquire for the issuer certificate.
	AskIssuer bool

	mu      sync.Mutex
	checked []string
	target  []byte
	sent    [][]byte
}

// Checked returns the IDs passed to ISVALID so far.
func (d *Dirmngr) Checked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.checked...)
}

// SentCerts returns the non-empty answers to SENDCERT inquiries so far.
func (d *Dirmngr) SentCerts() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

// Target returns the certificate received with the last VALIDATE.
func (d *Dirmngr) Target() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// Handle answers directory manager commands.
func (d *Dirmngr) Handle(_ context.Context, conn *ServerConn, command string) error {
	verb, args, _ := strings.Cut(command, " ")
	switch verb {
	case "LOOKUP":
		rawURL, ok := strings.CutPrefix(args, "--url ")
		if !ok {
			return conn.ERR(assuan.CodeNotSupported, "Not supported")
		}
		u, err := assuan.UnescapePlus([]byte(rawURL))
		if err != nil {
			return conn.ERR(assuan.CodeGeneral, "Invalid value")
		}
		certs := d.Certs[string(u)]
		if len(certs) == 0 {
			return conn.ERR(assuan.CodeNotFound, "Not found")
		}
		for _, cert := range certs {
			if err := conn.Data(cert.Raw); err != nil {
				return err
			}
		}
		return conn.OK()

	case "VALIDATE":
		der, err := conn.Inquire("TARGETCERT", "")
		if err != nil {
			return conn.Reply(err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return conn.ERR(assuan.CodeGeneral, "Invalid certificate")
		}
		d.mu.Lock()
		d.target = bytes.Clone(der)
		d.mu.Unlock()
		if d.AskIssuer {
			issuer, err := conn.Inquire("SENDISSUERCERT", cert.Issuer.String())
			if err != nil {
				return conn.Reply(err)
			}
			if len(issuer) != 0 {
				return conn.ERR(assuan.CodeGeneral, "Unexpected issuer")
			}
		}
		if d.Revoked[cert.Subject.CommonName] {
			return conn.ERR(assuan.CodeCertRevoked, "Certificate revoked")
		}
		return conn.OK()

	case "ISVALID":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return conn.ERR(assuan.CodeGeneral, "Missing certificate ID")
		}
		id := fields[len(fields)-1]
		d.mu.Lock()
		d.checked = append(d.checked, args)
		d.mu.Unlock()
		if d.Revoked[id] {
			return conn.ERR(assuan.CodeCertRevoked, "Certificate revoked")
		}
		if fpr, ok := d.Conditional[id]; ok {
			if err := conn.Status("ONLY_VALID_IF_CERT_VALID", fpr); err != nil {
				return err
			}
			der, err := conn.Inquire("SENDCERT", fpr)
			if err != nil {
				return conn.Reply(err)
			}
			if len(der) > 0 {
				d.mu.Lock()
				d.sent = append(d.sent, der)
				d.mu.Unlock()
			}
		}
		return conn.OK()
	}
	return conn.ERR(assuan.CodeNotImplemented, "Not implemented")
}
