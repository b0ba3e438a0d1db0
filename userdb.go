// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// UserDB maps card serial numbers to accounts, in both directions.
// Implementations must compare serial numbers case-insensitively.
type UserDB interface {
	// AccountsForSerial returns all accounts the card may log in to, or
	// none.
	AccountsForSerial(ctx context.Context, serial string) ([]string, error)

	// SerialsForAccount returns all cards which may log in to the account,
	// or none.
	SerialsForAccount(ctx context.Context, account string) ([]string, error)
}

// ResolveAccount returns the single account of the card. If there is none, an
// error wrapping ErrUnknownAccount is returned, and if there are several an
// *AmbiguousAccountError.
func ResolveAccount(ctx context.Context, db UserDB, serial string) (string, error) {
	accounts, err := db.AccountsForSerial(ctx, serial)
	if err != nil {
		return "", fmt.Errorf("looking up account for card %s: %w", serial, err)
	}
	switch len(accounts) {
	case 0:
		return "", fmt.Errorf("%w %s", ErrUnknownAccount, serial)
	case 1:
		return accounts[0], nil
	default:
		return "", &AmbiguousAccountError{Serial: serial, Accounts: accounts}
	}
}

// CardOwnsAccount reports whether the card may log in to account.
func CardOwnsAccount(ctx context.Context, db UserDB, serial, account string) (bool, error) {
	serials, err := db.SerialsForAccount(ctx, account)
	if err != nil {
		return false, fmt.Errorf("looking up cards of account %s: %w", account, err)
	}
	return slices.ContainsFunc(serials, func(s string) bool { return strings.EqualFold(s, serial) }), nil
}

// FileDB is a UserDB stored in a text file of "<serial> <account>" lines.
// Blank lines and lines starting with # are ignored. The file is read on every
// lookup, so changes take effect immediately.
type FileDB struct {
	Path string
}

var _ UserDB = FileDB{}

// Entry is one mapping of a card to an account.
type Entry struct {
	Serial  string
	Account string
}

// Entries returns all mappings in file order.
func (db FileDB) Entries() ([]Entry, error) {
	f, err := os.Open(db.Path)
	if err != nil {
		return nil, fmt.Errorf("opening user database: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseEntries(f)
}

// ParseEntries reads "<serial> <account>" lines.
func ParseEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: user database line %d: expected serial number and account", ErrInvalidConfig, lineno)
		}
		entries = append(entries, Entry{Serial: fields[0], Account: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading user database: %w", err)
	}
	return entries, nil
}

// AccountsForSerial implements UserDB.
func (db FileDB) AccountsForSerial(_ context.Context, serial string) ([]string, error) {
	entries, err := db.Entries()
	if err != nil {
		return nil, err
	}
	var accounts []string
	for _, e := range entries {
		if strings.EqualFold(e.Serial, serial) && !slices.Contains(accounts, e.Account) {
			accounts = append(accounts, e.Account)
		}
	}
	return accounts, nil
}

// SerialsForAccount implements UserDB.
func (db FileDB) SerialsForAccount(_ context.Context, account string) ([]string, error) {
	entries, err := db.Entries()
	if err != nil {
		return nil, err
	}
	var serials []string
	for _, e := range entries {
		if e.Account == account {
			serials = append(serials, e.Serial)
		}
	}
	return serials, nil
}

// Add appends a mapping to the file, creating it if necessary. Adding an
// existing mapping is a no-op.
func (db FileDB) Add(serial, account string) error {
	if strings.ContainsAny(serial+account, " \t\r\n#") || serial == "" || account == "" {
		return fmt.Errorf("invalid user database entry %q %q", serial, account)
	}
	entries, err := db.Entries()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if slices.ContainsFunc(entries, func(e Entry) bool {
		return strings.EqualFold(e.Serial, serial) && e.Account == account
	}) {
		return nil
	}

	f, err := os.OpenFile(db.Path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening user database: %w", err)
	}
	var sep string
	if fi, err := f.Stat(); err != nil {
		_ = f.Close()
		return fmt.Errorf("opening user database: %w", err)
	} else if fi.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
			_ = f.Close()
			return fmt.Errorf("reading user database: %w", err)
		}
		if last[0] != '\n' {
			sep = "\n"
		}
	}
	if _, err := fmt.Fprintf(f, "%s%s %s\n", sep, serial, account); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing user database: %w", err)
	}
	return f.Close()
}
