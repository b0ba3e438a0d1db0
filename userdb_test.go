// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package scauth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	scauth "github.com/scauth/go-scauth"
	"github.com/scauth/go-scauth/internal/memory"
)

const usersFile = `# card serial                    account
D2760001240102000005000012340000   jane
d2760001240102000005000099990000   john

D2760001240102000005000099990000   admin
`

func TestFileDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	if err := os.WriteFile(path, []byte(usersFile), 0o600); err != nil {
		t.Fatal(err)
	}
	testUserDB(t, scauth.FileDB{Path: path})
}

func TestMemoryDB(t *testing.T) {
	testUserDB(t, memory.NewUsers(
		[2]string{"D2760001240102000005000012340000", "jane"},
		[2]string{"d2760001240102000005000099990000", "john"},
		[2]string{"D2760001240102000005000099990000", "admin"},
	))
}

func testUserDB(t *testing.T, db scauth.UserDB) {
	ctx := context.Background()

	account, err := scauth.ResolveAccount(ctx, db, "d2760001240102000005000012340000")
	if err != nil {
		t.Fatal(err)
	}
	if account != "jane" {
		t.Errorf("got %q, want jane", account)
	}

	_, err = scauth.ResolveAccount(ctx, db, "D2760001240102000005000099990000")
	var ambiguous *scauth.AmbiguousAccountError
	if !errors.As(err, &ambiguous) || !errors.Is(err, scauth.ErrAmbiguousAccount) {
		t.Fatalf("expected ambiguous account, got %v", err)
	}
	if !slices.Equal(ambiguous.Accounts, []string{"john", "admin"}) {
		t.Errorf("ambiguous accounts %q", ambiguous.Accounts)
	}

	if _, err := scauth.ResolveAccount(ctx, db, "00"); !errors.Is(err, scauth.ErrUnknownAccount) {
		t.Errorf("expected unknown account, got %v", err)
	}

	for _, tc := range []struct {
		serial, account string
		ok              bool
	}{
		{"D2760001240102000005000012340000", "jane", true},
		{"D2760001240102000005000099990000", "admin", true},
		{"D2760001240102000005000012340000", "admin", false},
		{"D2760001240102000005000012340000", "nobody", false},
	} {
		ok, err := scauth.CardOwnsAccount(ctx, db, tc.serial, tc.account)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tc.ok {
			t.Errorf("%s as %s: got %t, want %t", tc.serial, tc.account, ok, tc.ok)
		}
	}
}

func TestFileDBAdd(t *testing.T) {
	db := scauth.FileDB{Path: filepath.Join(t.TempDir(), "users")}
	for range 2 {
		if err := db.Add("ABCD", "jane"); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Add("ABCD", "jane doe"); err == nil {
		t.Error("expected error for account with space")
	}

	entries, err := db.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != (scauth.Entry{Serial: "ABCD", Account: "jane"}) {
		t.Errorf("entries %+v", entries)
	}

	t.Run("no trailing newline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "users")
		if err := os.WriteFile(path, []byte("D2760001 jane"), 0o600); err != nil {
			t.Fatal(err)
		}
		db := scauth.FileDB{Path: path}
		if err := db.Add("D2760002", "bob"); err != nil {
			t.Fatal(err)
		}

		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(b), "D2760001 jane\nD2760002 bob\n"; got != want {
			t.Errorf("file %q, want %q", got, want)
		}
		accounts, err := db.AccountsForSerial(context.Background(), "D2760001")
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(accounts, []string{"jane"}) {
			t.Errorf("accounts %v", accounts)
		}
	})
}

func TestFileDBMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	if err := os.WriteFile(path, []byte("ABCD jane\nEFGH\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (scauth.FileDB{Path: path}).AccountsForSerial(context.Background(), "ABCD"); !errors.Is(err, scauth.ErrInvalidConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}
