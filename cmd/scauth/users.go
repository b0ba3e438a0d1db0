// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	scauth "github.com/scauth/go-scauth"
	"github.com/scauth/go-scauth/sqlite"
)

var usersFlags = flag.NewFlagSet("users", flag.ContinueOnError)

// userStore is a user database which can also be administered.
type userStore interface {
	scauth.UserDB
	List(context.Context) ([]scauth.Entry, error)
	Add(ctx context.Context, serial, account string) error
	Remove(ctx context.Context, serial, account string) error
	Close() error
}

func openUsers() (userStore, error) {
	switch usersKind {
	case "file":
		return fileStore{scauth.FileDB{Path: usersPath}}, nil
	case "sqlite":
		db, err := sqlite.Open(usersPath, usersPassword)
		if err != nil {
			return nil, err
		}
		if debug {
			db.DebugLog = os.Stderr
		}
		return sqliteStore{db}, nil
	default:
		return nil, &scauth.ConfigError{Field: "user database", Reason: fmt.Sprintf("unknown kind %q", usersKind)}
	}
}

type fileStore struct{ scauth.FileDB }

func (s fileStore) List(context.Context) ([]scauth.Entry, error) { return s.Entries() }

func (s fileStore) Add(_ context.Context, serial, account string) error {
	return s.FileDB.Add(serial, account)
}

func (s fileStore) Remove(context.Context, string, string) error {
	return errors.New("file user databases are edited by hand")
}

func (fileStore) Close() error { return nil }

type sqliteStore struct{ *sqlite.DB }

func (s sqliteStore) List(ctx context.Context) ([]scauth.Entry, error) { return s.Users(ctx) }

func (s sqliteStore) Add(ctx context.Context, serial, account string) error {
	return s.AddUser(ctx, serial, account)
}

func (s sqliteStore) Remove(ctx context.Context, serial, account string) error {
	return s.RemoveUser(ctx, serial, account)
}

func users(ctx context.Context) error {
	db, err := openUsers()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	switch usersFlags.Arg(0) {
	case "", "list":
		entries, err := db.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SERIAL\tACCOUNT")
		for _, e := range entries {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", e.Serial, e.Account)
		}
		return w.Flush()

	case "add", "remove":
		if usersFlags.NArg() != 3 {
			return fmt.Errorf("usage: users %s <serial> <account>", usersFlags.Arg(0))
		}
		serial, account := usersFlags.Arg(1), usersFlags.Arg(2)
		if usersFlags.Arg(0) == "add" {
			return db.Add(ctx, serial, account)
		}
		return db.Remove(ctx, serial, account)

	case "show":
		if usersFlags.NArg() != 2 {
			return errors.New("usage: users show <serial>")
		}
		accounts, err := db.AccountsForSerial(ctx, usersFlags.Arg(1))
		if err != nil {
			return err
		}
		for _, account := range accounts {
			fmt.Println(account)
		}
		return nil

	default:
		return fmt.Errorf("unknown users command %q", usersFlags.Arg(0))
	}
}
