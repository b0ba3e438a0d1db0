// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	scauth "github.com/scauth/go-scauth"
)

var loginFlags = flag.NewFlagSet("login", flag.ContinueOnError)

var loginUser string

func init() {
	loginFlags.StringVar(&loginUser, "user", "", "Require the card to be registered for `account`")
}

func login(ctx context.Context) error {
	cfg, err := config()
	if err != nil {
		return err
	}
	db, err := openUsers()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	svc := &scauth.Service{
		Config: cfg,
		Users:  db,
		Conv:   terminalConversation(),
		Log:    slog.Default(),
	}
	account, err := svc.Login(ctx, loginUser)
	if err != nil {
		return err
	}
	fmt.Println(account)
	return nil
}
