// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements a user database in non-persistent memory.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Users maps card serial numbers to accounts. It is safe for concurrent use.
type Users struct {
	mu      sync.RWMutex
	entries [][2]string
}

// NewUsers initializes the database with pairs of serial numbers and
// accounts.
func NewUsers(pairs ...[2]string) *Users {
	u := new(Users)
	for _, p := range pairs {
		u.Add(p[0], p[1])
	}
	return u
}

// Add maps a card to an account.
func (u *Users) Add(serial, account string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e := [2]string{strings.ToUpper(serial), account}
	if !slices.Contains(u.entries, e) {
		u.entries = append(u.entries, e)
	}
}

// AccountsForSerial returns the accounts of a card.
func (u *Users) AccountsForSerial(_ context.Context, serial string) ([]string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var accounts []string
	for _, e := range u.entries {
		if strings.EqualFold(e[0], serial) {
			accounts = append(accounts, e[1])
		}
	}
	return accounts, nil
}

// SerialsForAccount returns the cards of an account.
func (u *Users) SerialsForAccount(_ context.Context, account string) ([]string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var serials []string
	for _, e := range u.entries {
		if e[1] == account {
			serials = append(serials, e[0])
		}
	}
	return serials, nil
}
