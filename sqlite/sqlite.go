// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements the user database with a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	scauth "github.com/scauth/go-scauth"
)

// ErrNotFound is returned when removing a mapping which does not exist.
var ErrNotFound = errors.New("not found")

// DB maps card serial numbers to accounts.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// Compile-time check for interface implementation correctness
var _ scauth.UserDB = (*DB)(nil)

// New creates a DB. The expected tables must be created before the database
// is used.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created. It does not recognize if tables have
// been created with invalid schemas.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users
			( serial TEXT NOT NULL COLLATE NOCASE
			, account TEXT NOT NULL
			, PRIMARY KEY(serial, account)
			)`,
		`CREATE INDEX IF NOT EXISTS users_account
			ON users(account)`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

// AddUser maps a card to an account. Adding an existing mapping is a no-op.
func (db *DB) AddUser(ctx context.Context, serial, account string) error {
	if serial == "" || account == "" {
		return fmt.Errorf("serial number and account are required")
	}
	return insertOrIgnore(db.debugCtx(ctx), db.db, "users", map[string]any{
		"serial":  serial,
		"account": account,
	})
}

// RemoveUser removes the mapping of a card to an account. If it does not
// exist, ErrNotFound is returned.
func (db *DB) RemoveUser(ctx context.Context, serial, account string) error {
	return remove(db.debugCtx(ctx), db.db, "users", map[string]any{
		"serial":  serial,
		"account": account,
	})
}

// Users returns all mappings, ordered by account and serial number.
func (db *DB) Users(ctx context.Context) ([]scauth.Entry, error) {
	ctx = db.debugCtx(ctx)
	query := "SELECT `serial`, `account` FROM users ORDER BY `account`, `serial`"
	debug(ctx, "sqlite: %s", query)

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []scauth.Entry
	for rows.Next() {
		var e scauth.Entry
		if err := rows.Scan(&e.Serial, &e.Account); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	return entries, nil
}

// AccountsForSerial implements scauth.UserDB.
func (db *DB) AccountsForSerial(ctx context.Context, serial string) ([]string, error) {
	return queryColumn(db.debugCtx(ctx), db.db, "users", "account", map[string]any{"serial": serial})
}

// SerialsForAccount implements scauth.UserDB.
func (db *DB) SerialsForAccount(ctx context.Context, account string) ([]string, error) {
	return queryColumn(db.debugCtx(ctx), db.db, "users", "serial", map[string]any{"account": account})
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// whereClause builds the WHERE clause of a query in a stable order.
func whereClause(where map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = where[key]
	}
	return strings.Join(clauses, " AND "), vals
}

// insertOrIgnore adds a row unless it conflicts with an existing one.
func insertOrIgnore(ctx context.Context, db execer, table string, kvs map[string]any) error {
	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	query := fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
	)
	debug(ctx, "sqlite: %s\n%+v", query, args)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func queryColumn(ctx context.Context, db querier, table, column string, where map[string]any) ([]string, error) {
	clause, vals := whereClause(where)
	query := fmt.Sprintf("SELECT `%s` FROM %s WHERE %s ORDER BY rowid", column, table, clause)
	debug(ctx, "sqlite: %s\n%+v", query, where)

	rows, err := db.QueryContext(ctx, query, vals...)
	if err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	return values, nil
}

func remove(ctx context.Context, db execer, table string, where map[string]any) error {
	clause, vals := whereClause(where)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, clause)
	debug(ctx, "sqlite: %s\n%+v", query, vals)

	result, err := db.ExecContext(ctx, query, vals...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return ErrNotFound
	}
	return nil
}
