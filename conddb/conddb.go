// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds the persistent configuration store of the timing
// system: calibration of the channels and registers, composer settings
// and sequence defaults, stored as key/value pairs.
package conddb // import "github.com/go-lpc/tsc/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/tsc/timing"
	_ "github.com/go-sql-driver/mysql"
)

const (
	host    = "localhost"
	timeout = 5 * time.Second
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// Setting is a key/value pair of the settings table.
type Setting struct {
	Name  string
	Value string
}

// DB exposes convenience methods to easily retrieve and modify the
// settings stored in the timing system database.
type DB struct {
	db   *sql.DB
	name string // name of the timing system database
}

// Open opens a connection to the timing system database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

// Name returns the name of the database.
func (db *DB) Name() string { return db.name }

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// Value returns the value of the named setting and whether it was found.
func (db *DB) Value(ctx context.Context, name string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		value string
		found bool
	)
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT value FROM settings WHERE name=? LIMIT 1",
		name,
	)
	if err != nil {
		return value, found, fmt.Errorf("conddb: could not query setting %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&value)
		if err != nil {
			return value, found, fmt.Errorf("conddb: could not get setting %q value: %w", name, err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return value, found, fmt.Errorf("conddb: could not scan db for setting %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return value, found, fmt.Errorf("conddb: context error while retrieving setting %q: %w", name, err)
	}

	return value, found, nil
}

// Settings returns all the settings whose name starts with prefix.
func (db *DB) Settings(ctx context.Context, prefix string) ([]Setting, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var kvs []Setting
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name, value FROM settings WHERE name LIKE ? ORDER BY name",
		prefix+"%",
	)
	if err != nil {
		return kvs, fmt.Errorf("conddb: could not run settings query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kv Setting
		err = rows.Scan(&kv.Name, &kv.Value)
		if err != nil {
			return kvs, fmt.Errorf("conddb: could not scan settings: %w", err)
		}
		kvs = append(kvs, kv)
	}

	if err := rows.Err(); err != nil {
		return kvs, fmt.Errorf("conddb: could not scan db for settings: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return kvs, fmt.Errorf("conddb: context error while retrieving settings: %w", err)
	}

	return kvs, nil
}

// SetValue stores the value of the named setting.
func (db *DB) SetValue(ctx context.Context, name, value string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO settings (name, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value=VALUES(value)",
		name, value,
	)
	if err != nil {
		return fmt.Errorf("conddb: could not store setting %q: %w", name, err)
	}
	return nil
}

// Get implements timing.Store.
// Get returns def when the setting is missing or the database could not
// be queried.
func (db *DB) Get(key, def string) string {
	v, ok, err := db.Value(context.Background(), key)
	if err != nil || !ok {
		return def
	}
	return v
}

// Set implements timing.Store.
func (db *DB) Set(key, value string) error {
	return db.SetValue(context.Background(), key, value)
}

var (
	_ timing.Store = (*DB)(nil)
	_ timing.Store = (*Mem)(nil)
)
