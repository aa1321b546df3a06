// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger wraps the embedded BadgerDB instance used for small
// node-local caches. Values carry native Badger TTLs, so expiry needs no
// sweeper of its own.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned by Get for missing or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// Config holds the knobs for opening the embedded store.
type Config struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string

	// InMemory runs Badger without any files. Used by tests.
	InMemory bool
}

// DefaultConfig returns a Config for an on-disk store at dir.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir}
}

// DB is a thin wrapper over a Badger instance.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type DB struct {
	db *dgbadger.DB
}

// Open opens (and creates if needed) the embedded store.
func Open(cfg Config) (*DB, error) {
	opts := dgbadger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", cfg.Dir, err)
	}
	return &DB{db: db}, nil
}

// Close flushes and closes the underlying store.
func (d *DB) Close() error {
	return d.db.Close()
}

// WithTxn runs fn inside a read-write transaction, honoring ctx
// cancellation before starting.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction, honoring ctx
// cancellation before starting.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// SetWithTTL stores value under key with a native Badger TTL.
func (d *DB) SetWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) error {
	return d.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(key, value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// Get returns the value for key, or ErrKeyNotFound when absent or expired.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := d.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
