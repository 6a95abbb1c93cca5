// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger is the embedded, single-node store.Backend: an
// internal/store Backend/Txn pair over github.com/dgraph-io/badger/v4,
// with ZSTD value-log compression and Badger's native Subscribe API as
// the wake-up channel behind store.Backend.Subscribe.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	bg "github.com/dgraph-io/badger/v4"
	bgopt "github.com/dgraph-io/badger/v4/options"

	"github.com/aspuru-guzik-group/funsies/internal/store"
)

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the directory for database files. Required unless
	// InMemory is set.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful
	// for tests that still want real Badger CAS/scan semantics rather
	// than the memstore fake.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives Badger's internal log lines. If nil, Badger's
	// logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a production single-node
// deployment: synchronous writes, ZSTD-compressed value log.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Backend implements store.Backend over a single *badger.DB.
type Backend struct {
	db *bg.DB
}

// Open opens (creating if necessary) a Badger-backed store.Backend.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent store")
	}

	var opts bg.Options
	if cfg.InMemory {
		opts = bg.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create database directory %s: %w", cfg.Path, err)
		}
		opts = bg.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithCompression(bgopt.ZSTD)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := bg.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}
	return &Backend{db: db}, nil
}

// View runs fn in a read-only Badger transaction.
func (b *Backend) View(ctx context.Context, fn func(store.Txn) error) error {
	return b.db.View(func(t *bg.Txn) error {
		return fn(&txn{t: t})
	})
}

// Update runs fn in a read-write Badger transaction. Txn.Notify writes
// nothing here: Badger's own Subscribe already fires on every committed
// write to a watched prefix, so no touch-key or separate notification
// log is needed.
func (b *Backend) Update(ctx context.Context, fn func(store.Txn) error) error {
	for {
		err := b.db.Update(func(t *bg.Txn) error {
			return fn(&txn{t: t})
		})
		if errors.Is(err, bg.ErrConflict) {
			continue // Badger's own optimistic-conflict retry
		}
		return err
	}
}

// Subscribe watches every given prefix via Badger's native Subscribe
// API, translating Badger's KVList callback into store.Notification
// values.
func (b *Backend) Subscribe(ctx context.Context, prefixes []string) (<-chan store.Notification, func(), error) {
	ch := make(chan store.Notification, 64)
	subCtx, cancel := context.WithCancel(ctx)

	matches := make([][]byte, len(prefixes))
	for i, p := range prefixes {
		matches[i] = []byte(p)
	}

	go func() {
		defer close(ch)
		_ = b.db.Subscribe(subCtx, func(kv *bg.KVList) error {
			for _, item := range kv.GetKv() {
				select {
				case ch <- store.Notification{Key: string(item.GetKey())}:
				default:
				}
			}
			return nil
		}, matches...)
	}()

	return ch, cancel, nil
}

// Close releases the underlying Badger database.
func (b *Backend) Close() error { return b.db.Close() }

type txn struct{ t *bg.Txn }

func (tx *txn) Get(key string) ([]byte, error) {
	item, err := tx.t.Get([]byte(key))
	if errors.Is(err, bg.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (tx *txn) Set(key string, value []byte) error {
	return tx.t.Set([]byte(key), value)
}

func (tx *txn) Delete(key string) error {
	return tx.t.Delete([]byte(key))
}

func (tx *txn) Exists(key string) (bool, error) {
	_, err := tx.t.Get([]byte(key))
	if errors.Is(err, bg.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (tx *txn) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	opts := bg.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := tx.t.NewIterator(opts)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.Key()), val); err != nil {
			return err
		}
	}
	return nil
}

// Notify is a no-op here: Badger's Subscribe already wakes waiters on
// every committed write under a watched prefix, so a separate publish
// step would be redundant.
func (tx *txn) Notify(key string) {}
