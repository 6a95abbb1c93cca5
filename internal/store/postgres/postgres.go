// Package postgres is the networked, multi-process-safe store.Backend:
// an internal/store Backend/Txn pair over database/sql and
// github.com/lib/pq, backed by a single flat key/value table.
// Transactions map onto SQL transactions; reads inside a transaction
// take row locks (SELECT ... FOR UPDATE) so two worker processes
// racing to claim the same operation serialize instead of double-
// executing it. The wake-up channel is Postgres LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/aspuru-guzik-group/funsies/internal/store"
)

const notifyChannel = "funsies_store_events"

const schema = `
CREATE TABLE IF NOT EXISTS funsies_kv (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
`

// Backend implements store.Backend over a Postgres database reached
// through a DSN understood by lib/pq.
type Backend struct {
	db       *sql.DB
	listener *pq.Listener
}

// Open connects to dsn, ensures the backing table exists, and starts a
// LISTEN connection for Subscribe.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, nil)
	if err := listener.Listen(notifyChannel); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}

	return &Backend{db: db, listener: listener}, nil
}

// View runs fn in a read-only SQL transaction.
func (b *Backend) View(ctx context.Context, fn func(store.Txn) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(&txn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Update runs fn in a read-write SQL transaction, retrying once on a
// serialization failure, and fires pg_notify for every key queued via
// Notify once the transaction commits.
func (b *Backend) Update(ctx context.Context, fn func(store.Txn) error) error {
	for attempt := 0; ; attempt++ {
		sqlTx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		t := &txn{ctx: ctx, tx: sqlTx}
		if err := fn(t); err != nil {
			sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			if isSerializationFailure(err) && attempt == 0 {
				continue
			}
			return err
		}
		for _, key := range t.notified {
			if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, key); err != nil {
				return err
			}
		}
		return nil
	}
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Subscribe filters the shared LISTEN connection's notifications down
// to keys matching any of prefixes.
func (b *Backend) Subscribe(ctx context.Context, prefixes []string) (<-chan store.Notification, func(), error) {
	ch := make(chan store.Notification, 64)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case n, ok := <-b.listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					continue
				}
				for _, p := range prefixes {
					if strings.HasPrefix(n.Extra, p) {
						select {
						case ch <- store.Notification{Key: n.Extra}:
						default:
						}
						break
					}
				}
			}
		}
	}()

	return ch, func() { close(done) }, nil
}

// Close releases the database pool and the LISTEN connection.
func (b *Backend) Close() error {
	listenErr := b.listener.Close()
	dbErr := b.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return listenErr
}

type txn struct {
	ctx      context.Context
	tx       *sql.Tx
	notified []string
}

func (t *txn) Get(key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM funsies_kv WHERE key = $1 FOR UPDATE", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return value, err
}

func (t *txn) Set(key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO funsies_kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

func (t *txn) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM funsies_kv WHERE key = $1", key)
	return err
}

func (t *txn) Exists(key string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, "SELECT EXISTS(SELECT 1 FROM funsies_kv WHERE key = $1)", key).Scan(&exists)
	return exists, err
}

func (t *txn) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT key, value FROM funsies_kv WHERE key LIKE $1 ORDER BY key",
		escapeLike(prefix)+"%")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *txn) Notify(key string) {
	t.notified = append(t.notified, key)
}

// escapeLike escapes LIKE metacharacters in a literal prefix. Keys in
// this schema are always "word:" + hex, so this is defensive rather
// than load-bearing today.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
