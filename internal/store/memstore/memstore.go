// Package memstore is an in-memory Backend used by unit tests across
// internal/store, internal/executor, and internal/runtime. It has no
// persistence and no real isolation between concurrent transactions
// beyond a single global mutex — exactly enough to exercise store's
// business logic without standing up Badger or Postgres.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aspuru-guzik-group/funsies/internal/store"
)

// Backend is an in-memory implementation of store.Backend.
type Backend struct {
	mu   sync.Mutex
	data map[string][]byte
	subs []*subscription
}

type subscription struct {
	prefixes []string
	ch       chan store.Notification
}

// New returns an empty in-memory Backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// View runs fn against a read-only snapshot of the current data.
func (b *Backend) View(ctx context.Context, fn func(store.Txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	txn := &txn{backend: b, readOnly: true}
	return fn(txn)
}

// Update runs fn against the live map; fn's writes are held in a local
// overlay and applied (and notified) only if fn returns nil.
func (b *Backend) Update(ctx context.Context, fn func(store.Txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	txn := &txn{backend: b}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.writes {
		if v == nil {
			delete(b.data, k)
		} else {
			b.data[k] = v
		}
	}
	for _, key := range txn.notified {
		b.publish(key)
	}
	return nil
}

func (b *Backend) publish(key string) {
	for _, sub := range b.subs {
		for _, p := range sub.prefixes {
			if strings.HasPrefix(key, p) {
				select {
				case sub.ch <- store.Notification{Key: key}:
				default:
				}
				break
			}
		}
	}
}

// Subscribe registers a buffered channel that receives a Notification
// whenever a committed Update touches a key under one of prefixes.
func (b *Backend) Subscribe(ctx context.Context, prefixes []string) (<-chan store.Notification, func(), error) {
	b.mu.Lock()
	sub := &subscription{prefixes: prefixes, ch: make(chan store.Notification, 64)}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

// Close is a no-op; memstore holds no external resources.
func (b *Backend) Close() error { return nil }

type txn struct {
	backend  *Backend
	readOnly bool
	writes   map[string][]byte // nil value means "deleted"
	notified []string
}

func (t *txn) Get(key string) ([]byte, error) {
	if t.writes != nil {
		if v, ok := t.writes[key]; ok {
			if v == nil {
				return nil, store.ErrNotFound
			}
			return append([]byte(nil), v...), nil
		}
	}
	v, ok := t.backend.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *txn) Set(key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	if t.writes == nil {
		t.writes = make(map[string][]byte)
	}
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

func (t *txn) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	if t.writes == nil {
		t.writes = make(map[string][]byte)
	}
	t.writes[key] = nil
	return nil
}

func (t *txn) Exists(key string) (bool, error) {
	_, err := t.Get(key)
	if err == store.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *txn) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	keys := make(map[string]bool)
	for k := range t.backend.data {
		if strings.HasPrefix(k, prefix) {
			keys[k] = true
		}
	}
	for k, v := range t.writes {
		if strings.HasPrefix(k, prefix) {
			if v == nil {
				delete(keys, k)
			} else {
				keys[k] = true
			}
		}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		val, err := t.Get(k)
		if err != nil {
			return err
		}
		if err := fn(k, val); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) Notify(key string) {
	t.notified = append(t.notified, key)
}

var errReadOnly = &readOnlyError{}

type readOnlyError struct{}

func (*readOnlyError) Error() string { return "memstore: write inside a read-only transaction" }
