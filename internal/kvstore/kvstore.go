// Package kvstore is the persistence adapter for client-side durable state:
// rate-limit records, offline cache entries, the cart and the guest id.
// Values are opaque strings; callers own their encoding.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the key has no value
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a string key/value store that survives process restarts
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ExpiringStore is implemented by backends that can expire keys themselves
type ExpiringStore interface {
	Store
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Namespaced prefixes every key with "<prefix>:" so concerns sharing a backend
// never collide.
type Namespaced struct {
	Store
	prefix string
}

func WithNamespace(s Store, prefix string) *Namespaced {
	return &Namespaced{Store: s, prefix: strings.TrimSuffix(prefix, ":") + ":"}
}

func (n *Namespaced) Get(ctx context.Context, key string) (string, error) {
	return n.Store.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key, value string) error {
	return n.Store.Set(ctx, n.prefix+key, value)
}

func (n *Namespaced) Remove(ctx context.Context, key string) error {
	return n.Store.Remove(ctx, n.prefix+key)
}

// SetWithTTL forwards to the backend when it supports expiry, otherwise it is a plain Set
func (n *Namespaced) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if es, ok := n.Store.(ExpiringStore); ok {
		return es.SetWithTTL(ctx, n.prefix+key, value, ttl)
	}
	return n.Store.Set(ctx, n.prefix+key, value)
}

// MemoryStore keeps values in process memory. It is used in tests and when no
// durable backend is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored keys
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
