// Package kv is a namespaced settings view over storage.Store.
//
// A namespace is loaded once; reads are served from memory and writes go
// through to the store. With no store the namespace is memory-only.
package kv

import (
	"context"
	"sync"

	"relaybot/internal/storage"
)

type Namespace struct {
	name  string
	store storage.Store

	mu   sync.RWMutex
	data map[string]string
}

// Load reads ns from store. store may be nil.
func Load(ctx context.Context, store storage.Store, ns string) (*Namespace, error) {
	n := &Namespace{name: ns, store: store, data: map[string]string{}}
	if store == nil {
		return n, nil
	}
	m, err := store.LoadNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	for k, v := range m {
		n.data[k] = v
	}
	return n, nil
}

func (n *Namespace) Name() string { return n.name }

// Get returns the current value of key. Safe to call from any goroutine.
func (n *Namespace) Get(key string) (string, bool) {
	if n == nil {
		return "", false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.data[key]
	return v, ok
}

// Set persists then caches value. On store error the cache is unchanged.
func (n *Namespace) Set(ctx context.Context, key, value string) error {
	if n.store != nil {
		if err := n.store.PutValue(ctx, n.name, key, value); err != nil {
			return err
		}
	}
	n.mu.Lock()
	n.data[key] = value
	n.mu.Unlock()
	return nil
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	if n.store != nil {
		if err := n.store.DeleteValue(ctx, n.name, key); err != nil {
			return err
		}
	}
	n.mu.Lock()
	delete(n.data, key)
	n.mu.Unlock()
	return nil
}
