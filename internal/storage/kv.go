// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the persistence substrate and chat persistence.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage closed")

	// ErrChatNotFound is returned when a chat id is not in the list.
	ErrChatNotFound = errors.New("chat not found")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// =============================================================================
// KV INTERFACE
// =============================================================================

// Change describes a mutation of the store.
//
// Key is empty for External changes, since another process may have
// rewritten any number of keys.
type Change struct {
	Key      string
	External bool
}

// Affects reports whether the change may have touched key.
func (c Change) Affects(key string) bool {
	return c.Key == "" || c.Key == key
}

// KV is a string key-value substrate with change notifications.
//
// Implementations are safe for concurrent use. Set and Remove publish a
// Change to subscribers after the write is durable.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Set stores value under key.
	Set(key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Keys returns all keys in sorted order.
	Keys() ([]string, error)

	// Subscribe registers fn for change notifications and returns a
	// function that unregisters it.
	Subscribe(fn func(Change)) (cancel func())

	// Close releases resources and stops any watcher.
	Close() error
}

// Watcher is implemented by backends that can detect writes made by other
// processes. Watch returns once the watch is established and stops when
// ctx is cancelled or the store is closed.
type Watcher interface {
	Watch(ctx context.Context) error
}

// =============================================================================
// JSON HELPERS
// =============================================================================

// GetJSON decodes the JSON value stored under key into v.
// It reports false when the key is absent.
func GetJSON(kv KV, key string, v any) (bool, error) {
	raw, ok, err := kv.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(key, string(data))
}

// GetString returns the value under key, or "" when absent.
func GetString(kv KV, key string) (string, error) {
	v, _, err := kv.Get(key)
	return v, err
}

// SetOrRemove stores value, or removes the key when value is empty.
func SetOrRemove(kv KV, key, value string) error {
	if value == "" {
		return kv.Remove(key)
	}
	return kv.Set(key, value)
}

// =============================================================================
// SUBSCRIBERS
// =============================================================================

// notifier fans change notifications out to subscribers. Backends embed it.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

// Subscribe registers fn and returns its cancel function.
func (n *notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]func(Change))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// publish calls every subscriber in registration order. Subscribers run
// on the caller's goroutine and must not block.
func (n *notifier) publish(c Change) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the KV backend named by backend, persisted at path.
func Open(backend, path string, log logrus.FieldLogger) (KV, error) {
	switch strings.ToLower(backend) {
	case "", BackendFile:
		return OpenFile(path, log)
	case BackendSQLite:
		return OpenSQLite(path, log)
	case BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
