// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the persistence substrate and chat persistence.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/util"
)

// DefaultWatchDebounce coalesces bursts of filesystem events from one
// external write (create temp, write, rename).
const DefaultWatchDebounce = 150 * time.Millisecond

// File is a KV persisted as a single JSON object on disk.
//
// Every write rewrites the whole file atomically. Watch detects rewrites
// made by another process and publishes an External change after
// reloading.
type File struct {
	notifier

	path     string
	log      logrus.FieldLogger
	debounce time.Duration

	mu      sync.RWMutex
	data    map[string]string
	lastSum [sha256.Size]byte
	closed  bool

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	timer   *time.Timer
}

// OpenFile opens or creates the JSON store at path.
//
// A file that does not parse is moved aside to path+".corrupt" and the
// store starts empty.
func OpenFile(path string, log logrus.FieldLogger) (*File, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	f := &File{
		path:     abs,
		log:      logging.OrDiscard(log),
		debounce: DefaultWatchDebounce,
		data:     make(map[string]string),
	}

	raw, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}

	data, err := decodeFile(raw)
	if err != nil {
		backup := abs + ".corrupt"
		f.log.WithFields(logrus.Fields{"path": abs, "backup": backup, "error": err}).Warn("STORE_CORRUPT")
		if rerr := os.Rename(abs, backup); rerr != nil {
			f.log.WithError(rerr).Warn("STORE_BACKUP_FAILED")
		}
		return f, nil
	}
	f.data = data
	f.lastSum = sha256.Sum256(raw)
	return f, nil
}

// Path returns the absolute path of the backing file.
func (f *File) Path() string {
	return f.path
}

func decodeFile(raw []byte) (map[string]string, error) {
	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Get implements KV.
func (f *File) Get(key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.data[key]
	return v, ok, nil
}

// Set implements KV.
func (f *File) Set(key, value string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.persistLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	f.publish(Change{Key: key})
	return nil
}

// Remove implements KV.
func (f *File) Remove(key string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	prev, had := f.data[key]
	if !had {
		f.mu.Unlock()
		return nil
	}
	delete(f.data, key)
	if err := f.persistLocked(); err != nil {
		f.data[key] = prev
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	f.publish(Change{Key: key})
	return nil
}

// Keys implements KV.
func (f *File) Keys() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// persistLocked writes the map to disk. Caller holds f.mu.
func (f *File) persistLocked() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(f.path, raw, 0600, 0700); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	f.lastSum = sha256.Sum256(raw)
	return nil
}

// =============================================================================
// EXTERNAL CHANGE WATCHING
// =============================================================================

// Watch starts an fsnotify watch on the store's directory. Atomic renames
// replace the inode, so the directory is watched rather than the file.
func (f *File) Watch(ctx context.Context) error {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()

	if f.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	f.watcher = w
	f.cancel = cancel

	go f.processEvents(ctx, w)

	f.log.WithField("path", f.path).Debug("STORE_WATCH_STARTED")
	return nil
}

// processEvents forwards relevant events to the debounced reload.
func (f *File) processEvents(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				f.scheduleReload()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.WithError(err).Warn("STORE_WATCH_ERROR")
		}
	}
}

func (f *File) scheduleReload() {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()

	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, f.reload)
}

// reload re-reads the file and publishes an External change when its
// contents differ from what this process last wrote or read. The read
// happens under f.mu so a concurrent Set cannot land between reading and
// comparing.
func (f *File) reload() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		raw = nil
	} else if err != nil {
		f.mu.Unlock()
		f.log.WithError(err).Warn("STORE_RELOAD_FAILED")
		return
	}

	sum := sha256.Sum256(raw)
	if sum == f.lastSum {
		f.mu.Unlock()
		return
	}
	data, err := decodeFile(raw)
	if err != nil {
		// Likely caught mid-write by a non-atomic writer; the next event retries.
		f.mu.Unlock()
		f.log.WithError(err).Debug("STORE_RELOAD_SKIPPED")
		return
	}
	f.data = data
	f.lastSum = sum
	f.mu.Unlock()

	f.log.WithField("path", f.path).Info("STORE_EXTERNAL_CHANGE")
	f.publish(Change{External: true})
}

// Close implements KV.
func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	if f.cancel != nil {
		f.cancel()
	}
	if f.watcher != nil {
		err := f.watcher.Close()
		f.watcher = nil
		return err
	}
	return nil
}
