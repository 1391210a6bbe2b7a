// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider manages configured backend connections.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// Persisted keys owned by the provider store.
const (
	KeyProviders      = "convobuddy_providers"
	KeyActiveProvider = "convobuddy_active_provider"
)

var (
	// ErrProviderNotFound is returned when an id does not match any provider.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrAmbiguous is returned by Find when a reference matches several providers.
	ErrAmbiguous = errors.New("provider reference is ambiguous")
)

// =============================================================================
// STORE
// =============================================================================

// Store manages the provider list and the active-provider pointer.
//
// The active pointer either names an existing provider or is unset; the
// store never leaves it dangling after its own mutations.
type Store struct {
	kv  storage.KV
	log logrus.FieldLogger

	mu sync.Mutex
}

// NewStore creates a provider store on top of kv. A nil logger discards.
func NewStore(kv storage.KV, log logrus.FieldLogger) *Store {
	return &Store{kv: kv, log: logging.OrDiscard(log)}
}

// Subscribe registers fn for changes that may affect providers.
func (s *Store) Subscribe(fn func(storage.Change)) func() {
	return s.kv.Subscribe(func(c storage.Change) {
		if c.Affects(KeyProviders) || c.Affects(KeyActiveProvider) {
			fn(c)
		}
	})
}

// GetProviders returns the persisted list. A corrupted list reads as empty.
func (s *Store) GetProviders() ([]model.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]model.Provider, error) {
	var list []model.Provider
	present, err := storage.GetJSON(s.kv, KeyProviders, &list)
	if err != nil {
		if !present {
			return nil, err
		}
		s.log.WithError(err).Warn("PROVIDERS_CORRUPT")
		return []model.Provider{}, nil
	}
	if list == nil {
		list = []model.Provider{}
	}
	return list, nil
}

// SaveProvider normalizes p, then inserts it or replaces the record with the
// same id. An empty id gets a fresh one. When no valid provider is active the
// saved one becomes active. The normalized record is written back to p.
func (s *Store) SaveProvider(p *model.Provider) error {
	norm, err := Normalize(*p)
	if err != nil {
		return err
	}
	if norm.ID == "" {
		norm.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range list {
		if list[i].ID == norm.ID {
			list[i] = norm
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, norm)
	}

	if err := storage.SetJSON(s.kv, KeyProviders, list); err != nil {
		return err
	}

	active, err := s.activeLocked(list)
	if err != nil {
		return err
	}
	if active == nil {
		if err := s.kv.Set(KeyActiveProvider, norm.ID); err != nil {
			return err
		}
	}

	*p = norm
	s.log.WithFields(logrus.Fields{
		"provider_id": norm.ID,
		"type":        norm.Type,
		"update":      replaced,
	}).Info("PROVIDER_SAVED")
	return nil
}

// DeleteProvider removes the provider with id. If it was active, the first
// remaining provider becomes active, or the pointer is cleared.
func (s *Store) DeleteProvider(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked()
	if err != nil {
		return err
	}

	out := make([]model.Provider, 0, len(list))
	found := false
	for _, p := range list {
		if p.ID == id {
			found = true
			continue
		}
		out = append(out, p)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	if err := storage.SetJSON(s.kv, KeyProviders, out); err != nil {
		return err
	}

	activeID, err := storage.GetString(s.kv, KeyActiveProvider)
	if err != nil {
		return err
	}
	if activeID == id {
		next := ""
		if len(out) > 0 {
			next = out[0].ID
		}
		if err := storage.SetOrRemove(s.kv, KeyActiveProvider, next); err != nil {
			return err
		}
	}

	s.log.WithField("provider_id", id).Info("PROVIDER_DELETED")
	return nil
}

// GetActiveProvider resolves the active pointer. It returns nil, nil when
// the pointer is unset or names a provider that no longer exists.
func (s *Store) GetActiveProvider() (*model.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return s.activeLocked(list)
}

func (s *Store) activeLocked(list []model.Provider) (*model.Provider, error) {
	id, err := storage.GetString(s.kv, KeyActiveProvider)
	if err != nil || id == "" {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			p := list[i]
			return &p, nil
		}
	}
	return nil, nil
}

// GetActiveProviderID returns the raw active pointer, possibly dangling.
func (s *Store) GetActiveProviderID() (string, error) {
	return storage.GetString(s.kv, KeyActiveProvider)
}

// SetActiveProviderID sets the raw active pointer. Empty clears it.
func (s *Store) SetActiveProviderID(id string) error {
	return storage.SetOrRemove(s.kv, KeyActiveProvider, id)
}

// Get returns the provider with exactly this id.
func (s *Store) Get(id string) (*model.Provider, error) {
	list, err := s.GetProviders()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			p := list[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
}

// Find resolves a user-typed reference: an exact id, a unique id prefix,
// or a case-insensitive name.
func (s *Store) Find(ref string) (*model.Provider, error) {
	list, err := s.GetProviders()
	if err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrProviderNotFound)
	}

	var matches []model.Provider
	for _, p := range list {
		if p.ID == ref {
			return &p, nil
		}
		if strings.HasPrefix(p.ID, ref) || strings.EqualFold(p.Name, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, ref)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d providers", ErrAmbiguous, ref, len(matches))
	}
}
