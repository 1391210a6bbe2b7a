// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider manages configured backend connections.
package provider

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/model"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// =============================================================================
// SCHEMA VERSIONS
// =============================================================================

const (
	// KeySchemaVersion records the last applied migration.
	KeySchemaVersion = "convobuddy_schema_version"

	// SchemaVersion is the version written by this build.
	SchemaVersion = 1
)

// Legacy single-provider keys. They are read, never written or removed.
const (
	LegacyKeyType = "backendProvider"
	LegacyKeyHost = "ollamaUrl"
	LegacyKeyPort = "ollamaPort"
)

// ErrFutureSchema is returned when the store was written by a newer build.
var ErrFutureSchema = errors.New("store schema is newer than this build")

// MigrationResult describes what Migrate did.
type MigrationResult struct {
	// FromVersion and ToVersion are the schema versions before and after.
	FromVersion int
	ToVersion   int

	// Provider is set when a legacy configuration was converted.
	Provider *model.Provider

	// Steps lists human-readable descriptions of applied steps.
	Steps []string
}

// Applied reports whether any migration step ran.
func (r MigrationResult) Applied() bool {
	return r.ToVersion > r.FromVersion
}

// String summarizes the result for display.
func (r MigrationResult) String() string {
	if !r.Applied() {
		return fmt.Sprintf("schema at version %d, nothing to do", r.ToVersion)
	}
	return fmt.Sprintf("migrated schema %d -> %d: %s", r.FromVersion, r.ToVersion, strings.Join(r.Steps, "; "))
}

// =============================================================================
// MIGRATE
// =============================================================================

// Migrate brings the store up to SchemaVersion. It runs once at startup
// and is a no-op when the store is already current.
func Migrate(kv storage.KV, log logrus.FieldLogger) (MigrationResult, error) {
	log = logging.OrDiscard(log)

	from, err := schemaVersion(kv)
	if err != nil {
		return MigrationResult{}, err
	}
	result := MigrationResult{FromVersion: from, ToVersion: from}

	if from > SchemaVersion {
		return result, fmt.Errorf("%w: found %d, supported %d", ErrFutureSchema, from, SchemaVersion)
	}

	if from < 1 {
		p, err := migrateLegacyProvider(kv)
		if err != nil {
			return result, fmt.Errorf("migrate legacy provider: %w", err)
		}
		if p != nil {
			result.Provider = p
			result.Steps = append(result.Steps, fmt.Sprintf("converted legacy %s settings to provider %q (%s)", p.Type, p.Name, p.URL))
			log.WithFields(logrus.Fields{
				"provider_id": p.ID,
				"type":        p.Type,
				"url":         p.URL,
			}).Info("PROVIDER_MIGRATED")
		} else {
			result.Steps = append(result.Steps, "initialized schema")
		}
		if err := kv.Set(KeySchemaVersion, strconv.Itoa(1)); err != nil {
			return result, err
		}
		result.ToVersion = 1
	}

	return result, nil
}

func schemaVersion(kv storage.KV) (int, error) {
	raw, ok, err := kv.Get(KeySchemaVersion)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", KeySchemaVersion, raw, err)
	}
	return v, nil
}

// migrateLegacyProvider converts the legacy type/host/port keys into a
// provider record when no provider list exists yet.
func migrateLegacyProvider(kv storage.KV) (*model.Provider, error) {
	if _, ok, err := kv.Get(KeyProviders); err != nil || ok {
		return nil, err
	}

	legacyType, hasType, err := kv.Get(LegacyKeyType)
	if err != nil {
		return nil, err
	}
	host, hasHost, err := kv.Get(LegacyKeyHost)
	if err != nil {
		return nil, err
	}
	port, hasPort, err := kv.Get(LegacyKeyPort)
	if err != nil {
		return nil, err
	}
	if !hasType && !hasHost && !hasPort {
		return nil, nil
	}

	pt := model.ProviderType(strings.TrimSpace(legacyType))
	if !pt.Valid() {
		pt = model.ProviderOllama
	}

	p := model.Provider{
		ID:   uuid.NewString(),
		Name: model.DefaultProviderName,
		URL:  LegacyURL(string(pt), host, port),
		Type: pt,
	}
	if err := storage.SetJSON(kv, KeyProviders, []model.Provider{p}); err != nil {
		return nil, err
	}
	if err := kv.Set(KeyActiveProvider, p.ID); err != nil {
		return nil, err
	}
	return &p, nil
}
