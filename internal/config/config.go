// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete convobuddy configuration.
type Config struct {
	// DataDir holds the store, the chat REPL history and the log file.
	DataDir string `toml:"data_dir" json:"data_dir"`

	// DefaultModel is used when no model was selected before.
	DefaultModel string `toml:"default_model" json:"default_model"`

	Storage    StorageConfig    `toml:"storage" json:"storage"`
	Generation GenerationConfig `toml:"generation" json:"generation"`
	HTTP       HTTPConfig       `toml:"http" json:"http"`
	Log        LogConfig        `toml:"log" json:"log"`
	UI         UIConfig         `toml:"ui" json:"ui"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend"`
	// File is the store path. Relative paths are under DataDir.
	File string `toml:"file" json:"file"`
	// Watch reloads chats when another process rewrites the file store.
	Watch bool `toml:"watch" json:"watch"`
}

// GenerationConfig holds defaults for new chats.
type GenerationConfig struct {
	Temperature   float64 `toml:"temperature" json:"temperature"`
	ContextLength int     `toml:"context_length" json:"context_length"`
}

// HTTPConfig holds client timeouts. Streaming requests are bounded by the
// connect timeout only.
type HTTPConfig struct {
	Timeout        Duration `toml:"timeout" json:"timeout"`
	ConnectTimeout Duration `toml:"connect_timeout" json:"connect_timeout"`
}

// LogConfig controls the logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level"`
	// Format is text or json.
	Format string `toml:"format" json:"format"`
	// File receives log output. Relative paths are under DataDir. Empty means stderr.
	File string `toml:"file" json:"file"`
}

// UIConfig contains terminal rendering settings.
type UIConfig struct {
	// Markdown renders finished assistant replies with glamour.
	Markdown bool `toml:"markdown" json:"markdown"`
	// WordWrap is the render width. 0 uses the terminal width.
	WordWrap int `toml:"word_wrap" json:"word_wrap"`
}

// Duration is a time.Duration written as a string such as "60s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Limits enforced by Validate.
const (
	MinTemperature   = 0.0
	MaxTemperature   = 2.0
	MinContextLength = 512
	MaxContextLength = 32768
)

// Default returns a Config with sensible default values. DataDir is left
// empty and resolved by SetDefaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "file",
			Watch:   true,
		},
		Generation: GenerationConfig{
			Temperature:   0.7,
			ContextLength: 4096,
		},
		HTTP: HTTPConfig{
			Timeout:        Duration{60 * time.Second},
			ConnectTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		UI: UIConfig{
			Markdown: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the convobuddy configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".convobuddy"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// StorePath returns the absolute path of the KV store for the configured
// backend.
func (c *Config) StorePath() string {
	file := c.Storage.File
	if file == "" {
		switch c.Storage.Backend {
		case "sqlite":
			file = "convobuddy.db"
		default:
			file = "convobuddy.json"
		}
	}
	return c.underDataDir(file)
}

// LogPath returns the absolute log file path, or "" for stderr.
func (c *Config) LogPath() string {
	if c.Log.File == "" {
		return ""
	}
	return c.underDataDir(c.Log.File)
}

// HistoryPath returns the chat REPL history file.
func (c *Config) HistoryPath() string {
	return c.underDataDir("history")
}

func (c *Config) underDataDir(p string) string {
	p = util.ExpandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(util.ExpandHome(c.DataDir), p)
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from ~/.convobuddy. TOML is tried first, then
// JSON, then built-in defaults. Environment overrides are applied last.
//
// A file that fails to decode is reported alongside the default config so
// the caller may choose to continue.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	if path, err := ConfigPathTOML(); err == nil && fileExists(path) {
		if err := LoadTOML(cfg, path); err != nil {
			loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			cfg = Default()
		} else {
			return finalize(cfg)
		}
	}

	if path, err := ConfigPathJSON(); err == nil && fileExists(path) {
		if err := LoadJSON(cfg, path); err != nil {
			loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			cfg = Default()
		} else {
			return finalize(cfg)
		}
	}

	out, err := finalize(cfg)
	if err != nil {
		return nil, err
	}
	return out, loadErr
}

// LoadFromPath loads configuration from a specific file with full
// validation. A .json suffix selects JSON; anything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	path = util.ExpandHome(path)

	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	return finalize(cfg)
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

func finalize(cfg *Config) (*Config, error) {
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SetDefaults fills zero values that have no meaningful zero.
func (c *Config) SetDefaults() {
	d := Default()
	if c.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.DataDir = dir
		} else {
			c.DataDir = ".convobuddy"
		}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Generation.ContextLength == 0 {
		c.Generation.ContextLength = d.Generation.ContextLength
	}
	if c.HTTP.Timeout.Duration == 0 {
		c.HTTP.Timeout = d.HTTP.Timeout
	}
	if c.HTTP.ConnectTimeout.Duration == 0 {
		c.HTTP.ConnectTimeout = d.HTTP.ConnectTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# convobuddy configuration file\n")
	b.WriteString("# Generated by convobuddy - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(b.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration to a JSON file with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems as ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	switch c.Storage.Backend {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{"storage.backend", fmt.Sprintf("unknown backend %q (want file, sqlite or memory)", c.Storage.Backend)})
	}

	if t := c.Generation.Temperature; t < MinTemperature || t > MaxTemperature {
		errs = append(errs, ValidationError{"generation.temperature", fmt.Sprintf("%.2f out of range [%.1f, %.1f]", t, MinTemperature, MaxTemperature)})
	}
	if n := c.Generation.ContextLength; n < MinContextLength || n > MaxContextLength {
		errs = append(errs, ValidationError{"generation.context_length", fmt.Sprintf("%d out of range [%d, %d]", n, MinContextLength, MaxContextLength)})
	}

	if c.HTTP.Timeout.Duration < 0 {
		errs = append(errs, ValidationError{"http.timeout", "must not be negative"})
	}
	if c.HTTP.ConnectTimeout.Duration < 0 {
		errs = append(errs, ValidationError{"http.connect_timeout", "must not be negative"})
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, ValidationError{"log.level", err.Error()})
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{"log.format", fmt.Sprintf("unknown format %q (want text or json)", c.Log.Format)})
	}

	if c.UI.WordWrap < 0 {
		errs = append(errs, ValidationError{"ui.word_wrap", "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// Environment variables read by ApplyEnvOverrides.
const (
	EnvDataDir       = "CONVOBUDDY_DATA_DIR"
	EnvStorage       = "CONVOBUDDY_STORAGE"
	EnvLogLevel      = "CONVOBUDDY_LOG_LEVEL"
	EnvTemperature   = "CONVOBUDDY_TEMPERATURE"
	EnvContextLength = "CONVOBUDDY_CONTEXT_LENGTH"
	EnvModel         = "CONVOBUDDY_MODEL"
)

// ApplyEnvOverrides applies environment variable overrides to the config.
// Unparsable numeric values are reported and leave the field unchanged.
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors

	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvStorage); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv(EnvTemperature); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, ValidationError{EnvTemperature, fmt.Sprintf("invalid number %q", v)})
		} else {
			c.Generation.Temperature = t
		}
	}
	if v := os.Getenv(EnvContextLength); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{EnvContextLength, fmt.Sprintf("invalid integer %q", v)})
		} else {
			c.Generation.ContextLength = n
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "log.level").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if d, ok := field.Interface().(Duration); ok {
		return d.String(), nil
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g. "ui.word_wrap").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct || field.Type() == reflect.TypeOf(Duration{}) {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		if field.Type() == reflect.TypeOf(Duration{}) {
			var d Duration
			if err := d.UnmarshalText([]byte(strVal)); err != nil {
				return fmt.Errorf("invalid duration value: %v", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation, sorted.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("toml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(Duration{}) {
				walk(f.Type, prefix+name+".")
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the configuration as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
