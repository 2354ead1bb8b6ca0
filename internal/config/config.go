// Package config loads factsync settings from config.yaml and FACTSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/roach88/factsync/internal/audit"
	"github.com/roach88/factsync/internal/reconcile"
	"github.com/roach88/factsync/internal/store"
	"github.com/roach88/factsync/internal/textdiff"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	envPrefix = "FACTSYNC"

	defaultDatabaseName = "facts.db"
)

// Config keys.
const (
	KeyDatabase       = "database"
	KeyDriver         = "driver"
	KeySchemaDir      = "schema_dir"
	KeyNaturalKey     = "natural_key"
	KeyTimestampField = "timestamp_field"
	KeyUnsetMarker    = "unset_marker"
	KeyDiffer         = "differ"
	KeyAuditLog       = "audit_log"
	KeyTagKey         = "tag_key"
	KeyKeepOnEmpty    = "keep_on_empty"
)

// AuditStdout is the audit_log value that writes audit lines to stdout.
const AuditStdout = "-"

const defaultConfigYAML = `# factsync configuration

# SQLite database file (default: <data dir>/facts.db)
# database:

# sqlite3 (cgo) or sqlite (pure Go)
driver: sqlite3

# Directory of CUE table declarations (default: built-in fact tables)
# schema_dir:

natural_key: name
timestamp_field: date
unset_marker: KEY DNE

# myers or sequence
differ: myers

# Audit sink: "-" for stdout, or a file path opened for append
audit_log: "-"
tag_key: ty_name

# Keep persisted rows when a snapshot has no records at all
keep_on_empty: false
`

// Config is the resolved configuration.
type Config struct {
	Dir            string `json:"config_dir"`
	File           string `json:"config_file,omitempty"` // empty when no file was read
	Database       string `json:"database"`
	Driver         string `json:"driver"`
	SchemaDir      string `json:"schema_dir,omitempty"`
	NaturalKey     string `json:"natural_key"`
	TimestampField string `json:"timestamp_field"`
	UnsetMarker    string `json:"unset_marker"`
	Differ         string `json:"differ"`
	AuditLog       string `json:"audit_log"`
	TagKey         string `json:"tag_key"`
	KeepOnEmpty    bool   `json:"keep_on_empty"`
}

// Load reads config.yaml from configDir, layering FACTSYNC_* environment
// variables over it and defaults under it. A missing config file is not an
// error. Relative paths in the file resolve against configDir.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault(KeyDriver, store.DriverCGO)
	v.SetDefault(KeyNaturalKey, reconcile.DefaultNaturalKey)
	v.SetDefault(KeyTimestampField, reconcile.DefaultTimestampField)
	v.SetDefault(KeyUnsetMarker, reconcile.DefaultUnset)
	v.SetDefault(KeyDiffer, textdiff.NameMyers)
	v.SetDefault(KeyAuditLog, AuditStdout)
	v.SetDefault(KeyTagKey, audit.DefaultTagKey)
	v.SetDefault(KeyKeepOnEmpty, false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Dir:            configDir,
		File:           v.ConfigFileUsed(),
		Database:       v.GetString(KeyDatabase),
		Driver:         v.GetString(KeyDriver),
		SchemaDir:      v.GetString(KeySchemaDir),
		NaturalKey:     v.GetString(KeyNaturalKey),
		TimestampField: v.GetString(KeyTimestampField),
		UnsetMarker:    v.GetString(KeyUnsetMarker),
		Differ:         v.GetString(KeyDiffer),
		AuditLog:       v.GetString(KeyAuditLog),
		TagKey:         v.GetString(KeyTagKey),
		KeepOnEmpty:    v.GetBool(KeyKeepOnEmpty),
	}

	if cfg.Database == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.Database = filepath.Join(dataDir, defaultDatabaseName)
	} else {
		cfg.Database = cfg.resolve(cfg.Database)
	}
	if cfg.SchemaDir != "" {
		cfg.SchemaDir = cfg.resolve(cfg.SchemaDir)
	}
	if cfg.AuditLog != AuditStdout && cfg.AuditLog != "" {
		cfg.AuditLog = cfg.resolve(cfg.AuditLog)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve makes p absolute relative to the config directory. The
// in-memory database name is returned unchanged.
func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	if c.Driver != store.DriverCGO && c.Driver != store.DriverPure {
		return fmt.Errorf("config: %s must be %q or %q, got %q", KeyDriver, store.DriverCGO, store.DriverPure, c.Driver)
	}
	if _, err := textdiff.ByName(c.Differ); err != nil {
		return fmt.Errorf("config: %s: %w", KeyDiffer, err)
	}
	if c.NaturalKey == "" || c.TimestampField == "" {
		return fmt.Errorf("config: %s and %s are required", KeyNaturalKey, KeyTimestampField)
	}
	if c.NaturalKey == c.TimestampField {
		return fmt.Errorf("config: %s and %s must differ", KeyNaturalKey, KeyTimestampField)
	}
	return nil
}

// StoreOptions returns the options for store.OpenWithOptions.
func (c *Config) StoreOptions() store.Options {
	return store.Options{Driver: c.Driver}
}

// ReconcileConfig builds the reconciler configuration. RunIDs and Now keep
// their production defaults.
func (c *Config) ReconcileConfig() (reconcile.Config, error) {
	differ, err := textdiff.ByName(c.Differ)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		NaturalKey:     c.NaturalKey,
		TimestampField: c.TimestampField,
		Unset:          c.UnsetMarker,
		Differ:         differ,
		KeepOnEmpty:    c.KeepOnEmpty,
	}, nil
}

// OpenAudit returns the audit sink. The returned closer is a no-op for
// stdout; file sinks are opened for append and created with mode 0600.
func (c *Config) OpenAudit(stdout io.Writer) (io.Writer, func() error, error) {
	if c.AuditLog == "" || c.AuditLog == AuditStdout {
		return stdout, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.AuditLog), 0o755); err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	f, err := os.OpenFile(c.AuditLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, f.Close, nil
}

// Emitter builds an audit emitter writing to w with the configured tag key
// and unset marker.
func (c *Config) Emitter(w io.Writer) *audit.Emitter {
	return audit.NewEmitter(w, audit.WithTagKey(c.TagKey), audit.WithUnset(c.UnsetMarker))
}

// WriteDefault creates configDir and a commented config.yaml if none
// exists. It reports whether a file was written.
func WriteDefault(configDir string) (bool, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(configDir, configFileExt)
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return false, fmt.Errorf("write config file: %w", err)
	}
	return true, nil
}
