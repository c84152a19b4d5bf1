// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings loads the fieldschema configuration file.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/fieldschema/pkg/logging"
	"github.com/AleutianAI/fieldschema/services/fields/itemstore"
	"github.com/AleutianAI/fieldschema/services/fields/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default configuration file location.
const EnvConfigPath = "FIELDSCHEMA_CONFIG"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid settings")

// Settings is the root of the configuration file.
type Settings struct {
	Store     StoreSettings    `yaml:"store"`
	Schema    SchemaSettings   `yaml:"schema"`
	HTTP      HTTPSettings     `yaml:"http"`
	Log       LogSettings      `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreSettings configures the item store.
type StoreSettings struct {
	// Path is the BadgerDB directory. A leading ~ expands to the home
	// directory.
	Path string `yaml:"path" validate:"required_unless=InMemory true"`

	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"min=0"`
}

// SchemaSettings configures schema loading and remote pushes.
type SchemaSettings struct {
	// LatestPath overrides the embedded latest schema.
	LatestPath string `yaml:"latest_path"`

	// StrictBootstrap fails startup when the latest schema cannot be
	// applied instead of keeping the committed one.
	StrictBootstrap bool `yaml:"strict_bootstrap"`

	// WatchFile is a schema XML file applied whenever it changes. Empty
	// disables watching.
	WatchFile string `yaml:"watch_file"`

	// WatchDebounce is the minimum gap between applied pushes.
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"min=0"`
}

// HTTPSettings configures the API server.
type HTTPSettings struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// UpdateTimeout bounds how long POST /v1/fields waits for the
	// migration to finish.
	UpdateTimeout time.Duration `yaml:"update_timeout" validate:"gt=0"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `yaml:"level" validate:"loglevel"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Quiet  bool   `yaml:"quiet"`
}

// DefaultSettings returns defaults for a local install.
func DefaultSettings() Settings {
	return Settings{
		Store: StoreSettings{
			Path:       filepath.Join("~", ".fieldschema", "store"),
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Schema: SchemaSettings{
			WatchDebounce: 2 * time.Second,
		},
		HTTP: HTTPSettings{
			Listen:        "127.0.0.1:8087",
			UpdateTimeout: 30 * time.Second,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("loglevel", validateLogLevel)
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// Validate checks s against its struct tags.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// DefaultPath returns the configuration file location.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".fieldschema", "fieldschema.yaml"), nil
}

// Load reads the configuration file at path.
//
// Description:
//
//	Starts from DefaultSettings and overlays the file, so omitted fields
//	keep their defaults. An empty path uses DefaultPath. A missing file at
//	the default location is created with the defaults; a missing explicit
//	path is an error.
//
// Outputs:
//
//	Settings - The validated settings.
//	error - Non-nil if the file cannot be read, parsed or validated.
func Load(path string) (Settings, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return Settings{}, err
		}
		path = p
	}

	s := DefaultSettings()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		if err := writeDefault(path); err != nil {
			return Settings{}, err
		}
	default:
		return Settings{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoggingConfig converts the log settings.
func (s Settings) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(s.Log.Level)
	format := logging.FormatAuto
	switch s.Log.Format {
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	}
	return logging.Config{
		Level:   level,
		LogDir:  s.Log.Dir,
		Service: "fieldschema",
		Format:  format,
		Quiet:   s.Log.Quiet,
	}
}

// StoreConfig converts the store settings.
func (s Settings) StoreConfig(logger *slog.Logger) itemstore.Config {
	cfg := itemstore.DefaultConfig()
	cfg.Path = expandHome(s.Store.Path)
	cfg.InMemory = s.Store.InMemory
	cfg.SyncWrites = s.Store.SyncWrites
	cfg.GCInterval = s.Store.GCInterval
	cfg.Logger = logger
	return cfg
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
