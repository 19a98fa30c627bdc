// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/jeranaias/minivault/internal/util"
)

// LocalFileName is the config file looked up in the working directory.
const LocalFileName = "minivault.toml"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete MiniVault configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Log       LogConfig       `toml:"log"`
	CORS      CORSConfig      `toml:"cors"`
	RateLimit RateLimitConfig `toml:"rate_limit"`

	// Path is the file the configuration was read from. Empty when only
	// defaults and environment were used.
	Path string `toml:"-"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host" env:"MINIVAULT_HOST"`
	// Port keeps the plain PORT variable for compatibility with existing
	// deployments.
	Port            int           `toml:"port" env:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `toml:"read_timeout" env:"MINIVAULT_READ_TIMEOUT" validate:"gte=0"`
	WriteTimeout    time.Duration `toml:"write_timeout" env:"MINIVAULT_WRITE_TIMEOUT" validate:"gte=0"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"MINIVAULT_SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BackendConfig describes the Ollama inference server.
type BackendConfig struct {
	URL   string `toml:"url" env:"MINIVAULT_OLLAMA_URL" validate:"required,http_url"`
	Model string `toml:"model" env:"MINIVAULT_MODEL" validate:"required"`
	// Timeout bounds a whole backend exchange. Zero means no timeout.
	Timeout      time.Duration `toml:"timeout" env:"MINIVAULT_BACKEND_TIMEOUT" validate:"gte=0"`
	StreamBuffer int           `toml:"stream_buffer" env:"MINIVAULT_STREAM_BUFFER" validate:"min=1,max=4096"`
}

// LogConfig covers both the interaction log and operator logging.
type LogConfig struct {
	Path    string `toml:"path" env:"MINIVAULT_LOG_PATH" validate:"required"`
	Backend string `toml:"backend" env:"MINIVAULT_LOG_BACKEND" validate:"oneof=jsonl sqlite"`
	Level   string `toml:"level" env:"MINIVAULT_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format  string `toml:"format" env:"MINIVAULT_LOG_FORMAT" validate:"oneof=auto json console"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins" env:"MINIVAULT_CORS_ORIGINS" envSeparator:","`
}

// RateLimitConfig configures the optional per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" env:"MINIVAULT_RATE_LIMIT_ENABLED"`
	RequestsPerSecond float64 `toml:"requests_per_second" env:"MINIVAULT_RATE_LIMIT_RPS" validate:"gt=0"`
	Burst             int     `toml:"burst" env:"MINIVAULT_RATE_LIMIT_BURST" validate:"min=1"`
}

// Default returns the built-in configuration. It matches the behaviour of
// the service before configuration existed: port 3000, model phi3, a local
// Ollama, and logs/log.jsonl.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streamed responses have no upper bound
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			URL:          "http://localhost:11434",
			Model:        "phi3",
			Timeout:      0,
			StreamBuffer: 16,
		},
		Log: LogConfig{
			Path:    filepath.Join("logs", "log.jsonl"),
			Backend: "jsonl",
			Level:   "info",
			Format:  "auto",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 20,
			Burst:             50,
		},
	}
}

// =============================================================================
// FILE LOCATIONS
// =============================================================================

// ConfigDir returns the per-user configuration directory (~/.minivault).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".minivault"), nil
}

// UserConfigPath returns ~/.minivault/config.toml.
func UserConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// FindConfigFile returns the first existing config file, or "" if none.
func FindConfigFile() string {
	if _, err := os.Stat(LocalFileName); err == nil {
		return LocalFileName
	}
	if p, err := UserConfigPath(); err == nil {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load builds the effective configuration. An explicit path must exist; an
// empty path falls back to FindConfigFile and then to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = FindConfigFile()
	}
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path on top of cfg. Keys missing from
// the file keep their current values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// LoadDotEnv loads variables from a dotenv file into the process
// environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides overlays environment variables onto the config. A nil
// environ reads the process environment.
func (c *Config) ApplyEnvOverrides(environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.Parse(c, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to path as TOML. The file is written
// atomically with owner-only permissions.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# MiniVault configuration file\n")
	buf.WriteString("# Environment variables (PORT, MINIVAULT_*) override these values.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Sprintf("<unencodable config: %v>", err)
	}
	return buf.String()
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a single invalid field.
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

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their TOML key so errors match what users edit.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and returns ValidateErrors when any
// field is out of range.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make(ValidateErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		errs = append(errs, ValidationError{Field: field, Message: describe(fe)})
	}
	return errs
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "http_url":
		return fmt.Sprintf("must be an http(s) URL, got %q", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
