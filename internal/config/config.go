// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads authd settings.
//
// Sources are layered, later ones winning: built-in defaults, an optional
// YAML file, AUTHD_* environment variables, then command-line flags.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "AUTHD_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
)

// Config is the full authd configuration.
type Config struct {
	Log     Log     `koanf:"log"`
	HTTP    HTTP    `koanf:"http"`
	Metrics Metrics `koanf:"metrics"`
	Store   Store   `koanf:"store"`
}

// Log configures the process logger.
type Log struct {
	Level  slog.Level `koanf:"level"`
	Format string     `koanf:"format" validate:"oneof=json text"`
}

// HTTP configures the API server. ExcludedPaths lists the /api/v1 path
// prefixes served without Basic credentials; an empty list guards every
// route.
type HTTP struct {
	Addr            string        `koanf:"addr" validate:"required"`
	SessionCookie   string        `koanf:"session_cookie" validate:"required"`
	SecureCookie    bool          `koanf:"secure_cookie"`
	CORSOrigins     []string      `koanf:"cors_origins" validate:"min=1,dive,required"`
	ExcludedPaths   []string      `koanf:"excluded_paths" validate:"dive,startswith=/"`
	BodyLimit       string        `koanf:"body_limit" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// Metrics configures the observability server. An empty Addr disables it.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Store selects and configures the account store. AutoMigrate applies
// pending schema migrations when serve starts against postgres.
type Store struct {
	Driver         string        `koanf:"driver" validate:"oneof=memory postgres redis sqlite"`
	OpTimeout      time.Duration `koanf:"op_timeout" validate:"gt=0"`
	PostgresDSN    string        `koanf:"postgres_dsn" validate:"required_if=Driver postgres"`
	MaxConns       int32         `koanf:"max_conns" validate:"gte=0"`
	RedisURL       string        `koanf:"redis_url" validate:"required_if=Driver redis"`
	RedisPrefix    string        `koanf:"redis_prefix"`
	SQLitePath     string        `koanf:"sqlite_path" validate:"required_if=Driver sqlite"`
	ConnectRetries uint64        `koanf:"connect_retries" validate:"gte=1"`
	ConnectBackoff time.Duration `koanf:"connect_backoff" validate:"gt=0"`
	AutoMigrate    bool          `koanf:"auto_migrate"`
}

// Default returns the configuration used when no source sets a value.
func Default() Config {
	return Config{
		Log: Log{Level: slog.LevelInfo, Format: "json"},
		HTTP: HTTP{
			Addr:            ":8080",
			SessionCookie:   "session_id",
			CORSOrigins:     []string{"*"},
			ExcludedPaths:   []string{"/api/v1/status/", "/api/v1/unauthorized/", "/api/v1/forbidden/"},
			BodyLimit:       "64K",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: Metrics{Addr: "127.0.0.1:9100"},
		Store: Store{
			Driver:         DriverMemory,
			OpTimeout:      5 * time.Second,
			MaxConns:       10,
			RedisPrefix:    "authd:",
			SQLitePath:     "authd.db",
			ConnectRetries: 5,
			ConnectBackoff: 200 * time.Millisecond,
			AutoMigrate:    true,
		},
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"http-addr":    "http.addr",
	"metrics-addr": "metrics.addr",
	"store":        "store.driver",
	"database-url": "store.postgres_dsn",
	"redis-url":    "store.redis_url",
	"sqlite-path":  "store.sqlite_path",
	"op-timeout":   "store.op_timeout",
	"auto-migrate": "store.auto_migrate",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("log-level", def.Log.Level.String(), "log level (debug, info, warn, error)")
	fs.String("log-format", def.Log.Format, "log format (json, text)")
	fs.String("http-addr", def.HTTP.Addr, "API listen address")
	fs.String("metrics-addr", def.Metrics.Addr, "metrics and health listen address, empty to disable")
	fs.String("store", def.Store.Driver, "account store (memory, postgres, redis, sqlite)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("redis-url", "", "Redis connection URL")
	fs.String("sqlite-path", def.Store.SQLitePath, "SQLite database file")
	fs.Duration("op-timeout", def.Store.OpTimeout, "timeout for each store operation")
	fs.Bool("auto-migrate", def.Store.AutoMigrate, "apply pending migrations on startup (postgres only)")
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), the environment and the changed flags in fs (may be nil).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, oops.Code("CONFIG_READ_FAILED").With("source", "env").Wrap(err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, flagKey(fs)), nil); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
		},
	}); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file into the process
// environment so Load sees them. Variables already set are kept.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return oops.Code("CONFIG_READ_FAILED").With("path", path).With("source", "env file").Wrap(err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return nil
}

// envKey maps AUTHD_STORE_POSTGRES_DSN to store.postgres_dsn: the first
// segment names the section, the rest is the field.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	section, field, ok := strings.Cut(k, "_")
	if !ok {
		return "", nil
	}
	return section + "." + field, v
}

// flagKey maps a flag to its config key. Flags outside flagKeys, such as
// --config, are skipped.
func flagKey(fs *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	}
}
