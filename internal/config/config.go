// Package config loads process configuration from the environment.
//
// Variables are prefixed EVENTLAKE_ and nest with a double underscore:
// EVENTLAKE_ARCHIVE__TYPE=s3 sets Archive.Type and
// EVENTLAKE_ARCHIVE__PARAMS__BUCKET=raw sets Archive.Params["bucket"].
// A .env file, when present, is read first without overriding variables
// already set.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"eventlake/internal/logging"
)

const Prefix = "EVENTLAKE_"

// Config is the settings of every eventlake process. Each command reads
// the parts it needs.
type Config struct {
	// Home holds the sqlite catalog, the default file archive and the
	// token secret. Empty means the platform config directory.
	Home string `koanf:"home"`

	Log     LogConfig    `koanf:"log"`
	Server  ServerConfig `koanf:"server"`
	Auth    AuthConfig   `koanf:"auth"`
	Catalog Backend      `koanf:"catalog"`
	Archive Backend      `koanf:"archive"`
	Broker  Backend      `koanf:"broker"`
	Search  Backend      `koanf:"search"`
	Ingest  IngestConfig `koanf:"ingest"`
	Worker  WorkerConfig `koanf:"worker"`
	Query   QueryConfig  `koanf:"query"`
	Mirror  MirrorConfig `koanf:"mirror"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
	// Components overrides levels per component, e.g. "worker=debug,server=warn".
	Components string `koanf:"components"`
}

type ServerConfig struct {
	Addr         string  `koanf:"addr" validate:"required"`
	MaxBodyBytes int64   `koanf:"max_body_bytes" validate:"gte=0"`
	IngestRate   float64 `koanf:"ingest_rate"`
	IngestBurst  int     `koanf:"ingest_burst" validate:"gte=0"`
	TLSCert      string  `koanf:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey       string  `koanf:"tls_key" validate:"required_with=TLSCert"`
}

type AuthConfig struct {
	// Secret signs tokens. Empty means a secret generated once and kept
	// in the home directory.
	Secret   string        `koanf:"secret" validate:"omitempty,min=32"`
	TokenTTL time.Duration `koanf:"token_ttl" validate:"gt=0"`
	Disabled bool          `koanf:"disabled"`
}

// Backend selects an implementation and passes it parameters.
type Backend struct {
	Type   string            `koanf:"type" validate:"required"`
	Params map[string]string `koanf:"params"`
}

type IngestConfig struct {
	Topic       string `koanf:"topic" validate:"required"`
	IndexPrefix string `koanf:"index_prefix" validate:"required"`
	ChunkSize   int    `koanf:"chunk_size" validate:"gte=0"`
	Attempts    int    `koanf:"attempts" validate:"gte=0"`
}

type WorkerConfig struct {
	Subscription  string        `koanf:"subscription" validate:"required"`
	MaxBuffered   int           `koanf:"max_buffered" validate:"gte=0"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gte=0"`
	AckDeadline   time.Duration `koanf:"ack_deadline" validate:"gte=0"`
	Refresh       bool          `koanf:"refresh"`
}

type QueryConfig struct {
	DefaultSize int `koanf:"default_size" validate:"gte=0"`
	MaxSize     int `koanf:"max_size" validate:"gte=0"`
}

// MirrorConfig points the mirror at its collection file and at the
// eventlake server it forwards to.
type MirrorConfig struct {
	File      string `koanf:"file"`
	URL       string `koanf:"url" validate:"omitempty,url"`
	Token     string `koanf:"token"`
	AccessKey string `koanf:"access_key"`
}

// Default returns the settings used when nothing is configured: a
// single-node setup with sqlite catalog, file archive and in-memory
// broker and search index.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Addr: ":8080", MaxBodyBytes: 10 << 20, IngestRate: 50, IngestBurst: 100},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		Catalog: Backend{Type: "sqlite"},
		Archive: Backend{Type: "file"},
		Broker:  Backend{Type: "memory"},
		Search:  Backend{Type: "memory"},
		Ingest:  IngestConfig{Topic: "events", IndexPrefix: "events-", ChunkSize: 10, Attempts: 3},
		Worker:  WorkerConfig{Subscription: "indexer", MaxBuffered: 100, FlushInterval: 2 * time.Second},
		Query:   QueryConfig{DefaultSize: 10, MaxSize: 10000},
		Mirror:  MirrorConfig{URL: "http://localhost:8080"},
	}
}

// Load reads dotenv files (missing ones are skipped), then the
// environment, over Default.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Default()
	k := koanf.New(".")
	if err := k.Load(env.Provider(Prefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps EVENTLAKE_SERVER__MAX_BODY_BYTES to server.max_body_bytes.
func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, Prefix))
	return strings.ReplaceAll(name, "__", ".")
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to slog.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Logger builds the process logger. Records below the configured level
// are dropped per component by the returned filter.
func (c LogConfig) Logger(w io.Writer) (*slog.Logger, *logging.ComponentFilterHandler) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler
	if c.Format == "json" {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	filter := logging.NewComponentFilterHandler(base, ParseLevel(c.Level))
	if c.Components != "" {
		filter.ParseLevels(c.Components)
	}
	return slog.New(filter), filter
}
