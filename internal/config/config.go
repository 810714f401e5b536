package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the gateway reads.
const EnvPrefix = "OFFLINECACHE"

// StoreDriver selects the cache.Store backend.
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreRedis  StoreDriver = "redis"
	StoreSQLite StoreDriver = "sqlite"
)

// StoreConfig configures the cache generation backend.
type StoreConfig struct {
	Driver      StoreDriver `yaml:"driver"`
	RedisURL    string      `yaml:"redis_url"`
	RedisPrefix string      `yaml:"redis_prefix"`
	SQLitePath  string      `yaml:"sqlite_path"`
}

// Config holds every runtime setting of the gateway.
type Config struct {
	ListenAddr    string   `yaml:"listen_addr"`
	Origins       []string `yaml:"origins"`
	PublicOrigin  string   `yaml:"public_origin"`
	CrossOrigins  []string `yaml:"cross_origins"`
	ManifestPath  string   `yaml:"manifest_path"`
	WatchManifest bool     `yaml:"watch_manifest"`

	Store StoreConfig `yaml:"store"`

	RequestTimeout       time.Duration `yaml:"request_timeout"`
	TransportTimeout     time.Duration `yaml:"transport_timeout"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	IdleConnTimeout      time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns         int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int           `yaml:"max_idle_conns_per_host"`
	InstallRetryInterval time.Duration `yaml:"install_retry_interval"`

	LogLevel string `yaml:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("origins", []string{"http://127.0.0.1:5173"})
	v.SetDefault("public_origin", "http://localhost:8080")
	v.SetDefault("cross_origins", []string{})
	v.SetDefault("manifest_path", "")
	v.SetDefault("watch_manifest", false)
	v.SetDefault("store.driver", string(StoreMemory))
	v.SetDefault("store.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("store.redis_prefix", "offlinecache:")
	v.SetDefault("store.sqlite_path", "offlinecache.db")
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("transport_timeout", 15*time.Second)
	v.SetDefault("dial_timeout", 3*time.Second)
	v.SetDefault("idle_conn_timeout", 90*time.Second)
	v.SetDefault("max_idle_conns", 256)
	v.SetDefault("max_idle_conns_per_host", 64)
	v.SetDefault("install_retry_interval", 30*time.Second)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from defaults, an optional file and OFFLINECACHE_*
// environment variables, in increasing order of precedence. An empty path
// skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decoderOpt); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if len(c.Origins) == 0 {
		errs = append(errs, errors.New("at least one origin is required"))
	}
	if c.PublicOrigin == "" {
		errs = append(errs, errors.New("public_origin is required"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver %q", c.Store.Driver))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.InstallRetryInterval <= 0 {
		errs = append(errs, errors.New("install_retry_interval must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a textual level to slog.Level.
func ParseLevel(raw string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", raw)
	}
	return lvl, nil
}
