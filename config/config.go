// Package config loads the store stack the kvlayer CLI assembles: a primary
// backend, optional size and capacity bounds, an optional cache side, and
// logging.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Duration accepts Go duration strings ("30s") or plain seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Log      Log      `mapstructure:"log"`
	Primary  Backend  `mapstructure:"primary"`
	Capacity Capacity `mapstructure:"capacity"`
	Cache    Cache    `mapstructure:"cache"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Backend kinds.
const (
	KindLog    = "log"
	KindFile   = "file"
	KindBadger = "badger"
	KindMemory = "memory"
)

var Kinds = []string{KindLog, KindFile, KindBadger, KindMemory}

type Backend struct {
	Kind  string `mapstructure:"kind"`
	Dir   string `mapstructure:"dir"`
	Name  string `mapstructure:"name"`
	Codec string `mapstructure:"codec"`

	// log backend only
	Strict bool `mapstructure:"strict"`
	Sync   bool `mapstructure:"sync"`
}

// Capacity bounds the primary by encoded bytes. Zero Bytes disables it.
type Capacity struct {
	Bytes   int64   `mapstructure:"bytes"`
	Reclaim float64 `mapstructure:"reclaim"`
	Prevent bool    `mapstructure:"prevent_write_on_exceed"`
}

// Cache providers.
const (
	ProviderBigcache  = "bigcache"
	ProviderRistretto = "ristretto"
	ProviderRedis     = "redis"
)

var Providers = []string{ProviderBigcache, ProviderRistretto, ProviderRedis}

type Cache struct {
	Enabled   bool     `mapstructure:"enabled"`
	Provider  string   `mapstructure:"provider"`
	Namespace string   `mapstructure:"namespace"`
	TTL       Duration `mapstructure:"ttl"`
	Race      bool     `mapstructure:"race"`

	MaxCostBytes int64  `mapstructure:"max_cost_bytes"` // ristretto
	RedisAddr    string `mapstructure:"redis_addr"`

	// Generations live in redis when RedisAddr is set, in process otherwise.
	GenTTL Duration `mapstructure:"gen_ttl"`
}

// FieldError names the offending key.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string { return fmt.Sprintf("config: %s: %s", e.Field, e.Reason) }

// Load reads a TOML, YAML or JSON file (by extension), applies defaults and
// validates. Backend dirs are made absolute.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KVLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decode(v)
}

// Default returns the configuration used when no file is given: a log store
// in dir without cache or capacity.
func Default(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.Set("primary.dir", dir)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Primary.Dir != "" {
		abs, err := filepath.Abs(cfg.Primary.Dir)
		if err != nil {
			return nil, fmt.Errorf("config: primary.dir: %w", err)
		}
		cfg.Primary.Dir = abs
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)

	v.SetDefault("primary.kind", KindLog)
	v.SetDefault("primary.dir", "./data")
	v.SetDefault("primary.name", "records")
	v.SetDefault("primary.codec", "json")

	v.SetDefault("capacity.reclaim", 0.5)

	v.SetDefault("cache.provider", ProviderBigcache)
	v.SetDefault("cache.namespace", "records")
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.max_cost_bytes", 64<<20)
	v.SetDefault("cache.gen_ttl", "24h")
}

func (c *Config) Validate() error {
	if !slices.Contains(Kinds, c.Primary.Kind) {
		return FieldError{"primary.kind", fmt.Sprintf("%q is not one of %s", c.Primary.Kind, strings.Join(Kinds, ", "))}
	}
	if c.Primary.Kind != KindMemory && strings.TrimSpace(c.Primary.Dir) == "" {
		return FieldError{"primary.dir", "required"}
	}
	if strings.TrimSpace(c.Primary.Name) == "" {
		return FieldError{"primary.name", "required"}
	}
	if c.Capacity.Bytes < 0 {
		return FieldError{"capacity.bytes", "must not be negative"}
	}
	if c.Capacity.Reclaim <= 0 || c.Capacity.Reclaim > 1 {
		return FieldError{"capacity.reclaim", "must be within (0, 1]"}
	}
	if c.Cache.Enabled {
		if !slices.Contains(Providers, c.Cache.Provider) {
			return FieldError{"cache.provider", fmt.Sprintf("%q is not one of %s", c.Cache.Provider, strings.Join(Providers, ", "))}
		}
		if c.Cache.Provider == ProviderRedis && c.Cache.RedisAddr == "" {
			return FieldError{"cache.redis_addr", "required for the redis provider"}
		}
		if c.Cache.TTL < 0 {
			return FieldError{"cache.ttl", "must not be negative"}
		}
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return Duration(d), nil
			}
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(secs * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
