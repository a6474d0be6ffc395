// Package config loads and validates matchminer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/statforge/matchminer/internal/match"
	pkgconfig "github.com/statforge/matchminer/pkg/config"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig       `mapstructure:"logging"`
	Server    ServerConfig        `mapstructure:"server"`
	Upstream  UpstreamConfig      `mapstructure:"upstream"`
	Store     StoreConfig         `mapstructure:"store"`
	Counter   CounterConfig       `mapstructure:"counter"`
	RateLimit RateLimitConfig     `mapstructure:"ratelimit"`
	Crawler   CrawlerConfig       `mapstructure:"crawler"`
	Dedup     DedupConfig         `mapstructure:"dedup"`
	Persist   PersistConfig       `mapstructure:"persist"`
	Aggregate AggregateConfig     `mapstructure:"aggregate"`
	Publish   PublishConfig       `mapstructure:"publish"`
	Seeds     map[string][]string `mapstructure:"seeds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// UpstreamConfig holds the record-API connection settings.
type UpstreamConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	SmoothRPS float64       `mapstructure:"smooth_rps"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// StoreConfig controls access to the durable match store.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // postgres | memory
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CounterConfig selects the shared rate-counter backing.
type CounterConfig struct {
	Provider string `mapstructure:"provider"` // memory | redis
	RedisURL string `mapstructure:"redis_url"`
	Prefix   string `mapstructure:"prefix"`
}

// RateLimitConfig holds the dual-window budget parameters.
type RateLimitConfig struct {
	ShortWindow     time.Duration `mapstructure:"short_window"`
	LongWindow      time.Duration `mapstructure:"long_window"`
	ShortLimit      int           `mapstructure:"short_limit"`
	LongLimit       int           `mapstructure:"long_limit"`
	ShortReserve    int           `mapstructure:"short_reserve"`
	LongReserve     int           `mapstructure:"long_reserve"`
	ThrottlePercent int           `mapstructure:"throttle_percent"`
	SyncBatch       int           `mapstructure:"sync_batch"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
}

// CrawlerConfig governs per-region scheduler behavior.
type CrawlerConfig struct {
	Regions             []string      `mapstructure:"regions"`
	ListWindow          time.Duration `mapstructure:"list_window"`
	ListCount           int           `mapstructure:"list_count"`
	StackSoftCap        int           `mapstructure:"stack_soft_cap"`
	DryCap              int           `mapstructure:"dry_cap"`
	SeedPoolCap         int           `mapstructure:"seed_pool_cap"`
	BacktrackCap        int           `mapstructure:"backtrack_cap"`
	ReseedSample        int           `mapstructure:"reseed_sample"`
	DryEvictFraction    float64       `mapstructure:"dry_evict_fraction"`
	DryBackoffThreshold int           `mapstructure:"dry_backoff_threshold"`
	DryClearThreshold   int           `mapstructure:"dry_clear_threshold"`
	DryBackoffBase      time.Duration `mapstructure:"dry_backoff_base"`
	DryBackoffMax       time.Duration `mapstructure:"dry_backoff_max"`
	SaturationThreshold int           `mapstructure:"saturation_threshold"`
	ReseedCooldown      time.Duration `mapstructure:"reseed_cooldown"`
	SaturatedCooldown   time.Duration `mapstructure:"saturated_cooldown"`
}

// DedupConfig bounds the recently-ingested match-ID cache.
type DedupConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// PersistConfig controls crawl-state snapshot persistence.
type PersistConfig struct {
	Provider string        `mapstructure:"provider"` // local | gcs | memory
	Dir      string        `mapstructure:"dir"`
	Bucket   string        `mapstructure:"bucket"`
	Prefix   string        `mapstructure:"prefix"`
	Interval time.Duration `mapstructure:"interval"`
	Reset    bool          `mapstructure:"reset"`
}

// AggregateConfig bounds the derived-stat write buffer.
type AggregateConfig struct {
	MaxPending int `mapstructure:"max_pending"`
}

// PublishConfig holds optional Pub/Sub summary publishing metadata.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MATCHMINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	pkgconfig.SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a Config from an existing Viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces required values and reasonable limits. A validation
// failure at startup is the only fatal error in the process.
func (c Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	switch c.Store.Provider {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	switch c.Counter.Provider {
	case "redis":
		if c.Counter.RedisURL == "" {
			return fmt.Errorf("counter.redis_url is required when counter.provider is redis")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown counter provider %q", c.Counter.Provider)
	}
	switch c.Persist.Provider {
	case "local", "memory":
	case "gcs":
		if c.Persist.Bucket == "" {
			return fmt.Errorf("persist.bucket is required when persist.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown persist provider %q", c.Persist.Provider)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.RateLimit.ThrottlePercent < 10 || c.RateLimit.ThrottlePercent > 100 {
		return fmt.Errorf("ratelimit.throttle_percent must be within [10, 100]")
	}
	if c.RateLimit.ShortLimit <= c.RateLimit.ShortReserve {
		return fmt.Errorf("ratelimit.short_limit must exceed ratelimit.short_reserve")
	}
	if c.RateLimit.LongLimit <= c.RateLimit.LongReserve {
		return fmt.Errorf("ratelimit.long_limit must exceed ratelimit.long_reserve")
	}
	if len(c.Crawler.Regions) == 0 {
		return fmt.Errorf("crawler.regions must not be empty")
	}
	for _, r := range c.Crawler.Regions {
		if _, err := match.ParseRegion(r); err != nil {
			return fmt.Errorf("crawler.regions: %w", err)
		}
	}
	if c.Crawler.DryEvictFraction <= 0 || c.Crawler.DryEvictFraction > 1 {
		return fmt.Errorf("crawler.dry_evict_fraction must be within (0, 1]")
	}
	return nil
}

// Regions returns the parsed region list.
func (c Config) Regions() []match.Region {
	out := make([]match.Region, 0, len(c.Crawler.Regions))
	for _, r := range c.Crawler.Regions {
		region, err := match.ParseRegion(r)
		if err != nil {
			continue // Validate already rejected unknown regions
		}
		out = append(out, region)
	}
	return out
}

// RegionSeeds returns the configured seed players for one region.
func (c Config) RegionSeeds(region match.Region) []match.PlayerID {
	raw := c.Seeds[string(region)]
	out := make([]match.PlayerID, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, match.PlayerID(s))
		}
	}
	return out
}
