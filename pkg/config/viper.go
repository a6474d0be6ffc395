// Package config is responsible for initializing the application's
// configuration. It uses the Viper library to read settings from a config
// file, environment variables, and command-line flags, providing a unified
// configuration system.
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/statforge/matchminer/internal/logging"
)

// InitConfig initializes the application's configuration using Viper.
// It sets up default values, defines configuration search paths, and enables
// reading from environment variables. Call once at startup.
func InitConfig() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/matchminer/")
	viper.AddConfigPath("$HOME/.matchminer")

	SetDefaults(viper.GetViper())

	// e.g. MATCHMINER_UPSTREAM_API_KEY=...
	viper.SetEnvPrefix("MATCHMINER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logging.L.Warn("Config file not found; using defaults and environment variables.")
		} else {
			logging.L.Error("Error reading config file", zap.Error(err))
		}
	} else {
		logging.L.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}

// SetDefaults installs the default value for every configuration knob.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)

	v.SetDefault("server.port", 8080)

	v.SetDefault("upstream.base_url", "https://api.matchstats.example")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.smooth_rps", 0.0)
	v.SetDefault("upstream.max_wait", "30s")

	v.SetDefault("store.provider", "postgres")
	v.SetDefault("store.max_conns", 8)

	v.SetDefault("counter.provider", "memory")
	v.SetDefault("counter.prefix", "matchminer:rate")

	v.SetDefault("ratelimit.short_window", "1s")
	v.SetDefault("ratelimit.long_window", "120s")
	v.SetDefault("ratelimit.short_limit", 20)
	v.SetDefault("ratelimit.long_limit", 100)
	v.SetDefault("ratelimit.short_reserve", 2)
	v.SetDefault("ratelimit.long_reserve", 10)
	v.SetDefault("ratelimit.throttle_percent", 100)
	v.SetDefault("ratelimit.sync_batch", 5)
	v.SetDefault("ratelimit.sync_interval", "2s")

	v.SetDefault("crawler.regions", []string{"americas", "europe", "asia", "sea"})
	v.SetDefault("crawler.list_window", "168h")
	v.SetDefault("crawler.list_count", 20)
	v.SetDefault("crawler.stack_soft_cap", 1000)
	v.SetDefault("crawler.dry_cap", 2000)
	v.SetDefault("crawler.seed_pool_cap", 500)
	v.SetDefault("crawler.backtrack_cap", 50)
	v.SetDefault("crawler.reseed_sample", 10)
	v.SetDefault("crawler.dry_evict_fraction", 0.25)
	v.SetDefault("crawler.dry_backoff_threshold", 5)
	v.SetDefault("crawler.dry_clear_threshold", 20)
	v.SetDefault("crawler.dry_backoff_base", "2s")
	v.SetDefault("crawler.dry_backoff_max", "60s")
	v.SetDefault("crawler.saturation_threshold", 5)
	v.SetDefault("crawler.reseed_cooldown", "30s")
	v.SetDefault("crawler.saturated_cooldown", "120s")

	v.SetDefault("dedup.capacity", 50000)

	v.SetDefault("persist.provider", "local")
	v.SetDefault("persist.dir", "data/state")
	v.SetDefault("persist.prefix", "crawlstate")
	v.SetDefault("persist.interval", "60s")
	v.SetDefault("persist.reset", false)

	v.SetDefault("aggregate.max_pending", 500)
}
