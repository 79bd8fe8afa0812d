package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRACEDASH_POLLER_INTERVAL.
const EnvPrefix = "TRACEDASH"

// DefaultFileName is the config file name searched for when no path is given.
const DefaultFileName = "tracedash"

// Metadata describes where a loaded configuration came from.
type Metadata struct {
	ConfigFile string
	LoadedAt   time.Time
}

type loadOptions struct {
	configPath  string
	searchPaths []string
	overrides   map[string]any
}

// Option customizes Load.
type Option func(*loadOptions)

// WithConfigFile loads path instead of searching for tracedash.yaml. A
// missing explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) {
		o.configPath = strings.TrimSpace(path)
	}
}

// WithSearchPaths replaces the directories searched for tracedash.yaml.
func WithSearchPaths(paths ...string) Option {
	return func(o *loadOptions) {
		o.searchPaths = paths
	}
}

// WithOverrides applies dotted-key values above every other source.
func WithOverrides(overrides map[string]any) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tracedash"))
	}
	return paths
}

// Load resolves the configuration from defaults, then the YAML file, then
// TRACEDASH_* environment variables, then overrides.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{searchPaths: defaultSearchPaths()}
	for _, opt := range opts {
		opt(&options)
	}

	v := viper.New()
	for key, value := range settings(Default()) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if options.configPath != "" {
		v.SetConfigFile(options.configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, Metadata{}, fmt.Errorf("read config file %s: %w", options.configPath, err)
		}
	} else {
		// No config type: viper then only matches names with an extension,
		// so a tracedash binary in the working directory is never parsed.
		v.SetConfigName(DefaultFileName)
		for _, path := range options.searchPaths {
			v.AddConfigPath(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, Metadata{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	for key, value := range options.overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, Metadata{ConfigFile: v.ConfigFileUsed(), LoadedAt: time.Now()}, nil
}

func normalize(cfg *Config) {
	cfg.Service.Mode = strings.ToLower(strings.TrimSpace(cfg.Service.Mode))
	cfg.Service.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Service.BaseURL), "/")
	cfg.IDs.Strategy = strings.ToLower(strings.TrimSpace(cfg.IDs.Strategy))

	origins := cfg.Server.AllowedOrigins[:0]
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.Server.AllowedOrigins = origins
}

// settings flattens cfg into dotted viper keys. It is the single list of
// known keys: defaults are registered from it, which is also what lets
// AutomaticEnv resolve every key during Unmarshal.
func settings(cfg Config) map[string]any {
	obs := cfg.Observability
	return map[string]any{
		"poller.interval":                 cfg.Poller.Interval,
		"poller.fetch_timeout":            cfg.Poller.FetchTimeout,
		"poller.max_consecutive_failures": cfg.Poller.MaxConsecutiveFailures,

		"service.mode":              cfg.Service.Mode,
		"service.base_url":          cfg.Service.BaseURL,
		"service.timeout":           cfg.Service.Timeout,
		"service.start_retries":     cfg.Service.StartRetries,
		"service.start_retry_delay": cfg.Service.StartRetryDelay,

		"simulator.step_interval":          cfg.Simulator.StepInterval,
		"simulator.transient_failure_rate": cfg.Simulator.TransientFailureRate,
		"simulator.step_error_rate":        cfg.Simulator.StepErrorRate,
		"simulator.seed_history":           cfg.Simulator.SeedHistory,
		"simulator.seed":                   cfg.Simulator.Seed,

		"server.addr":                                 cfg.Server.Addr,
		"server.backend_addr":                         cfg.Server.BackendAddr,
		"server.cors_origins":                         cfg.Server.AllowedOrigins,
		"server.max_body_bytes":                       cfg.Server.MaxBodyBytes,
		"server.stream_heartbeat":                     cfg.Server.StreamHeartbeat,
		"server.debug":                                cfg.Server.Debug,
		"server.start_rate_limit.requests_per_minute": cfg.Server.StartRateLimit.RequestsPerMinute,
		"server.start_rate_limit.burst":               cfg.Server.StartRateLimit.Burst,
		"server.start_rate_limit.entry_ttl":           cfg.Server.StartRateLimit.EntryTTL,

		"history.max_retained":    cfg.History.MaxRetained,
		"history.history_timeout": cfg.History.HistoryTimeout,

		"ids.strategy": cfg.IDs.Strategy,

		"observability.logging.level":           obs.Logging.Level,
		"observability.logging.format":          obs.Logging.Format,
		"observability.metrics.enabled":         obs.Metrics.Enabled,
		"observability.metrics.prometheus_port": obs.Metrics.PrometheusPort,
		"observability.tracing.enabled":         obs.Tracing.Enabled,
		"observability.tracing.exporter":        obs.Tracing.Exporter,
		"observability.tracing.otlp_endpoint":   obs.Tracing.OTLPEndpoint,
		"observability.tracing.zipkin_endpoint": obs.Tracing.ZipkinEndpoint,
		"observability.tracing.sample_rate":     obs.Tracing.SampleRate,
		"observability.tracing.service_name":    obs.Tracing.ServiceName,
		"observability.tracing.service_version": obs.Tracing.ServiceVersion,
	}
}
