package config

import "time"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Normalize  NormalizeConfig  `yaml:"normalize"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Limits     LimitsConfig     `yaml:"limits"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

type CacheConfig struct {
	Backend string `yaml:"backend"`
	// Path is the key prefix used by the redis backend.
	Path             string        `yaml:"path"`
	TTLSeconds       int           `yaml:"ttl_seconds"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	MaxEntries       int           `yaml:"max_entries"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type TranscriptConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	SegmentMB  int    `yaml:"segment_mb"`
	Redact     bool   `yaml:"redact"`
	Durability string `yaml:"durability"`
}

type NormalizeConfig struct {
	MaxOutputTokens        int     `yaml:"max_output_tokens"`
	DefaultMaxOutputTokens int     `yaml:"default_max_output_tokens"`
	DefaultTemperature     float64 `yaml:"default_temperature"`
	DefaultTopP            float64 `yaml:"default_top_p"`
}

// DatabaseConfig points at the Postgres database that receives provider
// traces when telemetry.trace_sink is "postgres".
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

const (
	TraceSinkSlog     = "slog"
	TraceSinkPostgres = "postgres"
	TraceSinkNone     = "none"
)

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
	TraceSink   string `yaml:"trace_sink"`
	SinkBuffer  int    `yaml:"sink_buffer"`
}

// LimitsConfig holds per-client quotas. Zero disables a limit.
type LimitsConfig struct {
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	DailyTokenBudget  int64 `yaml:"daily_token_budget"`
}

// AuthConfig lists the SHA-256 hashes of accepted client keys. With Required
// unset, requests without a key are served under an anonymous client key.
type AuthConfig struct {
	Required  bool     `yaml:"required"`
	KeyHashes []string `yaml:"key_hashes"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     300 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxBodyBytes:     4 << 20,
		},
		Cache: CacheConfig{
			Backend:          CacheBackendMemory,
			Path:             "aiproxy:cache:",
			TTLSeconds:       3600,
			EvictionInterval: time.Minute,
			MaxEntries:       10000,
		},
		Transcript: TranscriptConfig{
			Dir:        "transcripts",
			SegmentMB:  64,
			Redact:     true,
			Durability: "commit",
		},
		Normalize: NormalizeConfig{
			MaxOutputTokens:    100000,
			DefaultTemperature: 1.0,
			DefaultTopP:        1.0,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
			TraceSink:   TraceSinkSlog,
			SinkBuffer:  1024,
		},
	}
}
