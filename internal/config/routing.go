package config

import "time"

// RoutingConfig maps model names to providers. Rules are tried in order and
// the first pattern matching the model name wins; unmatched models go to
// Default. Patterns are not implicitly anchored.
type RoutingConfig struct {
	Default        string               `yaml:"default"`
	Rules          []RouteRule          `yaml:"rules"`
	Timeout        time.Duration        `yaml:"timeout"`
	StreamTimeout  time.Duration        `yaml:"stream_timeout"`
	MaxRetries     int                  `yaml:"max_retries"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RouteRule struct {
	Pattern  string `yaml:"pattern"`
	Provider string `yaml:"provider"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type routingFile struct {
	Routing RoutingConfig `yaml:"routing"`
}

func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		Timeout:       30 * time.Second,
		StreamTimeout: 5 * time.Minute,
		MaxRetries:    2,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:      5,
			RecoveryProbeInterval: 15 * time.Second,
		},
	}
}
