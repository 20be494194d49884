package config

import "os"

const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderNull       = "null"
)

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Type          string            `yaml:"type"`
	BaseURL       string            `yaml:"base_url"`
	APIKeyEnv     string            `yaml:"api_key_env"`
	APIVersion    string            `yaml:"api_version,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// APIKey resolves the provider key from the environment variable named by
// api_key_env. Keys are never stored in config files.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

func knownProviderType(t string) bool {
	switch t {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter, ProviderNull:
		return true
	}
	return false
}
