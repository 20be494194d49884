package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	MainFile      = "aiproxy.yaml"
	ProvidersFile = "providers.yaml"
	RoutingFile   = "routing.yaml"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Snapshot is one consistent view of the three config files.
type Snapshot struct {
	Config    *Config
	Providers *ProvidersConfig
	Routing   RoutingConfig
}

// Validate checks cross-file references. The null provider is always
// available and need not be declared.
func (s *Snapshot) Validate() error {
	var errs []error
	for name, p := range s.Providers.Providers {
		if !knownProviderType(p.Type) {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", name, p.Type))
		}
		if p.Type != ProviderNull && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required", name))
		}
	}
	known := func(name string) bool {
		_, ok := s.Providers.Providers[name]
		return ok || name == ProviderNull
	}
	if s.Routing.Default != "" && !known(s.Routing.Default) {
		errs = append(errs, fmt.Errorf("routing.default: unknown provider %q", s.Routing.Default))
	}
	for i, r := range s.Routing.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: invalid pattern %q: %w", i, r.Pattern, err))
		}
		if !known(r.Provider) {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: unknown provider %q", i, r.Provider))
		}
	}

	c := s.Config
	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis, CacheBackendNone:
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, errors.New("cache.ttl_seconds must not be negative"))
	}
	switch c.Transcript.Durability {
	case "none", "commit", "always":
	default:
		errs = append(errs, fmt.Errorf("transcript.durability: unknown mode %q", c.Transcript.Durability))
	}
	switch c.Telemetry.TraceSink {
	case TraceSinkSlog, TraceSinkNone:
	case TraceSinkPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("telemetry.trace_sink postgres requires database.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_sink: unknown sink %q", c.Telemetry.TraceSink))
	}
	return errors.Join(errs...)
}

// Loader manages configuration loading and hot-reload via fsnotify.
type Loader struct {
	configDir string
	mu        sync.RWMutex
	snap      *Snapshot
	watchers  []func(*Snapshot)
	logger    *slog.Logger
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// Load reads and validates all config files. On failure the previously
// loaded snapshot stays in effect.
func (l *Loader) Load() error {
	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(l.configDir, MainFile), cfg); err != nil {
		return fmt.Errorf("load main config: %w", err)
	}

	providers := &ProvidersConfig{}
	if err := LoadFile(filepath.Join(l.configDir, ProvidersFile), providers); err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}

	routing := routingFile{Routing: DefaultRouting()}
	if err := LoadFile(filepath.Join(l.configDir, RoutingFile), &routing); err != nil {
		return fmt.Errorf("load routing config: %w", err)
	}

	snap := &Snapshot{Config: cfg, Providers: providers, Routing: routing.Routing}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()

	l.logger.Info("configuration loaded", "dir", l.configDir,
		"providers", len(providers.Providers), "rules", len(routing.Routing.Rules))
	return nil
}

func (l *Loader) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.Config
}

func (l *Loader) Providers() *ProvidersConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.Providers
}

func (l *Loader) Routing() RoutingConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.Routing
}

// OnReload registers a callback that fires with the new snapshot after a
// successful reload.
func (l *Loader) OnReload(fn func(*Snapshot)) {
	l.watchers = append(l.watchers, fn)
}

// Reload loads the config and notifies OnReload callbacks.
func (l *Loader) Reload() error {
	if err := l.Load(); err != nil {
		return err
	}
	snap := l.Snapshot()
	for _, fn := range l.watchers {
		fn(snap)
	}
	return nil
}

// Watch starts watching the config directory for changes and reloads on modification.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					l.logger.Info("config file changed, reloading", "file", event.Name)
					if err := l.Reload(); err != nil {
						l.logger.Error("failed to reload config", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}
