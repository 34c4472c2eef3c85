package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "SAGAFLOW_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// DefaultSearchPaths are tried in order when Load is given no file.
var DefaultSearchPaths = []string{
	"sagaflow.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/sagaflow.yaml",
	"/etc/sagaflow/config.yaml",
}

// Loader assembles a Config from, in increasing priority: defaults, a YAML
// or JSON file, SAGAFLOW_ environment variables and explicit overrides.
// Every Load starts from a clean slate, so a Loader can be reused by the
// file watcher without keys from an earlier revision leaking through.
type Loader struct {
	searchPaths []string

	mu     sync.RWMutex
	k      *koanf.Koanf
	source string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSearchPaths replaces DefaultSearchPaths. No paths disables discovery.
func WithSearchPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.searchPaths = paths }
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{searchPaths: DefaultSearchPaths}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and validates the configuration. configPath may be empty, in
// which case the search paths are tried and the first existing file wins.
func (l *Loader) Load(configPath string, overrides map[string]any) (*Config, error) {
	k := koanf.New(Delimiter)

	if err := k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	source := configPath
	if source == "" {
		source = l.discover()
	}
	if source != "" {
		if err := loadFile(k, source); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.k, l.source = k, source
	l.mu.Unlock()
	return &cfg, nil
}

// Source is the file used by the last successful Load, or "".
func (l *Loader) Source() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.source
}

// Print renders the merged keys of the last successful Load.
func (l *Loader) Print() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.k == nil {
		return ""
	}
	return l.k.Sprint()
}

func (l *Loader) discover() string {
	for _, path := range l.searchPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q: %s", ext, path)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// envKey maps an environment variable to a config key. A double underscore
// separates sections and a single underscore stays inside the key:
// SAGAFLOW_SERVER__PORT -> server.port,
// SAGAFLOW_RECONCILE__STALE_THRESHOLD -> reconcile.stale_threshold.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", Delimiter)
}

// flatten turns a Config into dotted mapstructure keys. Nested structs are
// walked; every other field, maps and durations included, is a leaf.
func flatten(cfg *Config) map[string]any {
	out := make(map[string]any)
	flattenInto(reflect.ValueOf(cfg).Elem(), "", out)
	return out
}

func flattenInto(v reflect.Value, prefix string, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if !field.IsExported() || key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + Delimiter + key
		}

		fv := v.Field(i)
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		if fv.Kind() == reflect.Struct {
			flattenInto(fv, key, out)
			continue
		}
		out[key] = fv.Interface()
	}
}

// Load is shorthand for NewLoader().Load.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
