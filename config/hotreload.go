package config

import "time"

// HotReloadableConfig is the subset of Config applied without a restart.
type HotReloadableConfig struct {
	LogLevel                string
	ReconcileInterval       time.Duration
	ReconcileStaleThreshold time.Duration
}

// ExtractHotReloadable copies the hot-reloadable fields out of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:                cfg.Log.Level,
		ReconcileInterval:       cfg.Reconcile.Interval,
		ReconcileStaleThreshold: cfg.Reconcile.StaleThreshold,
	}
}

// Changed reports whether other differs from h.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
