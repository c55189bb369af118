package config

import (
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global Karapace configuration.
type Config struct {
	// StoreRoot is the base directory for the persistent store and env dirs
	// (see store/layout for the full directory layout rooted here).
	StoreRoot string `mapstructure:"store_root"`
	// PoolSize defaults to runtime.NumCPU() if zero. It is not read by the
	// GC sweep or remote push, which each use a fixed limit of 8 workers.
	PoolSize int `mapstructure:"pool_size"`
	// LockTimeoutSeconds defaults to 30. StoreLock.Lock does not read it; a
	// blocking Lock waits until the lock is free or its context is cancelled.
	LockTimeoutSeconds int `mapstructure:"lock_timeout_seconds"`
	// StopGracePeriodSeconds defaults to 30. Engine.Stop does not read it; it
	// waits a fixed 500ms between SIGTERM and SIGKILL.
	StopGracePeriodSeconds int `mapstructure:"stop_grace_period_seconds"`
	// RemoteAuthToken, if set, is sent as "Authorization: Bearer <token>"
	// by the remote client and required by the reference remote server.
	RemoteAuthToken string `mapstructure:"remote_auth_token"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StoreRoot:              "/var/lib/karapace",
		PoolSize:               runtime.NumCPU(),
		LockTimeoutSeconds:     30, //nolint:mnd
		StopGracePeriodSeconds: 30, //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// EnsureDirs fills in zero-value config fields with defaults. It does not
// create any directory on disk — that is store/layout.Initialize's job,
// which runs under the store lock so it can participate in WAL recovery
// ordering.
func EnsureDirs(c *Config) (*Config, error) {
	if c.StoreRoot == "" {
		c.StoreRoot = DefaultConfig().StoreRoot
	}
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.LockTimeoutSeconds <= 0 {
		c.LockTimeoutSeconds = 30 //nolint:mnd
	}
	if c.StopGracePeriodSeconds <= 0 {
		c.StopGracePeriodSeconds = 30 //nolint:mnd
	}
	return c, nil
}

// StorePath returns <StoreRoot>/store.
func (c *Config) StorePath() string { return filepath.Join(c.StoreRoot, "store") }

// EnvPath returns <StoreRoot>/env.
func (c *Config) EnvPath() string { return filepath.Join(c.StoreRoot, "env") }

// ImagesPath returns <StoreRoot>/images, the external image cache directory.
func (c *Config) ImagesPath() string { return filepath.Join(c.StoreRoot, "images") }
