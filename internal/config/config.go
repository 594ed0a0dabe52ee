// Package config loads agenr's runtime configuration from environment
// variables, config.yaml, and built-in defaults, in that precedence order
// (flags, handled by cmd/agenr, take precedence over all three).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agenr-dev/agenr/internal/logging"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called once at
// application startup, before any Get* accessor.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD looking for a project-local .agenr/config.yaml.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".agenr", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/agenr/config.yaml).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "agenr", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.agenr/config.yaml).
	if !configFileSet {
		if homeDir, err := homeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".agenr", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables win over the config file. AGENR_DB_PATH maps to "db.path".
	v.SetEnvPrefix("AGENR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db.path", filepath.Join("~", ".agenr", "agenr.db"))
	v.SetDefault("project", "")
	v.SetDefault("dependencies", []string{})

	v.SetDefault("recall.non-core-limit", 10)
	v.SetDefault("recall.weights.vector", 0.6)
	v.SetDefault("recall.weights.keyword", 0.15)
	v.SetDefault("recall.weights.recency", 0.15)
	v.SetDefault("recall.weights.importance", 0.1)

	v.SetDefault("signal.min-importance", 7)
	v.SetDefault("signal.max-per-signal", 5)

	v.SetDefault("embedding.cache-size", 5000)
	v.SetDefault("embedding.dimension", 512)

	v.SetDefault("lock.dir", "")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		logging.Debugf("loaded config from %s", v.ConfigFileUsed())
	} else {
		logging.Debugf("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

func homeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	if h := os.Getenv("USERPROFILE"); h != "" {
		return h, nil
	}
	return os.UserHomeDir()
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value.
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set overrides a configuration value at runtime (used by tests and --flag wiring).
func Set(key string, value interface{}) {
	if v == nil {
		v = viper.New()
	}
	v.Set(key, value)
}

// ExpandPath expands a leading "~" to the user's home directory and returns an
// absolute path. ":memory:" and "file:" URIs pass through unchanged.
func ExpandPath(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := homeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolvedDBPath returns the effective database path: explicit flag value, then
// AGENR_DB_PATH / db.path config, then the default under the user's home.
func ResolvedDBPath(flagValue string) string {
	if flagValue != "" {
		return ExpandPath(flagValue)
	}
	if p := GetString("db.path"); p != "" {
		return ExpandPath(p)
	}
	return ExpandPath(filepath.Join("~", ".agenr", "agenr.db"))
}

// ProjectScope returns the configured project plus its declared dependencies,
// used by the recall engine to filter entries by project.
func ProjectScope() []string {
	scope := []string{}
	if p := GetString("project"); p != "" {
		scope = append(scope, p)
	}
	scope = append(scope, GetStringSlice("dependencies")...)
	return scope
}
