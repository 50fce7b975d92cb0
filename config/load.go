package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/retracehq/retrace/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the retrace configuration, caching the result for subsequent
// calls. Use Reset to force a reload.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the shared Viper instance for advanced configuration
// access.
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper unmarshals configuration from a provided Viper instance,
// bypassing the shared cache. Used by tests for isolation.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the
// built-in defaults, ignoring the usual file discovery and environment
// variables.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration and source tracking (useful for
// testing and for reload after a config file change).
func Reset() {
	globalConfig = nil
	viperInstance = nil
	Sources = make(map[string]SourceInfo)
}

// initViper initializes the shared Viper instance with environment
// bindings, defaults, and merged config files.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("RETRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)

	SetDefaults(v)
	for _, key := range v.AllKeys() {
		Sources[key] = SourceInfo{Source: SourceDefault}
	}

	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for a project config by walking up the
// directory tree from the working directory. Returns the first match, or
// empty string if none found. Preference order: .retrace.toml >
// retrace.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		hiddenPath := filepath.Join(dir, ".retrace.toml")
		if _, err := os.Stat(hiddenPath); err == nil {
			return hiddenPath
		}

		plainPath := filepath.Join(dir, "retrace.toml")
		if _, err := os.Stat(plainPath); err == nil {
			return plainPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): system < user < project. Environment variables stay
// above all files because each file merges into Viper's config layer, not
// the override layer. Each merged key's origin is recorded in Sources.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	// Ensure ~/.retrace exists so persist and watcher have a home
	retraceDir := filepath.Join(homeDir, ".retrace")
	os.MkdirAll(retraceDir, DefaultDirPermissions)

	layers := []struct {
		path   string
		source Source
	}{
		{"/etc/retrace/config.toml", SourceSystem},
		{filepath.Join(retraceDir, "retrace.toml"), SourceUser},
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		layers = append(layers, struct {
			path   string
			source Source
		}{projectConfig, SourceProject})
	}

	for _, layer := range layers {
		if _, err := os.Stat(layer.path); err != nil {
			continue
		}

		fileViper := viper.New()
		fileViper.SetConfigFile(layer.path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}

		v.MergeConfigMap(fileViper.AllSettings())
		for _, key := range fileViper.AllKeys() {
			Sources[key] = SourceInfo{Source: layer.source, Path: layer.path}
		}
	}
}

// Get returns a configuration value using dot notation.
func Get(key string) interface{} {
	v := initViper()
	return v.Get(key)
}

// GetString returns a configuration value as string using dot notation.
func GetString(key string) string {
	v := initViper()
	return v.GetString(key)
}

// GetBool returns a configuration value as bool using dot notation.
func GetBool(key string) bool {
	v := initViper()
	return v.GetBool(key)
}

// GetInt returns a configuration value as int using dot notation.
func GetInt(key string) int {
	v := initViper()
	return v.GetInt(key)
}
