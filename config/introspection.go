package config

import (
	"os"
	"sort"
	"strings"

	"github.com/retracehq/retrace/errors"
)

// Source identifies where a configuration value came from.
type Source string

const (
	SourceDefault     Source = "default"
	SourceSystem      Source = "system"      // /etc/retrace/config.toml
	SourceUser        Source = "user"        // ~/.retrace/retrace.toml
	SourceProject     Source = "project"     // .retrace.toml found walking up from cwd
	SourceEnvironment Source = "environment" // RETRACE_* env vars
)

// SourceInfo tracks where a configuration value originated.
type SourceInfo struct {
	Source Source // default, system, user, project, environment
	Path   string // file path or environment variable name; empty for defaults
}

// Sources records the origin of each effective setting, keyed by dotted
// setting path. Populated during loading; read by Introspect.
var Sources = make(map[string]SourceInfo)

// SettingInfo is one effective setting with its value and origin.
type SettingInfo struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	Source     Source      `json:"source"`
	SourcePath string      `json:"source_path,omitempty"`
}

// Introspection describes the active configuration: every effective setting
// with the file or environment variable it came from.
type Introspection struct {
	ConfigFile string        `json:"config_file,omitempty"`
	Settings   []SettingInfo `json:"settings"`
}

// Introspect returns every effective setting with its source, using the
// origins tracked during loading.
func Introspect() (*Introspection, error) {
	v := GetViper()

	if len(Sources) == 0 {
		if _, err := Load(); err != nil {
			return nil, errors.Wrap(err, "failed to load config for introspection")
		}
	}

	intro := &Introspection{
		ConfigFile: v.ConfigFileUsed(),
		Settings:   make([]SettingInfo, 0),
	}

	flattenSettings(v.AllSettings(), "", intro)

	return intro, nil
}

// flattenSettings walks nested setting maps depth-first, emitting one
// SettingInfo per leaf with its tracked source. Environment variables are
// re-checked here because they can change after load.
func flattenSettings(settings map[string]interface{}, prefix string, intro *Introspection) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]interface{}); ok {
			flattenSettings(nested, fullKey, intro)
			continue
		}

		info := SourceInfo{Source: SourceDefault}
		if tracked, ok := Sources[fullKey]; ok {
			info = tracked
		}
		if envName := activeEnvOverride(fullKey); envName != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: envName}
		}

		// Credentials never leave this package unmasked
		if strings.Contains(fullKey, "api_key") {
			if s, ok := value.(string); ok && s != "" {
				value = "[redacted]"
			}
		}

		intro.Settings = append(intro.Settings, SettingInfo{
			Key:        fullKey,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
}

// activeEnvOverride returns the name of the environment variable currently
// supplying the given setting, or empty string. Sensitive bindings are
// checked in their declared precedence order before the generic RETRACE_
// name.
func activeEnvOverride(key string) string {
	for _, envName := range sensitiveEnvBindings[key] {
		if os.Getenv(envName) != "" {
			return envName
		}
	}

	generic := "RETRACE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if os.Getenv(generic) != "" {
		return generic
	}
	return ""
}
