package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/retracehq/retrace/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before
// modifying a config file.
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to back up
	}

	// Rotate: .back3 -> delete, .back2 -> .back3, .back1 -> .back2,
	// current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// Deletion failure shouldn't block the save
		fmt.Printf("⚠️  Failed to delete old backup %s: %v\n", back3, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// UserConfigPath returns ~/.retrace/retrace.toml, the file `retrace config
// set` edits.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".retrace", "retrace.toml")
}

// loadOrInitializeUserConfig reads the user config file as a raw TOML tree,
// or starts an empty one if the file doesn't exist yet.
func loadOrInitializeUserConfig() (map[string]interface{}, string, error) {
	configPath := UserConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .retrace directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrapf(err, "failed to parse %s", configPath)
		}
	} else {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveUserConfig writes the config tree to the user config file with backup
// rotation, marking the write so a running watcher doesn't reload its own
// change.
func saveUserConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write user config")
	}

	return nil
}

// Set persists a single dotted-path setting to the user config file,
// creating intermediate tables as needed. Values are written with their
// natural TOML type: "true"/"false" become booleans, numeric strings become
// numbers, everything else stays a string.
func Set(key, value string) error {
	parts := strings.Split(key, ".")
	for _, part := range parts {
		if part == "" {
			return errors.Newf("invalid config key %q", key)
		}
	}

	config, configPath, err := loadOrInitializeUserConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load user config")
	}

	node := config
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parseTOMLValue(value)

	return saveUserConfig(config, configPath)
}

// parseTOMLValue coerces a CLI string to the TOML type it reads as. Only
// the literals "true"/"false" become booleans; "1" and "0" stay numeric.
func parseTOMLValue(raw string) interface{} {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
