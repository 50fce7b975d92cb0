package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/sym"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: sym.Config + " Manage retrace configuration",
	Long: sym.Config + ` config — Manage retrace configuration

Display and manage retrace configuration settings.

Configuration sources (in order of precedence):
1. Environment variables (RETRACE_* prefix)
2. Project config (.retrace.toml, searches up directories)
3. User config (~/.retrace/retrace.toml)
4. System config (/etc/retrace/config.toml)
5. Default values

Examples:
  retrace config show                  # Show current configuration
  retrace config show --format json    # Show configuration in JSON format
  retrace config get reasoning.workers # Get specific config value
  retrace config set ai.provider local # Persist a value to the user config
  retrace config validate              # Validate current configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current retrace configuration from all sources",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, reasoning.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write a configuration value to the user config file using dot notation.

The previous file is kept as a rotating backup (.back1/.back2/.back3).

Examples:
  retrace config set reasoning.workers 5
  retrace config set openrouter.model anthropic/claude-3.5-haiku`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current retrace configuration is valid",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which sources are active.

Lists every effective setting grouped by the file or environment variable
it came from.`,
	RunE: runConfigWhere,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configSetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		fmt.Printf("# retrace configuration\n%s", cfg.String())

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# retrace configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := config.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	value := config.Get(key)
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if err := config.Set(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	fmt.Printf("%s %s = %s (written to %s)\n", sym.Config, key, value, config.UserConfigPath())
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	intro, err := config.Introspect()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]     Built-in defaults")
	fmt.Println("  2. [SYSTEM]      /etc/retrace/config.toml")
	fmt.Println("  3. [USER]        ~/.retrace/retrace.toml")
	fmt.Println("  4. [PROJECT]     .retrace.toml (searches up directories)")
	fmt.Println("  5. [ENVIRONMENT] RETRACE_* environment variables")
	fmt.Println()

	// Group settings by source file (or source kind for defaults/env)
	groups := make(map[string][]config.SettingInfo)
	order := make(map[string]config.Source)
	for _, setting := range intro.Settings {
		key := setting.SourcePath
		if key == "" {
			key = string(setting.Source)
		}
		groups[key] = append(groups[key], setting)
		order[key] = setting.Source
	}

	sourceRank := map[config.Source]int{
		config.SourceDefault:     0,
		config.SourceSystem:      1,
		config.SourceUser:        2,
		config.SourceProject:     3,
		config.SourceEnvironment: 4,
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if sourceRank[order[keys[i]]] != sourceRank[order[keys[j]]] {
			return sourceRank[order[keys[i]]] < sourceRank[order[keys[j]]]
		}
		return keys[i] < keys[j]
	})

	fmt.Println("Active configuration:")
	for _, key := range keys {
		settings := groups[key]
		source := order[key]
		switch source {
		case config.SourceDefault:
			fmt.Printf("\n%s: %d settings\n", source, len(settings))
		case config.SourceEnvironment:
			fmt.Printf("\n%s: %d settings from environment variables\n", source, len(settings))
		default:
			fmt.Printf("\n%s: %d settings from %s\n", source, len(settings), key)
		}

		sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
		for _, setting := range settings {
			fmt.Printf("  %-32s = %v\n", setting.Key, setting.Value)
		}
	}

	return nil
}
