package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration in effect: the config file merged with\n" +
		"CHATSYNC_* environment overrides. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		_, statErr := os.Stat(path)
		if statErr != nil && !os.IsNotExist(statErr) {
			return fmt.Errorf("cannot read config file: %w", statErr)
		}
		env := activeEnv()
		if os.IsNotExist(statErr) && len(env) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <token> <user-id>' to create one.")
			return nil
		}

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token != "" {
			cfg.Auth.Token = maskKey(cfg.Auth.Token)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}

		w := cmd.OutOrStdout()
		if statErr == nil {
			fmt.Fprintf(w, "# file: %s\n", path)
		} else {
			fmt.Fprintf(w, "# file: %s (missing)\n", path)
		}
		if len(env) > 0 {
			fmt.Fprintf(w, "# overridden by: %s\n", strings.Join(env, ", "))
		}
		fmt.Fprint(w, string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set realtime.transport sse",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
