package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initCache   string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL (default http://localhost:8080)")
	initCmd.Flags().StringVar(&initCache, "cache", "sqlite", "Room cache driver: memory, sqlite or redis")
}

var initCmd = &cobra.Command{
	Use:   "init <username>",
	Short: "Store your username in ~/.whiz/config.toml",
	Long:  "Initialize the whiz CLI by storing the username you chat as and the backend to talk to.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := strings.TrimSpace(args[0])
		if username == "" {
			return fmt.Errorf("username must not be empty")
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Username = username
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Env == "" {
			cfg.Default.Env = "production"
		}
		if err := setConfigValue(cfg, "cache.driver", initCache); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Username %q saved to %s\n", username, path)
		return nil
	},
}
