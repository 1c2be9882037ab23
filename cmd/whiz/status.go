package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		client := newClient(cfg, logger)

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Env, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", client.BaseURL())
		fmt.Printf("  WebSocket:   %s\n", client.WebSocketURL())
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Driver, "memory"))

		fmt.Println()
		fmt.Println("Backend:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		rooms, err := client.FetchRoomList(ctx)
		if err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("  Reachable (%s), %d rooms\n", time.Since(start).Round(time.Millisecond), len(rooms))
		return nil
	},
}
