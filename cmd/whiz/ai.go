package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	summaryJSON bool
	contextJSON bool
)

var summaryCmd = &cobra.Command{
	Use:   "summary <room>",
	Short: "Summarise what you missed in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		username, err := requireUsername(cfg)
		if err != nil {
			return err
		}
		client := newClient(cfg, newLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		s, err := client.FetchMissedSummary(ctx, username, args[0])
		if err != nil {
			return err
		}
		if summaryJSON {
			return printJSON(s)
		}

		if s.TotalCount == 0 {
			fmt.Printf("Nothing new in %s.\n", s.ChannelName)
			return nil
		}
		fmt.Printf("%d new messages in %s\n\n", s.TotalCount, s.ChannelName)
		fmt.Println(s.Summary)
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <message-id>",
	Short: "Explain a message with AI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("message id must be a positive integer, got %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg, newLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		mc, err := client.FetchMessageContext(ctx, id)
		if err != nil {
			return err
		}
		if contextJSON {
			return printJSON(mc)
		}
		fmt.Println(mc.Context)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(contextCmd)

	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "Output raw JSON")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "Output raw JSON")
}
