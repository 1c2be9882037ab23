package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	whiz "github.com/goyalg325/whiz/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms list
	roomsListJSON bool

	// rooms create
	roomsCreateDescription string
	roomsCreateJSON        bool

	// history
	historyLimit int
	historyJSON  bool
	historyCache bool
)

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List and create chat rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg, newLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.FetchRoomList(ctx)
		if err != nil {
			return err
		}
		if roomsListJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		for _, r := range rooms {
			if r.Description != "" {
				fmt.Printf("%-24s %s\n", r.Name, r.Description)
			} else {
				fmt.Println(r.Name)
			}
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg, newLogger(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		room, err := client.CreateRoom(ctx, args[0], roomsCreateDescription)
		if err != nil {
			return err
		}
		if roomsCreateJSON {
			return printJSON(room)
		}
		fmt.Printf("Created room %q\n", room.Name)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print a room's message history",
	Long:  "Load a room's history from the backend and refresh the local cache.\nWith --cached, print the cached copy without contacting the backend.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		client := newClient(cfg, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cache, closeCache, err := openCache(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer closeCache()

		engine := whiz.NewEngine(room, cfg.Auth.Username, cache, client, whiz.WithEngineLogger(logger))
		defer engine.Close()

		var msgs []whiz.Message
		if historyCache {
			msgs = engine.PrimeFromCache()
		} else {
			msgs, err = engine.LoadHistory(ctx)
			if err != nil {
				return err
			}
		}

		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
	rootCmd.AddCommand(historyCmd)

	roomsListCmd.Flags().BoolVar(&roomsListJSON, "json", false, "Output raw JSON")

	roomsCreateCmd.Flags().StringVarP(&roomsCreateDescription, "description", "d", "", "Room description")
	roomsCreateCmd.Flags().BoolVar(&roomsCreateJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyCache, "cached", false, "Print the cached copy only")
}
