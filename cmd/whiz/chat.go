package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	whiz "github.com/goyalg325/whiz/sdk/golang"
)

var chatMetricsAddr string

// transcript prints each message once. A message is known by its local id
// and, once confirmed, its server id, so an echo of a pending message or a
// history reload does not print it again.
type transcript struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newTranscript() *transcript {
	return &transcript{seen: make(map[string]bool)}
}

func (t *transcript) newLines(msgs []whiz.Message) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lines []string
	for _, m := range msgs {
		idKey := ""
		if m.Confirmed() {
			idKey = "id:" + strconv.FormatInt(m.ID, 10)
		}
		known := t.seen[m.LocalID] || (idKey != "" && t.seen[idKey])
		t.seen[m.LocalID] = true
		if idKey != "" {
			t.seen[idKey] = true
		}
		if !known {
			lines = append(lines, formatMessage(m))
		}
	}
	return lines
}

var chatCmd = &cobra.Command{
	Use:   "chat <room>",
	Short: "Join a room and chat interactively",
	Long: `Join a room, print its history and live messages, and send every line
typed on stdin.

Commands:
  /reply <id> <text>  reply to a message
  /join <room>        switch room
  /nick <name>        chat under another username
  /rooms              list rooms
  /quit               leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		username, err := requireUsername(cfg)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		client := newClient(cfg, logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cache, closeCache, err := openCache(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer closeCache()

		reg := prometheus.NewRegistry()
		metrics := whiz.NewMetrics(reg)
		if chatMetricsAddr != "" {
			srv := &http.Server{
				Addr:              chatMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		ctrl := whiz.NewController(client, client.WebSocketURL(),
			whiz.WithUsername(username),
			whiz.WithCache(cache),
			whiz.WithMetrics(metrics),
			whiz.WithControllerLogger(logger),
			whiz.WithConnectionOptions(whiz.WithDialOptions(&websocket.DialOptions{
				HTTPHeader: http.Header{"User-Agent": []string{userAgent}},
			})),
		)
		defer ctrl.Close()

		out := newTranscript()
		ctrl.OnChange(func(ev whiz.Event) {
			switch ev.Kind {
			case whiz.EventMessages:
				for _, line := range out.newLines(ctrl.Messages()) {
					fmt.Println(line)
				}
			case whiz.EventConnection:
				if ev.State == whiz.ConnConnected {
					fmt.Printf("* connected to %s\n", ev.Room)
				} else {
					fmt.Println("* connection lost, reconnecting...")
				}
			case whiz.EventActiveRoom:
				if ev.Room != "" {
					fmt.Printf("* now in %s as %s\n", ev.Room, ctrl.Username())
				}
			case whiz.EventError:
				var hfe *whiz.HistoryFetchError
				if errors.As(ev.Err, &hfe) {
					fmt.Fprintf(os.Stderr, "! could not load history for %s: %v\n", hfe.Room, hfe.Err)
				}
			}
		})

		if err := ctrl.RefreshRooms(ctx); err != nil {
			return err
		}
		if err := ctrl.SwitchRoom(args[0]); err != nil {
			return err
		}
		go ctrl.Run(ctx)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleChatLine(ctx, ctrl, line); quit {
					return nil
				}
			}
		}
	},
}

func handleChatLine(ctx context.Context, ctrl *whiz.Controller, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/rooms":
		active, _ := ctrl.ActiveRoom()
		for _, r := range ctrl.Rooms() {
			marker := " "
			if r.Name == active.Name {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, r.Name)
		}
		return false
	case strings.HasPrefix(line, "/nick "):
		if err := ctrl.SetUser(strings.TrimSpace(strings.TrimPrefix(line, "/nick "))); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		return false
	case strings.HasPrefix(line, "/join "):
		if err := ctrl.SwitchRoom(strings.TrimPrefix(line, "/join ")); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		return false
	case strings.HasPrefix(line, "/reply "):
		parts := strings.SplitN(strings.TrimPrefix(line, "/reply "), " ", 2)
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || len(parts) < 2 {
			fmt.Fprintln(os.Stderr, "! usage: /reply <id> <text>")
			return false
		}
		if _, err := ctrl.SendMessage(ctx, parts[1], &id); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		return false
	}

	if _, err := ctrl.SendMessage(ctx, line, nil); err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	return false
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}
