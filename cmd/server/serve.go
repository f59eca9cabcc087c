package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cardroom/server/internal/app"
)

func serveCmd() *cobra.Command {
	cfg := app.DefaultAppConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		Long: `Run the websocket coordination server.

Accepts client connections, routes table and tournament traffic to the
rules backend, and degrades gracefully under load. Environment variables
(CARDROOM_ADDR, CARDROOM_TABLES, CARDROOM_MAX_CONNECTIONS,
CARDROOM_LOG_SINKS, CARDROOM_BREAKER_FAILURES) override flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	cmd.Flags().IntVar(&cfg.Tables, "tables", cfg.Tables, "Number of tables to host")
	cmd.Flags().IntVar(&cfg.Registry.MaxConnections, "max-connections", cfg.Registry.MaxConnections, "Connection admission ceiling")

	return cmd
}
