package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/shiken"
)

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts := []shiken.Option{
				shiken.WithConfig(c.cfg),
				shiken.WithLogger(c.logger),
				shiken.WithVersion(version),
			}
			if port != 0 {
				opts = append(opts, shiken.WithPort(port))
			}
			app, err := shiken.New(ctx, opts...)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides SHIKEN_PORT)")
	return cmd
}
