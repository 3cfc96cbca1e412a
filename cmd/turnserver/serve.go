package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/turnserver/app"
	"github.com/cyberinferno/turnserver/logger"
)

func newServeCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}

			log, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Close()

			server, err := app.New(cfg, log)
			if err != nil {
				log.Error("failed to create server", logger.Field{Key: "error", Value: err})
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting", logger.Field{Key: "version", Value: version}, logger.Field{Key: "addr", Value: cfg.ListenAddr()})
			if err := server.Run(ctx); err != nil {
				log.Error("server stopped with error", logger.Field{Key: "error", Value: err})
				return err
			}

			return nil
		},
	}
	flags.register(cmd)

	return cmd
}
