package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/sembus/config"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the consumers and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, level, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, logger)
			defer app.Shutdown(shutdownTimeout)

			if err := app.Start(ctx); err != nil {
				return err
			}

			// Hot-reload the log level unless it was pinned on the command line.
			if flags.configPath != "" && flags.logLevel == "" {
				go func() {
					err := config.NewLoader(logger).Watch(ctx, flags.configPath, func(c *config.Config) {
						level.Set(parseLevel(c.Log.Level))
						logger.Info("Log level updated", "level", c.Log.Level)
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("Config watch stopped", "error", err)
					}
				}()
			}

			select {
			case <-ctx.Done():
				logger.Info("Received shutdown signal")
				return nil
			case err := <-app.Errors():
				return err
			}
		},
	}
}
