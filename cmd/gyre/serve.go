package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/runtime"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		Long:  "Runs both outbox relays, the reaper, the cron scheduler, the activation consumer and the admin HTTP endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			core, err := runtime.NewCore(ctx, cfg)
			if err != nil {
				return err
			}
			defer core.Close()

			daemon, err := runtime.NewDaemon(core)
			if err != nil {
				return err
			}
			return daemon.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Admin HTTP address for /metrics and /healthz (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	return cmd
}
