package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	daemonruntime "powerwatch/daemon"
	"powerwatch/internal/config"
	"powerwatch/internal/logging"
	"powerwatch/internal/notify"
)

func main() {
	if err := logging.Configure(logging.FromEnv()); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "powerwatchd",
		Short: "Power outage monitoring daemon",
		Long: `powerwatchd ingests sensor heartbeats, derives per-section power state,
and fans out transition notifications. Configuration comes from the
environment; SENSOR_API_KEY and DB_PATH are required.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.FromEnv()
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemonruntime.Run(ctx, cfg, notify.LogMessenger{})
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
