package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"powerwatch/cmd/powerwatch/ui"
	"powerwatch/internal/logging"
	"powerwatch/internal/store"
)

var dbPath string

func main() {
	var debug bool
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "powerwatch",
		Short:         "Operator console for the power outage monitor",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&dbPath, "db", os.Getenv("DB_PATH"), "Path to the database file")

	root.AddCommand(sensorCmd())
	root.AddCommand(broadcastCmd())
	root.AddCommand(jobCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(switchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("no database path: pass --db or set DB_PATH")
	}
	return store.Open(dbPath)
}
