// Package cli implements the blesched command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bluetooth-sched/internal/config"
	"bluetooth-sched/internal/logging"
)

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd returns the blesched command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: config.New(), logger: logging.Discard()}

	root := &cobra.Command{
		Use:   "blesched",
		Short: "Priority task scheduler for Bluetooth LE peripherals",
		Long: `blesched drives a Bluetooth LE radio through a prioritized task queue.
Connections go through a connect, discover and initialize sequence with
retries, and every state change is printed as a JSON line.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if err := config.ReadFile(a.v, path); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			a.cfg = cfg
			a.logger = logging.Setup(cmd.ErrOrStderr(), cfg.Logging)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (YAML)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("adapter", "", "BlueZ adapter name, e.g. hci0")
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = a.v.BindPFlag("bluez.adapter", flags.Lookup("adapter"))

	root.AddCommand(newScanCmd(a), newConnectCmd(a), newSimulateCmd(a), newConfigCmd(a))
	return root
}

// Execute runs the command tree.
func Execute() error {
	return NewRootCmd().Execute()
}
