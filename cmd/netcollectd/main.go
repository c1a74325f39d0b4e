// Command netcollectd runs the netcollect services: the API gateway, the task
// scheduler and the shell, structured-cli, SNMP and HTTP API collectors.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"netcollect/internal/config"
	"netcollect/internal/logging"
)

var version = "dev"

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "netcollectd",
		Short:         "Network device data collection services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = a.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = a.logFormat
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newGatewayCmd(a),
		newSchedulerCmd(a),
		newShellCmd(a),
		newCLICmd(a),
		newSNMPCmd(a),
		newAPICmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "netcollectd", version)
			},
		},
	)
	return root
}
