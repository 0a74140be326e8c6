package main

import (
	"fmt"
	"os"

	"github.com/nexus-edge/robust-modbus/internal/adapter/config"
	"github.com/nexus-edge/robust-modbus/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	serviceName    = "robust-modbus"
	serviceVersion = "1.0.0"
)

// GlobalFlags are accepted by every command.
type GlobalFlags struct {
	ConfigFile string
	Address    string
	UnitID     int
	LogLevel   string
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "modbus-bridge",
	Short:         "Resilient Modbus TCP to MQTT bridge",
	Version:       serviceVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(globalFlags.ConfigFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		if globalFlags.Address != "" {
			cfg.Modbus.Address = globalFlags.Address
		}
		if cmd.Flags().Changed("unit") {
			if globalFlags.UnitID < 0 || globalFlags.UnitID > 255 {
				return fmt.Errorf("unit %d out of range 0..255", globalFlags.UnitID)
			}
			cfg.Modbus.UnitID = byte(globalFlags.UnitID)
		}
		if globalFlags.LogLevel != "" {
			cfg.Logging.Level = globalFlags.LogLevel
		}

		logger, err = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			TimeFormat: cfg.Logging.TimeFormat,
		})
		return err
	},
	RunE: runBridge,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file (default: config.yaml in ., ./config, /etc/robust-modbus)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Address, "address", "", "Modbus unit address host[:port], overrides the config")
	rootCmd.PersistentFlags().IntVar(&globalFlags.UnitID, "unit", 0, "Modbus unit ID, overrides the config")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(readCmd, writeCmd, diagCmd)
}
