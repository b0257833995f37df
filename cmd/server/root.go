package main

import (
	"strings"

	"github.com/parking-lock-sync/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	var configFile, envFile string

	cmd := &cobra.Command{
		Use:   "parkingd",
		Short: "parkingd reserves parking slots and keeps them in sync with their locks",
		Example: `
  # In-process bus with six simulated locks
  parkingd

  # Persist to SQLite and talk to real gateways over MQTT
  PARKING_STORE=sqlite PARKING_DATA_DIR=/var/lib/parking parkingd --mqtt-broker tcp://localhost:1883 --simulate=false

  # Custom lots and gateways
  parkingd --config /etc/parkingd.yaml`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, withLevel(baseLogger, cfg.LogLevel))
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (lots, gateways and any flag)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before resolving PARKING_* variables")
	config.RegisterFlags(cmd.Flags())

	cmd.AddCommand(newGatewayCommand(baseLogger))
	cmd.AddCommand(newHealthCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func withLevel(logger pslog.Logger, level string) pslog.Logger {
	level = strings.TrimSpace(level)
	if level == "" {
		return logger
	}
	if parsed, ok := pslog.ParseLevel(level); ok {
		return logger.LogLevel(parsed)
	}
	logger.Warn("cli.log_level.invalid", "log_level", level)
	return logger
}
