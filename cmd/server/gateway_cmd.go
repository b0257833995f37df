package main

import (
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/config"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// newGatewayCommand runs one simulated gateway against an MQTT broker, for
// exercising an authority deployed elsewhere.
func newGatewayCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	var gatewayID string
	var locks int

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a simulated gateway and its locks over MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			if locks <= 0 {
				return fmt.Errorf("--locks must be positive")
			}
			cfg := config.Config{
				MQTTBroker:   v.GetString(config.KeyMQTTBroker),
				MQTTUsername: v.GetString(config.KeyMQTTUsername),
				MQTTPassword: v.GetString(config.KeyMQTTPassword),
			}
			if cfg.MQTTBroker == "" {
				return fmt.Errorf("--%s is required", config.KeyMQTTBroker)
			}
			logger := withLevel(baseLogger, v.GetString(config.KeyLogLevel))
			ctx := cmd.Context()

			tr, err := openTransport(ctx, cfg, "parking-gateway-"+gatewayID, logger)
			if err != nil {
				return err
			}
			defer tr.Close()
			gw, err := startGateway(ctx, tr, gatewayID, locks, v.GetDuration(config.KeyHeartbeatInterval), clock.Real{}, logger)
			if err != nil {
				return err
			}
			defer gw.Stop()

			logging.Subsystem(logger, "cli.gateway").Info("gateway.running", "gateway_id", gatewayID, "locks", gw.LockIDs())
			<-ctx.Done()
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&gatewayID, "gateway-id", "gateway_001", "gateway identifier (topic namespace)")
	flags.IntVar(&locks, "locks", 3, "number of simulated locks")
	flags.String(config.KeyMQTTBroker, "", "MQTT broker URL, e.g. tcp://localhost:1883")
	flags.String(config.KeyMQTTUsername, "", "MQTT username")
	flags.String(config.KeyMQTTPassword, "", "MQTT password")
	flags.Duration(config.KeyHeartbeatInterval, 30*time.Second, "heartbeat interval")
	flags.String(config.KeyLogLevel, "info", "log level")
	return cmd
}
