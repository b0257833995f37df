// Package config resolves parkingd settings from flags, PARKING_* environment
// variables, an optional .env file and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PARKING_SWEEP_INTERVAL.
const EnvPrefix = "PARKING"

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Keys shared by flags, environment and config file.
const (
	KeyListen            = "listen"
	KeyStaticDir         = "static-dir"
	KeyStore             = "store"
	KeyDataDir           = "data-dir"
	KeyMQTTBroker        = "mqtt-broker"
	KeyMQTTClientID      = "mqtt-client-id"
	KeyMQTTUsername      = "mqtt-username"
	KeyMQTTPassword      = "mqtt-password"
	KeySimulate          = "simulate"
	KeySweepInterval     = "sweep-interval"
	KeyAckTimeout        = "ack-timeout"
	KeyHeartbeatInterval = "heartbeat-interval"
	KeySensorCap         = "sensor-cap"
	KeyLogCap            = "log-cap"
	KeyLogLevel          = "log-level"
	KeyTopology          = "topology"
)

// Config is the resolved server configuration.
type Config struct {
	Listen            string
	StaticDir         string
	Store             string
	DataDir           string
	MQTTBroker        string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	Simulate          bool
	SweepInterval     time.Duration
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	SensorCap         int
	LogCap            int
	LogLevel          string
	Topology          authority.Topology
}

// RegisterFlags declares every server flag with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyListen, ":3000", "HTTP listen address")
	flags.String(KeyStaticDir, "", "directory of dashboard files served at / (empty disables)")
	flags.String(KeyStore, StoreMemory, "store backend (memory, sqlite)")
	flags.String(KeyDataDir, "./data", "directory holding parking.db for the sqlite store")
	flags.String(KeyMQTTBroker, "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty uses the in-process bus)")
	flags.String(KeyMQTTClientID, "parking-authority", "MQTT client id")
	flags.String(KeyMQTTUsername, "", "MQTT username")
	flags.String(KeyMQTTPassword, "", "MQTT password")
	flags.Bool(KeySimulate, true, "run simulated gateways and locks for the topology in process")
	flags.Duration(KeySweepInterval, 30*time.Second, "reservation expiry and command scan interval")
	flags.Duration(KeyAckTimeout, 30*time.Second, "how long a command may stay unacknowledged")
	flags.Duration(KeyHeartbeatInterval, 30*time.Second, "simulated gateway heartbeat interval")
	flags.Int(KeySensorCap, 1000, "sensor readings retained")
	flags.Int(KeyLogCap, 100, "system log entries retained")
	flags.String(KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
}

// Bind wires v to flags and to PARKING_* environment variables.
func Bind(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

// LoadDotEnv loads path into the process environment without overriding
// variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Listen:            strings.TrimSpace(v.GetString(KeyListen)),
		StaticDir:         strings.TrimSpace(v.GetString(KeyStaticDir)),
		Store:             strings.ToLower(strings.TrimSpace(v.GetString(KeyStore))),
		DataDir:           strings.TrimSpace(v.GetString(KeyDataDir)),
		MQTTBroker:        strings.TrimSpace(v.GetString(KeyMQTTBroker)),
		MQTTClientID:      strings.TrimSpace(v.GetString(KeyMQTTClientID)),
		MQTTUsername:      v.GetString(KeyMQTTUsername),
		MQTTPassword:      v.GetString(KeyMQTTPassword),
		Simulate:          v.GetBool(KeySimulate),
		SweepInterval:     v.GetDuration(KeySweepInterval),
		AckTimeout:        v.GetDuration(KeyAckTimeout),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		SensorCap:         v.GetInt(KeySensorCap),
		LogCap:            v.GetInt(KeyLogCap),
		LogLevel:          strings.TrimSpace(v.GetString(KeyLogLevel)),
	}
	if v.IsSet(KeyTopology) {
		if err := v.UnmarshalKey(KeyTopology, &cfg.Topology); err != nil {
			return cfg, fmt.Errorf("%w: decoding topology: %v", protocol.ErrInvalidArgument, err)
		}
	}
	if len(cfg.Topology.Lots) == 0 {
		cfg.Topology = authority.DefaultTopology()
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("%w: %s requires %s", protocol.ErrInvalidArgument, StoreSQLite, KeyDataDir)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", protocol.ErrInvalidArgument, c.Store)
	}
	if c.Listen == "" {
		return fmt.Errorf("%w: %s is required", protocol.ErrInvalidArgument, KeyListen)
	}
	for key, d := range map[string]time.Duration{
		KeySweepInterval:     c.SweepInterval,
		KeyAckTimeout:        c.AckTimeout,
		KeyHeartbeatInterval: c.HeartbeatInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", protocol.ErrInvalidArgument, key)
		}
	}
	if c.SensorCap <= 0 || c.LogCap <= 0 {
		return fmt.Errorf("%w: %s and %s must be positive", protocol.ErrInvalidArgument, KeySensorCap, KeyLogCap)
	}
	return c.Topology.Validate()
}
