package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/api"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

// Config is the node configuration file layout.
type Config struct {
	Network network.NetworkConfig `toml:"network"`
	Log     LogConfig             `toml:"log"`
	Metrics MetricsConfig         `toml:"metrics"`
	Health  HealthConfig          `toml:"health"`
	Bridge  BridgeConfig          `toml:"bridge"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
}

// HealthConfig controls the gRPC health endpoint.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// BridgeConfig controls the ZeroMQ bridge.
type BridgeConfig struct {
	Enabled    bool           `toml:"enabled"`
	PubAddress string         `toml:"pub_address"`
	RepAddress string         `toml:"rep_address"`
	Auth       api.AuthConfig `toml:"auth"`
}

func defaultConfig() Config {
	bridge := api.DefaultBridgeConfig()
	return Config{
		Network: network.DefaultNetworkConfig(),
		Log:     LogConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Address: "127.0.0.1:9090", Namespace: "moccasin"},
		Health:  HealthConfig{Address: "127.0.0.1:50051"},
		Bridge: BridgeConfig{
			PubAddress: bridge.PubAddress,
			RepAddress: bridge.RepAddress,
		},
	}
}

// loadConfig decodes a TOML file over the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(ctx *cli.Context, cfg *Config) {
	if ctx.IsSet(networkFlag.Name) {
		cfg.Network.NetworkName = ctx.String(networkFlag.Name)
	}
	if ctx.IsSet(bindFlag.Name) {
		cfg.Network.BindAddress = ctx.String(bindFlag.Name)
	}
	if ctx.IsSet(advertiseFlag.Name) {
		cfg.Network.AdvertiseAddress = ctx.String(advertiseFlag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Network.Port = ctx.Int(portFlag.Name)
	}
	if ctx.IsSet(queryIntervalFlag.Name) {
		cfg.Network.QueryInterval = ctx.Duration(queryIntervalFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = ctx.String(logFormatFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = ctx.String(metricsAddrFlag.Name)
	}
	if ctx.IsSet(healthAddrFlag.Name) {
		cfg.Health.Enabled = true
		cfg.Health.Address = ctx.String(healthAddrFlag.Name)
	}
	if ctx.IsSet(bridgeFlag.Name) {
		cfg.Bridge.Enabled = ctx.Bool(bridgeFlag.Name)
	}
	if ctx.IsSet(bridgePubFlag.Name) {
		cfg.Bridge.PubAddress = ctx.String(bridgePubFlag.Name)
	}
	if ctx.IsSet(bridgeRepFlag.Name) {
		cfg.Bridge.RepAddress = ctx.String(bridgeRepFlag.Name)
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics: address is required")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return errors.New("health: address is required")
	}
	if c.Bridge.Enabled && (c.Bridge.PubAddress == "" || c.Bridge.RepAddress == "") {
		return errors.New("bridge: pub_address and rep_address are required")
	}
	return nil
}

func (c Config) bridgeConfig() api.BridgeConfig {
	return api.BridgeConfig{
		PubAddress: c.Bridge.PubAddress,
		RepAddress: c.Bridge.RepAddress,
	}
}

// dumpConfig writes cfg as TOML.
func dumpConfig(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// newLogger builds the process logger from the log section.
func newLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
