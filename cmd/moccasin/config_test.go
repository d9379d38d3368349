package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moccasin.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[network]
network_name = "room1"
port = 4001
query_interval = "2s"

[log]
level = "debug"
format = "json"

[bridge]
enabled = true

[bridge.auth]
enabled = true
token = "secret"
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "room1", cfg.Network.NetworkName)
	require.Equal(t, 4001, cfg.Network.Port)
	require.Equal(t, 2*time.Second, cfg.Network.QueryInterval)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Bridge.Enabled)
	require.Equal(t, "secret", cfg.Bridge.Auth.Token)
	// untouched keys keep their defaults
	require.Equal(t, defaultConfig().Network.DialTimeout, cfg.Network.DialTimeout)
	require.Equal(t, defaultConfig().Bridge.PubAddress, cfg.Bridge.PubAddress)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[network]\nnetwork_nmae = \"typo\"\n")
	_, err := loadConfig(path)
	require.ErrorContains(t, err, "network.network_nmae")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	flagSet := flag.NewFlagSet("test", 0)
	flagSet.String(networkFlag.Name, "", "")
	flagSet.Int(portFlag.Name, 0, "")
	flagSet.String(metricsAddrFlag.Name, "", "")
	flagSet.Bool(bridgeFlag.Name, false, "")
	flagSet.String(logLevelFlag.Name, "", "")
	require.NoError(t, flagSet.Parse([]string{
		"--network", "room2",
		"--port", "5000",
		"--metrics.addr", "127.0.0.1:9191",
		"--bridge",
	}))

	ctx := cli.NewContext(nil, flagSet, nil)
	cfg := defaultConfig()
	applyFlags(ctx, &cfg)

	require.Equal(t, "room2", cfg.Network.NetworkName)
	require.Equal(t, 5000, cfg.Network.Port)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "127.0.0.1:9191", cfg.Metrics.Address)
	require.True(t, cfg.Bridge.Enabled)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Address = "" }},
		{"health without address", func(c *Config) { c.Health.Enabled = true; c.Health.Address = "" }},
		{"bridge without endpoints", func(c *Config) { c.Bridge.Enabled = true; c.Bridge.RepAddress = "" }},
		{"empty network name", func(c *Config) { c.Network.NetworkName = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDumpConfigRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	cfg.Network.NetworkName = "room3"

	var buf bytes.Buffer
	require.NoError(t, dumpConfig(&buf, cfg))

	decoded := defaultConfig()
	_, err := toml.Decode(buf.String(), &decoded)
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
}
