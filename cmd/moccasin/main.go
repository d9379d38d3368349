// Command moccasin runs a serverless LAN messaging node.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rootapi "github.com/VanDung-dev/Moccasin-Engine/api"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/api"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/monitoring"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/network"
)

const shutdownTimeout = 5 * time.Second

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{"MOC_CONFIG"},
	}
	networkFlag = &cli.StringFlag{
		Name:    "network",
		Usage:   "Discovery network name shared by all peers",
		EnvVars: []string{"MOC_NETWORK"},
	}
	bindFlag = &cli.StringFlag{
		Name:  "bind",
		Usage: "Address the peer listener binds to",
	}
	advertiseFlag = &cli.StringFlag{
		Name:  "advertise",
		Usage: "Address announced to other peers",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "Peer listener port (0 picks a free port)",
	}
	queryIntervalFlag = &cli.DurationFlag{
		Name:  "query-interval",
		Usage: "Interval between discovery queries",
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "Log level (debug, info, warn, error)",
		EnvVars: []string{"MOC_LOG_LEVEL"},
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "Log encoding (json, console)",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Enable the Prometheus endpoint on this address",
	}
	healthAddrFlag = &cli.StringFlag{
		Name:  "health.addr",
		Usage: "Enable the gRPC health endpoint on this address",
	}
	bridgeFlag = &cli.BoolFlag{
		Name:  "bridge",
		Usage: "Enable the ZeroMQ bridge",
	}
	bridgePubFlag = &cli.StringFlag{
		Name:  "bridge.pub",
		Usage: "ZeroMQ PUB endpoint for events",
	}
	bridgeRepFlag = &cli.StringFlag{
		Name:  "bridge.rep",
		Usage: "ZeroMQ REP endpoint for commands",
	}

	nodeFlags = []cli.Flag{
		configFlag,
		networkFlag,
		bindFlag,
		advertiseFlag,
		portFlag,
		queryIntervalFlag,
		logLevelFlag,
		logFormatFlag,
		metricsAddrFlag,
		healthAddrFlag,
		bridgeFlag,
		bridgePubFlag,
		bridgeRepFlag,
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    filepath.Base(os.Args[0]),
		Usage:   "serverless LAN peer-to-peer messaging node",
		Version: rootapi.Version,
		Flags:   nodeFlags,
		Action:  runNode,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run a node until interrupted (default)",
				Flags:  nodeFlags,
				Action: runNode,
			},
			{
				Name:   "dumpconfig",
				Usage:  "Print the effective configuration as TOML",
				Flags:  nodeFlags,
				Action: dumpConfigAction,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(ctx *cli.Context) error {
					_, err := fmt.Fprintf(ctx.App.Writer, "%s %s\n", ctx.App.Name, rootapi.Version)
					return err
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfig(ctx *cli.Context) (Config, error) {
	cfg, err := loadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return cfg, err
	}
	applyFlags(ctx, &cfg)
	return cfg, cfg.Validate()
}

func dumpConfigAction(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	return dumpConfig(ctx.App.Writer, cfg)
}

func runNode(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(cfg.Metrics.Namespace, reg)

	node := network.NewNetworkService(cfg.Network,
		network.WithLogger(logger),
		network.WithMetrics(metrics),
	)

	var health *rootapi.HealthServer
	if cfg.Health.Enabled {
		health = rootapi.NewHealthServer(logger.Named("health"))
		health.Watch(node)
		if err := health.StartAsync(cfg.Health.Address); err != nil {
			return err
		}
		defer health.Stop()
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer node.Stop()

	id := node.Identity()
	logger.Info("Node online",
		zap.String("network", cfg.Network.NetworkName),
		zap.String("address", id.Address),
		zap.Int("port", id.Port))

	if cfg.Metrics.Enabled {
		ms := rootapi.NewMetricsServer(cfg.Metrics.Address, reg, node.GetStatus, logger.Named("metrics"))
		if err := ms.StartAsync(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = ms.Stop(sctx)
		}()
	}

	if cfg.Bridge.Enabled {
		auth := api.NewAuthenticatorFromEnv(cfg.Bridge.Auth)
		if auth.Generated() {
			logger.Warn("Generated bridge auth token", zap.String("token", auth.Token()))
		}
		bridge := api.NewBridge(node, cfg.bridgeConfig(), auth, logger.Named("bridge"))
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return logEvents(gctx, node, logger)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	st := node.GetStatus()
	logger.Info("Shutting down",
		zap.Int("peers", st.PeerCount),
		zap.Int("candidates", st.CandidateCount),
		zap.Int64("dials_completed", st.DialPool.Completed),
		zap.Int64("dials_failed", st.DialPool.Failed))
	return nil
}

// logEvents logs peer lifecycle events until ctx is cancelled.
func logEvents(ctx context.Context, node *network.NetworkService, logger *zap.Logger) error {
	events := make(chan network.Event, 64)
	sub := node.SubscribeEvents(events)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case ev := <-events:
			switch ev.Type {
			case network.EventPeerConnected, network.EventPeerDisconnected:
				logger.Info("Peer "+string(ev.Type), zap.String("address", ev.Address), zap.Int("port", ev.Port))
			case network.EventPeerConnectionFailed:
				logger.Debug("Peer connection failed", zap.String("address", ev.Address), zap.Int("port", ev.Port), zap.Error(ev.Err))
			}
		}
	}
}
