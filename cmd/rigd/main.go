// Package main implements rigd, the daemon coordinating a VR
// neuroscience rig: serial motion-sensor input, water reward delivery,
// loadable experiment modules, and the NATS control surface the
// renderer talks to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/boyuan99/three-maze-sub000/config"
	"github.com/boyuan99/three-maze-sub000/experiment"
	"github.com/boyuan99/three-maze-sub000/gateway"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/metric"
	"github.com/boyuan99/three-maze-sub000/natsclient"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "rigd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// CLI flags override file settings
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting rig daemon",
		"rig", cfg.Rig.Name, "nats", cfg.NATS.URL, "config", cliCfg.ConfigPath)

	ctx := context.Background()

	// Metrics
	metricsRegistry := metric.NewRegistry()
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
	}

	// NATS control plane
	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithClientName(cfg.Rig.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithConnectTimeout(cfg.NATS.ConnectTimeout.Std()),
		natsclient.WithRequestTimeout(cfg.NATS.RequestTimeout.Std()),
	)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer func() { _ = natsClient.Close(ctx) }()

	// Hardware and experiments
	hardwareManager := hardware.NewManager(hardware.Deps{
		Logger:  logger,
		Metrics: metricsRegistry,
	})

	registry := experiment.NewRegistry()
	if err := registry.Register(experiment.HallwayName, experiment.NewHallway); err != nil {
		return fmt.Errorf("experiment registry: %w", err)
	}

	rt := experiment.NewRuntime(registry, hardwareManager,
		experiment.WithLogger(logger),
		experiment.WithReservedNames(gateway.CoreHandlerNames()...),
	)

	// Gateway with optional WebSocket event bridge
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithRigName(cfg.Rig.Name),
		gateway.WithSubjectRoot(cfg.SubjectRoot()),
		gateway.WithMetrics(metricsRegistry),
	}
	var bridge *gateway.EventBridge
	if cfg.Events.WebSocketEnabled {
		bridge = gateway.NewEventBridge(cfg.Events.WebSocketPort, logger)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("event bridge: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithEventBridge(bridge))
	}

	gw := gateway.New(natsClient, rt, hardwareManager, gwOpts...)
	rt.SetPublisher(gw.PublishEvent)

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("rig daemon ready", "subject", cfg.SubjectRoot()+".request.>")

	// Block until a shutdown signal arrives
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()

	// Unload the experiment first so its hardware is released cleanly,
	// then sweep anything left
	if rt.Current() != "" {
		if _, err := rt.Unload(shutdownCtx); err != nil {
			logger.Warn("experiment unload failed during shutdown", "error", err)
		}
	}
	report := hardwareManager.Shutdown(shutdownCtx)
	if report.Failed > 0 {
		logger.Warn("hardware shutdown incomplete", "failed", report.Failed)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway stop failed", "error", err)
	}

	logger.Info("rig daemon stopped")
	return nil
}
