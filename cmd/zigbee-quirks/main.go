package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/ingress"
	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/quirks/orvibo"
	"zigbee-quirks/internal/store"
	"zigbee-quirks/internal/web"
	"zigbee-quirks/internal/zcl"
	"zigbee-quirks/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "zigbee-quirks",
		Short: "Run quirk-aware device handling for Orvibo motion sensors.",
		Long: `Runs the coordinator: devices join over the serial link, MQTT or the HTTP API,
their attribute reports pass through the vendor quirks, and the resulting
occupancy and motion state is stored and published.`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath, os.Getenv)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, newLogger(cfg))
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to configuration file")
	root.AddCommand(newReplayCmd())
	return root
}

// runtimeConfig is what both the daemon and replay need to build a coordinator.
type runtimeConfig struct {
	devicesDir string
	rearmDelay time.Duration
}

// newCoordinator wires the cluster registry, device definitions and quirk
// registry into a coordinator running on loop.
func newCoordinator(rc runtimeConfig, st store.Store, loop clock.EventLoop, logger *slog.Logger) (*coordinator.Coordinator, error) {
	registry := zcl.NewRegistry(logger)
	clusters.RegisterStandard(registry)

	deviceDB, err := coordinator.LoadDeviceDir(rc.devicesDir, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("load device definitions: %w", err)
	}

	quirkReg := quirks.NewRegistry()
	if err := orvibo.Register(quirkReg); err != nil {
		return nil, fmt.Errorf("register quirks: %w", err)
	}
	if err := deviceDB.AliasQuirks(quirkReg); err != nil {
		return nil, fmt.Errorf("alias quirks: %w", err)
	}
	logger.Info("registries initialized",
		"clusters", len(registry.All()), "devices", deviceDB.Len(), "quirks", quirkReg.Names())

	events := coordinator.NewEventBus(logger)
	return coordinator.New(st, quirkReg, registry, deviceDB, events, loop,
		coordinator.Config{RearmDelay: rc.rearmDelay}, logger), nil
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	slog.SetDefault(logger)
	logger.Info("zigbee-quirks starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// The loop outlives ctx so shutdown can still close quirk devices on it.
	loop := clock.NewLoop(logger)
	go loop.Run(context.Background())
	defer loop.Stop()

	coord, err := newCoordinator(runtimeConfig{devicesDir: cfg.DevicesDir, rearmDelay: cfg.Quirks.RearmDelay}, db, loop, logger)
	if err != nil {
		return err
	}

	// Consumers subscribe before Start so they see restored devices.
	auto, autoWebOpts := initAutomation(coord, loop, cfg, logger)
	defer auto.Stop()
	mqtt := initMQTT(coord, cfg, logger)
	defer mqtt.Stop()

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)
	defer webServer.Stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	if cfg.Serial.Port != "" {
		reader := ingress.NewSerialReader(cfg.Serial.Port, cfg.Serial.Baud, coord, logger)
		go func() {
			if err := reader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("serial reader", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return nil
}
