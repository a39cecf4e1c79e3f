package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/eventflow/internal/infra/config"
	httpserver "github.com/coachpo/eventflow/internal/infra/server/http"
	"github.com/coachpo/eventflow/internal/infra/telemetry"
	"github.com/coachpo/eventflow/pkg/eventflow"
)

const (
	shutdownTimeout            = 30 * time.Second
	adminServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	busShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	adminReadHeaderTimeout     = 5 * time.Second
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bus and its admin HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), newLogger(cmd.OutOrStdout()), *configPath)
		},
	}
}

func runServe(parent context.Context, logger *log.Logger, configPath string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Printf("configuration initialised: env=%s, hierarchy=%s, fanoutWorkers=%d, topics=%d",
		cfg.Environment, cfg.EventFlow.Hierarchy, cfg.EventFlow.FanoutWorkerCount(), len(cfg.EventFlow.Topics))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	bus := newEventFlow(cfg, logger, telemetryProvider)
	if err := bus.Initialize(); err != nil {
		return fmt.Errorf("initialize bus: %w", err)
	}
	if err := registerTopics(bus, cfg.EventFlow); err != nil {
		_ = bus.Shutdown(ctx)
		return err
	}
	logger.Printf("topics registered: %d", len(cfg.EventFlow.Topics))

	var lifecycle conc.WaitGroup
	adminServer := buildAdminServer(cfg.AdminServer, bus)
	startAdminServer(&lifecycle, logger, adminServer, cancel)
	logger.Printf("admin API listening on %s", adminServer.Addr)

	logger.Print("eventflow started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     adminServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        bus,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := cfg.TelemetryConfig()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newEventFlow(cfg config.Config, logger *log.Logger, provider *telemetry.Provider) *eventflow.EventFlow {
	opts := []eventflow.Option{
		eventflow.WithLogger(logger),
		eventflow.WithMeterProvider(provider.MeterProvider()),
		eventflow.WithFanoutWorkers(cfg.EventFlow.FanoutWorkerCount()),
	}
	if cfg.EventFlow.SegmentMatching() {
		opts = append(opts, eventflow.WithSegmentMatching())
	}
	return eventflow.New(opts...)
}

func registerTopics(bus *eventflow.EventFlow, cfg config.EventFlowConfig) error {
	for _, t := range cfg.Topics {
		if _, err := bus.RegisterOrGet(t.Name, cfg.TopicChannelConfig(t)); err != nil {
			return fmt.Errorf("register topic %s: %w", t.Name, err)
		}
	}
	return nil
}

func buildAdminServer(cfg config.AdminServerConfig, bus httpserver.TopicAdmin) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(bus),
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}
}

// startAdminServer cancels the main context when the listener fails so serve exits.
func startAdminServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server, cancel context.CancelFunc) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("admin server: %v", err)
			cancel()
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        *eventflow.EventFlow
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping admin server", adminServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("shutting down event bus", busShutdownTimeout, cfg.bus.Shutdown)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
