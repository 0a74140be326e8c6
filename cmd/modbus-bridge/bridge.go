package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/adapter/config"
	"github.com/nexus-edge/robust-modbus/internal/adapter/mqtt"
	"github.com/nexus-edge/robust-modbus/internal/health"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/nexus-edge/robust-modbus/internal/service"
	"github.com/nexus-edge/robust-modbus/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// runBridge polls the configured blocks until SIGINT or SIGTERM. SIGHUP
// reloads the blocks file.
func runBridge(cmd *cobra.Command, args []string) error {
	logger.Info().Str("env", cfg.Environment).Msg("Starting Modbus bridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// =============================================================
	// Modbus client
	// =============================================================

	client, err := newModbusClient(cfg.Modbus, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create Modbus client: %w", err)
	}
	defer client.Close()

	unitLogger := logging.WithUnitContext(logger, cfg.Modbus.Address, cfg.Modbus.UnitID)
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Modbus.Timeout*time.Duration(cfg.Modbus.ConnectAttempts))
	if err := client.Connect(connectCtx); err != nil {
		// The first poll reconnects.
		unitLogger.Warn().Err(err).Msg("Initial connection failed")
	} else {
		unitLogger.Info().Msg("Connected to Modbus unit")
	}
	connectCancel()

	blocks, err := config.LoadBlocks(cfg.BlocksConfigPath, cfg.Polling.DefaultInterval)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	logger.Info().Int("count", len(blocks)).Str("path", cfg.BlocksConfigPath).Msg("Loaded block definitions")

	// =============================================================
	// MQTT
	// =============================================================

	var publisher service.Publisher = logPublisher{logger: logger}
	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher = newPublisher(cfg.MQTT, logger, metricsRegistry)
		if err := mqttPublisher.Connect(ctx); err != nil {
			return fmt.Errorf("connect to MQTT broker: %w", err)
		}
		defer mqttPublisher.Disconnect()
		publisher = mqttPublisher
	}

	// =============================================================
	// Services
	// =============================================================

	pollingSvc := service.NewPollingService(service.PollingConfig{
		WorkerCount:     cfg.Polling.WorkerCount,
		DefaultInterval: cfg.Polling.DefaultInterval,
		ReadTimeout:     cfg.Polling.ReadTimeout,
		ShutdownTimeout: cfg.Polling.ShutdownTimeout,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		PublishFailures: cfg.Polling.PublishFailures,
	}, client, publisher, logger, metricsRegistry)

	for _, block := range blocks {
		if err := pollingSvc.RegisterBlock(block); err != nil {
			logger.Error().Err(err).Str("block", block.Name).Msg("Failed to register block")
		}
	}

	if err := pollingSvc.Start(ctx); err != nil {
		return fmt.Errorf("start polling service: %w", err)
	}

	var cmdHandler *service.CommandHandler
	if cfg.Commands.Enabled {
		cmdHandler = service.NewCommandHandler(
			mqttPublisher.Client(),
			client,
			blocks,
			commandConfig(cfg.Commands, cfg.MQTT.QoS),
			logger,
		)
		if err := cmdHandler.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to start command handler (write commands disabled)")
			cmdHandler = nil
		}
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		CheckTimeout:   cfg.Modbus.Timeout,
	}, logger)
	healthChecker.AddCheck("modbus", client)
	if mqttPublisher != nil {
		healthChecker.AddOptionalCheck("mqtt", mqttPublisher)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"service": serviceName,
			"version": serviceVersion,
			"modbus":  client.Diagnostics(),
			"polling": pollingSvc.Stats(),
		}
		if cmdHandler != nil {
			status["commands"] = cmdHandler.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Error().Err(err).Msg("Failed to encode status")
		}
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("blocks", len(blocks)).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("commands", cmdHandler != nil).
		Msg("Modbus bridge started")

	// =============================================================
	// Shutdown
	// =============================================================

	reloader := newBlockReloader(cfg.BlocksConfigPath, cfg.Polling.DefaultInterval, pollingSvc, logger, blocks)
	if cmdHandler != nil {
		reloader.commands = cmdHandler
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-hup:
			if err := reloader.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload blocks, keeping current set")
			}
		}
	}
	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout)
	defer shutdownCancel()

	if cmdHandler != nil {
		if err := cmdHandler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping command handler")
		}
	}

	if err := pollingSvc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling service")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Modbus bridge shutdown complete")
	return nil
}
