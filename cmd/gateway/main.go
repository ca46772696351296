// Package main is the entry point for the Machine Gateway service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexus-edge/machine-gateway/internal/adapter/config"
	"github.com/nexus-edge/machine-gateway/internal/adapter/controlplane"
	"github.com/nexus-edge/machine-gateway/internal/adapter/influx"
	"github.com/nexus-edge/machine-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/machine-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/machine-gateway/internal/api"
	"github.com/nexus-edge/machine-gateway/internal/arbiter"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/internal/health"
	"github.com/nexus-edge/machine-gateway/internal/metrics"
	"github.com/nexus-edge/machine-gateway/internal/service"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
)

const (
	serviceName    = "machine-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	// Bootstrap logger until the settings are known
	logger := logging.New(serviceName, serviceVersion)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting Machine Gateway")

	machines, err := config.LoadMachines(cfg.MachinesPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.MachinesPath).Msg("Failed to load machines")
	}
	for _, m := range machines {
		if len(m.Unknown) > 0 {
			logger.Warn().Int("machine_id", m.ID).Strs("fields", m.Unknown).
				Msg("Unknown read fields are read but never published")
		}
	}
	logger.Info().Int("count", len(machines)).Str("path", cfg.MachinesPath).Msg("Loaded machines")

	metricsRegistry := metrics.NewRegistry(nil)
	metricsRegistry.UpdateActiveLinks(string(domain.TransportTCP), 0)
	metricsRegistry.UpdateActiveLinks(string(domain.TransportSerial), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Links and arbitration
	// =============================================================

	pool := modbus.NewConnectionPool(modbus.PoolConfig{
		TCPTimeout:        cfg.Modbus.TCPTimeout,
		IdleTimeout:       cfg.Modbus.IdleTimeout,
		ConnectionTimeout: cfg.Modbus.ConnectionTimeout,
		HealthCheckPeriod: cfg.Modbus.HealthCheckPeriod,
		BreakerTimeout:    cfg.Modbus.BreakerTimeout,
		BreakerFailures:   cfg.Modbus.BreakerFailures,
		Serial: modbus.SerialConfig{
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			Parity:   cfg.Serial.Parity,
			StopBits: cfg.Serial.StopBits,
			Timeout:  cfg.Serial.Timeout,
		},
	}, logger, metricsRegistry)
	for _, m := range machines {
		if err := pool.Register(m); err != nil {
			logger.Fatal().Err(err).Int("machine_id", m.ID).Msg("Failed to register machine link")
		}
	}

	// Open the shared serial line, if any, before the workers start
	for _, m := range machines {
		if m.Transport.Kind != domain.TransportSerial {
			continue
		}
		if err := pool.Connect(ctx, m); err != nil {
			logger.Error().Err(err).Str("port", cfg.Serial.Port).Msg("Serial line not available yet")
		}
		break
	}

	policy, err := arbiter.ParsePolicy(cfg.Polling.Arbitration)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid arbitration policy")
	}
	policy = arbiter.Resolve(policy, machines)
	arb, err := arbiter.New(policy, arbiter.Options{ReadGap: cfg.Polling.ReadGap})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create bus arbiter")
	}
	logger.Info().Str("policy", string(arb.Policy())).Msg("Bus arbiter initialized")

	// =============================================================
	// External collaborators
	// =============================================================

	sink, err := influx.NewSink(influx.Config{
		URL:     cfg.Influx.URL,
		Token:   cfg.Influx.Token,
		Org:     cfg.Influx.Org,
		Bucket:  cfg.Influx.Bucket,
		Timeout: cfg.Influx.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create telemetry sink")
	}

	plane := controlplane.NewClient(controlplane.Config{
		StringsURL:   cfg.ControlPlane.StringsURL,
		ConfirmURL:   cfg.ControlPlane.ConfirmURL,
		BatchURL:     cfg.ControlPlane.BatchURL,
		TriggerURL:   cfg.ControlPlane.TriggerURL,
		FetchTimeout: cfg.ControlPlane.FetchTimeout,
		CallTimeout:  cfg.ControlPlane.CallTimeout,
	}, logger)

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
		}, logger, metricsRegistry)

		// The mirror buffers until the broker is reachable
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Str("broker", cfg.MQTT.BrokerURL).Msg("MQTT broker not reachable, buffering events")
		}
	}

	// =============================================================
	// Services
	// =============================================================

	pollingSvc := service.NewPollingService(service.PollingConfig{
		Interval:    cfg.Polling.Interval,
		Sentinel:    cfg.Polling.Sentinel,
		ByteSwap:    cfg.Polling.ByteSwap,
		CallTimeout: cfg.ControlPlane.CallTimeout,
	}, pool, arb, sink, plane, logger, metricsRegistry)
	if publisher != nil {
		pollingSvc.SetMirror(publisher)
	}

	commandSvc := service.NewCommandService(service.CommandConfig{
		FetchInterval: cfg.ControlPlane.FetchInterval,
		FetchTimeout:  cfg.ControlPlane.FetchTimeout,
		PollInterval:  cfg.Commands.PollInterval,
		CallTimeout:   cfg.ControlPlane.CallTimeout,
		WriteTimeout:  cfg.Commands.WriteTimeout,
		ByteSwap:      cfg.Polling.ByteSwap,
	}, pool, arb, plane, nil, logger, metricsRegistry)

	for _, m := range machines {
		if err := pollingSvc.RegisterMachine(m); err != nil {
			logger.Fatal().Err(err).Int("machine_id", m.ID).Msg("Failed to register machine poller")
		}
		if err := commandSvc.RegisterMachine(m); err != nil {
			logger.Fatal().Err(err).Int("machine_id", m.ID).Msg("Failed to register machine writer")
		}
	}

	if err := pollingSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start polling service")
	}
	if err := commandSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start command service")
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("modbus_pool", pool)
	healthChecker.AddCheck("polling", pollingSvc)
	healthChecker.AddOptionalCheck("influx", sink)
	deps := api.Dependencies{
		Polling:        pollingSvc,
		Commands:       commandSvc,
		Links:          pool,
		Arbiter:        arb,
		Health:         healthChecker,
		Metrics:        metricsRegistry.Handler(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Version:        serviceVersion,
		Logger:         logger,
	}
	if publisher != nil {
		healthChecker.AddOptionalCheck("mqtt", publisher)
		deps.Mirror = publisher
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("machines", len(machines)).
		Str("arbitration", string(arb.Policy())).
		Dur("interval", cfg.Polling.Interval).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt_mirror", publisher != nil).
		Msg("Machine Gateway started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout)
	defer shutdownCancel()

	// Writers first; a slot pair already on the bus finishes before they exit
	if err := commandSvc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping command service")
	}
	if err := pollingSvc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling service")
	}
	cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if err := pool.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing modbus links")
	}
	if err := sink.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing telemetry sink")
	}
	if publisher != nil {
		publisher.Disconnect()
	}

	logger.Info().Dur("timeout", cfg.Polling.ShutdownTimeout).Msg("Machine Gateway shutdown complete")
}
