package main

import (
	"context"

	"github.com/nexus-edge/robust-modbus/internal/adapter/config"
	"github.com/nexus-edge/robust-modbus/internal/adapter/modbus"
	"github.com/nexus-edge/robust-modbus/internal/adapter/mqtt"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/nexus-edge/robust-modbus/internal/retry"
	"github.com/nexus-edge/robust-modbus/internal/service"
	"github.com/rs/zerolog"
)

func newModbusClient(c config.ModbusConfig, logger zerolog.Logger, reg *metrics.Registry) (*modbus.Client, error) {
	clientCfg := modbus.ClientConfig{
		Address:     c.Address,
		UnitID:      c.UnitID,
		Timeout:     c.Timeout,
		IdleTimeout: c.IdleTimeout,
		ConnectPolicy: retry.Policy{
			Attempts:  c.ConnectAttempts,
			BaseDelay: c.RetryBaseDelay,
			Jitter:    retry.FullJitter,
		},
		CommandPolicy: retry.Policy{
			Attempts:  c.CommandAttempts,
			BaseDelay: c.RetryBaseDelay,
			Jitter:    retry.FullJitter,
		},
		UnitQueueSize:        c.UnitQueueSize,
		ReconnectOnException: c.ReconnectOnException,
		TraceFrames:          c.TraceFrames,
	}
	if c.CBEnabled {
		clientCfg.Breaker = &modbus.BreakerConfig{
			MaxRequests:      c.CBMaxRequests,
			Interval:         c.CBInterval,
			Timeout:          c.CBTimeout,
			FailureThreshold: c.CBFailureThreshold,
		}
	}

	return modbus.NewClient(clientCfg, logger, reg)
}

func newPublisher(c config.MQTTConfig, logger zerolog.Logger, reg *metrics.Registry) *mqtt.Publisher {
	return mqtt.NewPublisher(mqtt.Config{
		BrokerURL:      c.BrokerURL,
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		CleanSession:   c.CleanSession,
		QoS:            c.QoS,
		Retained:       c.Retained,
		KeepAlive:      c.KeepAlive,
		ConnectTimeout: c.ConnectTimeout,
		ReconnectDelay: c.ReconnectDelay,
		PublishTimeout: c.PublishTimeout,
		TLSEnabled:     c.TLSEnabled,
		TLSCAFile:      c.TLSCAFile,
		TLSCertFile:    c.TLSCertFile,
		TLSKeyFile:     c.TLSKeyFile,
	}, logger, reg)
}

func commandConfig(c config.CommandsConfig, qos byte) service.CommandConfig {
	return service.CommandConfig{
		CommandTopicPrefix:    c.TopicPrefix,
		ResponseTopicPrefix:   c.ResponseTopicPrefix,
		WriteTimeout:          c.WriteTimeout,
		QoS:                   qos,
		EnableAcknowledgement: c.Acknowledge,
		CommandQueueSize:      c.QueueSize,
	}
}

// logPublisher writes readings to the log when MQTT is disabled.
type logPublisher struct {
	logger zerolog.Logger
}

func (p logPublisher) Publish(ctx context.Context, r *domain.Reading) error {
	event := p.logger.Info().
		Str("block", r.Block).
		Str("topic", r.Topic).
		Str("quality", string(r.Quality))
	switch {
	case r.Bits != nil:
		event = event.Interface("bits", r.Bits)
	case r.Registers != nil:
		event = event.Interface("registers", r.Registers)
	}
	event.Msg("Reading")
	return nil
}
