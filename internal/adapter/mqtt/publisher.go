// Package mqtt publishes poll readings to an MQTT broker with automatic
// reconnection and a bounded buffer for readings taken while disconnected.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher handles publishing readings to the MQTT broker.
type Publisher struct {
	config    Config
	client    pahomqtt.Client
	logger    zerolog.Logger
	metrics   *metrics.Registry
	mu        sync.RWMutex
	connected atomic.Bool
	buffer    chan *bufferedMessage
	done      chan struct{}
	wg        sync.WaitGroup
	stats     *PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	Retained       bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
	BufferSize     int
	TLSEnabled     bool
	TLSCAFile      string
	TLSCertFile    string
	TLSKeyFile     string

	// ClientFactory builds the paho client; pahomqtt.NewClient when nil
	ClientFactory func(*pahomqtt.ClientOptions) pahomqtt.Client
}

type bufferedMessage struct {
	topic   string
	payload []byte
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	Reconnects        atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "robust-modbus",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
		BufferSize:     1000,
	}
}

// NewPublisher creates a new MQTT publisher. Connect must be called before
// readings leave the buffer.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.ClientFactory == nil {
		config.ClientFactory = pahomqtt.NewClient
	}

	return &Publisher{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics: metricsReg,
		buffer:  make(chan *bufferedMessage, config.BufferSize),
		done:    make(chan struct{}),
		stats:   &PublisherStats{},
	}
}

// Connect establishes the connection to the MQTT broker and starts flushing
// buffered readings.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := p.config.ClientFactory(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	if err := waitToken(ctx, token, p.config.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}

	p.connected.Store(true)
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.flushBuffer()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect stops the buffer flusher and disconnects from the broker.
func (p *Publisher) Disconnect() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Publish sends a reading to its topic. While disconnected the reading is
// buffered; when the buffer is full the oldest buffered reading is dropped.
func (p *Publisher) Publish(ctx context.Context, reading *domain.Reading) error {
	payload, err := reading.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize reading: %w", err)
	}

	if !p.connected.Load() {
		p.enqueue(&bufferedMessage{topic: reading.Topic, payload: payload})
		return nil
	}
	return p.publishRaw(ctx, reading.Topic, payload)
}

// PublishRaw sends an arbitrary payload, bypassing the buffer.
func (p *Publisher) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	return p.publishRaw(ctx, topic, payload)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, p.config.QoS, p.config.Retained, payload)
	if err := waitToken(ctx, token, p.config.PublishTimeout); err != nil {
		p.stats.MessagesFailed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
		}
		return fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
	}
	return nil
}

func (p *Publisher) enqueue(msg *bufferedMessage) {
	for {
		select {
		case p.buffer <- msg:
			p.stats.MessagesBuffered.Add(1)
			return
		default:
		}
		select {
		case <-p.buffer:
			p.stats.MessagesDropped.Add(1)
			p.logger.Warn().Msg("Buffer full, dropped oldest reading")
		default:
		}
	}
}

// flushBuffer publishes buffered readings while connected.
func (p *Publisher) flushBuffer() {
	defer p.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

func (p *Publisher) drain() {
	for p.connected.Load() {
		select {
		case msg := <-p.buffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			err := p.publishRaw(ctx, msg.topic, msg.payload)
			cancel()
			if err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to publish buffered reading")
			}
		default:
			return
		}
	}
}

// waitToken waits for token completion, the timeout, or ctx, whichever is first.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.Reconnects.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns the publisher counters.
func (p *Publisher) Stats() *PublisherStats {
	return p.stats
}

// BufferLen returns the number of buffered readings.
func (p *Publisher) BufferLen() int {
	return len(p.buffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client, or nil before Connect.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
