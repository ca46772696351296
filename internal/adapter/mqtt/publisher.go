// Package mqtt mirrors change sets and completion events to an MQTT broker,
// with automatic reconnection and a bounded buffer for offline periods.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/internal/metrics"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// Publisher mirrors gateway events to MQTT.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher counters.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "machine-gateway",
		TopicPrefix:    "factory",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = def.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = def.TopicPrefix
	}

	return &Publisher{
		config:        config,
		logger:        logging.WithComponent(logger, "mqtt-publisher"),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
	}
}

// ChangeSetTopic returns {prefix}/machines/{id}/{tier}.
func ChangeSetTopic(prefix string, cs domain.ChangeSet) string {
	return prefix + "/machines/" + strconv.Itoa(cs.MachineID) + "/" + string(cs.Tier)
}

// CompletionTopic returns {prefix}/machines/{id}/completion.
func CompletionTopic(prefix string, machineID int) string {
	return prefix + "/machines/" + strconv.Itoa(machineID) + "/completion"
}

type changeSetPayload struct {
	MachineID int                    `json:"machine_id"`
	Tier      domain.Tier            `json:"tier"`
	Fields    map[string]interface{} `json:"fields"`
	Timestamp time.Time              `json:"timestamp"`
}

// EncodeChangeSet renders the mirror payload of a change set.
func EncodeChangeSet(cs domain.ChangeSet) ([]byte, error) {
	return json.Marshal(changeSetPayload{
		MachineID: cs.MachineID,
		Tier:      cs.Tier,
		Fields:    cs.FieldMap(),
		Timestamp: cs.At,
	})
}

// Connect establishes the connection to the MQTT broker.
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

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.processBuffer()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect flushes what it can and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

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

// PublishChangeSet mirrors one change set.
func (p *Publisher) PublishChangeSet(ctx context.Context, cs domain.ChangeSet) error {
	payload, err := EncodeChangeSet(cs)
	if err != nil {
		return fmt.Errorf("failed to serialize change set: %w", err)
	}
	return p.publish(ctx, ChangeSetTopic(p.config.TopicPrefix, cs), payload)
}

// PublishCompletion mirrors one completion event. Its id lets consumers
// drop duplicates after a reconnect.
func (p *Publisher) PublishCompletion(ctx context.Context, ev domain.CompletionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize completion event: %w", err)
	}
	return p.publish(ctx, CompletionTopic(p.config.TopicPrefix, ev.MachineID), payload)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, p.config.RetainMessages)
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.recordFailure(p.config.PublishTimeout)
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.recordFailure(time.Since(start))
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.recordFailure(time.Since(start))
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
	}
	return nil
}

func (p *Publisher) recordFailure(latency time.Duration) {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(false, latency.Seconds())
	}
}

// bufferMessage keeps a message for later, dropping the oldest when full.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.RetainMessages,
		Timestamp: time.Now(),
	}

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		select {
		case <-p.messageBuffer:
			p.stats.MessagesDropped.Add(1)
			p.messageBuffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				}
				cancel()
			} else {
				select {
				case p.messageBuffer <- msg:
				default:
					p.stats.MessagesDropped.Add(1)
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
				}
				cancel()
			}
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
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
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
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

func (p *Publisher) onConnect(pahomqtt.Client) {
	p.connected.Store(true)
	p.reconnecting.Store(false)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(pahomqtt.Client, *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesBuffered  uint64 `json:"messages_buffered"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnects"`
	Pending           int    `json:"pending"`
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		MessagesDropped:   p.stats.MessagesDropped.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
		Pending:           len(p.messageBuffer),
	}
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
