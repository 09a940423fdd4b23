// Package events publishes motion state changes to an MQTT broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"pir-motion-cam/config"
	"pir-motion-cam/motion"
)

// MotionEvent is the published payload
type MotionEvent struct {
	Device    string    `json:"device"`
	Detected  bool      `json:"detected"`
	Hardware  bool      `json:"pir"`
	Software  bool      `json:"frame_diff"`
	DiffCount int       `json:"diff_count"`
	At        time.Time `json:"at"`
}

// Publisher delivers motion events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev MotionEvent) error
	Close() error
}

// Noop drops every event
type Noop struct{}

func (Noop) Publish(context.Context, MotionEvent) error { return nil }
func (Noop) Close() error                               { return nil }

// publishClient is the part of mqtt.Client the publisher uses
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes JSON motion events on a single topic
type MQTTPublisher struct {
	client  publishClient
	broker  string
	topic   string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// Stats holds publisher counters
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewMQTTPublisher creates a publisher and starts connecting to the broker.
// The client keeps retrying in the background, so a connect timeout is
// reported but the publisher stays usable.
func NewMQTTPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	logger = logger.With(zap.String("component", "mqtt"), zap.String("broker", cfg.Broker))

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", zap.String("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	p := newPublisher(client, cfg, logger)

	logger.Info("Connecting to MQTT broker")
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return p, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return p, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return p, nil
}

func newPublisher(client publishClient, cfg config.MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	timeout := time.Duration(cfg.PublishTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &MQTTPublisher{
		client:  client,
		broker:  cfg.Broker,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: timeout,
		logger:  logger,
	}
}

// Publish sends ev, waiting at most the publish timeout
func (p *MQTTPublisher) Publish(ctx context.Context, ev MotionEvent) error {
	if !p.client.IsConnected() {
		p.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		p.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	p.logger.Debug("Motion event published",
		zap.String("topic", p.topic),
		zap.Bool("detected", ev.Detected),
		zap.Int("size", len(payload)))
	return nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// GetStats returns publisher counters
func (p *MQTTPublisher) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Connected: p.client.IsConnected(),
		Published: p.published,
		Errors:    p.errors,
	}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT disconnected")
	}
	return nil
}

// New returns the configured publisher, Noop when no broker is set
func New(cfg config.MQTTConfig, logger *zap.Logger) Publisher {
	if cfg.Broker == "" {
		return Noop{}
	}
	p, err := NewMQTTPublisher(cfg, logger)
	if err != nil {
		logger.Warn("MQTT broker not reachable yet, events are dropped until it is", zap.Error(err))
	}
	return p
}

// Notifier publishes an event whenever the detected flag changes
type Notifier struct {
	pub    Publisher
	device string
	logger *zap.Logger

	known bool
	last  bool
}

// NewNotifier wraps pub; device names the camera in every event
func NewNotifier(pub Publisher, device string, logger *zap.Logger) *Notifier {
	return &Notifier{pub: pub, device: device, logger: logger}
}

// Observe publishes r if its detected flag differs from the previous reading.
// The first reading is always published. It reports whether an event was sent.
func (n *Notifier) Observe(ctx context.Context, r motion.Reading) bool {
	if n.known && n.last == r.Detected {
		return false
	}

	ev := MotionEvent{
		Device:    n.device,
		Detected:  r.Detected,
		Hardware:  r.Hardware,
		Software:  r.Software,
		DiffCount: r.DiffCount,
		At:        r.At,
	}
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.logger.Warn("Failed to publish motion event", zap.Error(err))
		return false
	}
	n.known = true
	n.last = r.Detected
	return true
}
