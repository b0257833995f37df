package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"pkt.systems/pslog"
)

// MQTTConfig configures a broker connection.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         pslog.Logger
}

// MQTT is a Transport backed by an MQTT broker. Messages use QoS 0 and are
// never retried. Subscriptions are restored after every reconnect. Handlers
// run concurrently, so receivers order messages by their own timestamps.
type MQTT struct {
	client mqtt.Client
	logger pslog.Logger
	wait   time.Duration

	mu   sync.Mutex
	subs map[string]Handler
}

// DialMQTT connects to the configured broker.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: mqtt broker url is required", protocol.ErrInvalidArgument)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	m := &MQTT{
		logger: logging.Subsystem(cfg.Logger, "transport").With("transport", "mqtt", "broker", cfg.Broker),
		wait:   cfg.ConnectTimeout,
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("transport.mqtt.connection_lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	m.client = mqtt.NewClient(opts)

	if err := m.await(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	m.logger.Info("transport.mqtt.connected", "client_id", cfg.ClientID)
	return m, nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	filters := make(map[string]Handler, len(m.subs))
	for f, h := range m.subs {
		filters[f] = h
	}
	m.mu.Unlock()
	for filter, h := range filters {
		tok := c.Subscribe(filter, 0, m.callback(h))
		if tok.WaitTimeout(m.wait) && tok.Error() != nil {
			m.logger.Error("transport.mqtt.resubscribe_failed", "filter", filter, "error", tok.Error())
		}
	}
}

func (m *MQTT) callback(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("transport.mqtt.handler_panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		h(msg.Topic(), msg.Payload())
	}
}

func (m *MQTT) await(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", protocol.ErrTransport, ctx.Err())
	case <-time.After(m.wait):
		return fmt.Errorf("%w: timed out after %s", protocol.ErrTransport, m.wait)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransport, err)
	}
	return nil
}

// Publish sends payload at QoS 0.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("%w: not connected", protocol.ErrTransport)
	}
	if err := m.await(ctx, m.client.Publish(topic, 0, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for filter and remembers it for reconnects.
func (m *MQTT) Subscribe(filter string, h Handler) error {
	if filter == "" || h == nil {
		return fmt.Errorf("%w: subscribe requires a filter and handler", protocol.ErrInvalidArgument)
	}
	m.mu.Lock()
	m.subs[filter] = h
	m.mu.Unlock()
	if err := m.await(context.Background(), m.client.Subscribe(filter, 0, m.callback(h))); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	m.logger.Info("transport.mqtt.subscribed", "filter", filter)
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	m.logger.Info("transport.mqtt.disconnected")
	return nil
}
