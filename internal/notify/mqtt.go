package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"fleetalert/internal/logger"
	"fleetalert/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// MQTTConfig is the config blob of an mqtt channel.
type MQTTConfig struct {
	Broker   string `json:"broker"` // tcp://host:1883, ssl://host:8883, ws://...
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func parseMQTTConfig(raw datatypes.JSON) (*MQTTConfig, error) {
	var cfg MQTTConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Host == "" {
		return nil, Permanent(fmt.Errorf("invalid mqtt broker %q", cfg.Broker))
	}
	if cfg.Topic == "" {
		return nil, Permanent(errors.New("mqtt topic is required"))
	}
	if cfg.QoS > 2 {
		return nil, Permanent(fmt.Errorf("invalid mqtt qos %d", cfg.QoS))
	}
	return &cfg, nil
}

// MQTTSender publishes to a broker. Connections are cached per broker and
// credentials and reused across messages.
type MQTTSender struct {
	clientPrefix   string
	connectTimeout time.Duration
	format         string

	mu      sync.Mutex
	clients map[string]mqtt.Client
}

func NewMQTTSender(clientPrefix string, connectTimeout time.Duration, format string) *MQTTSender {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &MQTTSender{
		clientPrefix:   clientPrefix,
		connectTimeout: connectTimeout,
		format:         format,
		clients:        make(map[string]mqtt.Client),
	}
}

func (m *MQTTSender) Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error) {
	cfg, err := parseMQTTConfig(ch.Config)
	if err != nil {
		return Result{}, err
	}
	payload, err := EncodePayload(m.format, msg)
	if err != nil {
		return Result{}, Permanent(err)
	}

	start := time.Now()
	client, err := m.client(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	token := client.Publish(cfg.Topic, cfg.QoS, cfg.Retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return Result{Latency: time.Since(start)}, fmt.Errorf("mqtt publish to %s: %w", cfg.Topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return Result{Latency: time.Since(start)}, fmt.Errorf("mqtt publish to %s: %w", cfg.Topic, err)
	}
	return Result{Latency: time.Since(start)}, nil
}

func (m *MQTTSender) client(ctx context.Context, cfg *MQTTConfig) (mqtt.Client, error) {
	key := cfg.Broker + "|" + cfg.Username

	m.mu.Lock()
	c, ok := m.clients[key]
	m.mu.Unlock()
	if ok && c.IsConnectionOpen() {
		return c, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("%s-%s", m.clientPrefix, uuid.NewString()[:8])).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(m.connectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		})

	c = mqtt.NewClient(opts)
	token := c.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	m.mu.Lock()
	if old, ok := m.clients[key]; ok && old != c {
		old.Disconnect(0)
	}
	m.clients[key] = c
	m.mu.Unlock()
	return c, nil
}

// Close disconnects every cached client.
func (m *MQTTSender) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.clients {
		c.Disconnect(250)
		delete(m.clients, key)
	}
}
