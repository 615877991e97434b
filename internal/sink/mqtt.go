package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	// PublishTimeout bounds each publish when ctx has no deadline.
	PublishTimeout time.Duration
}

// MQTT publishes each path as a retained QoS 1 message on the topic equal to
// the path without its leading slash, so a retry overwrites the same topic.
type MQTT struct {
	client    mqtt.Client
	cfg       MQTTConfig
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func DialMQTT(cfg MQTTConfig, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Sink, error) {
		c := NewMQTT(cfg, logger)
		if err := c.Connect(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	}
}

func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	c := &MQTT{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)

	// The uploader owns retry and backoff; the client only reconnects an
	// established session.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt sink connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt sink connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the initial connection and respects ctx and Close.
func (c *MQTT) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return TransientError("connect", errors.New("client stopped"))
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	if err := waitToken(ctx, token, c.stopCh); err != nil {
		return classifyMQTT("connect", err)
	}
	// paho runs OnConnect on its own goroutine; a Write right after Connect
	// must not depend on it having fired.
	c.setConnected(true)
	return nil
}

func (c *MQTT) Write(ctx context.Context, updates map[string]Payload) error {
	if len(updates) == 0 {
		return nil
	}
	if !c.IsConnected() {
		return TransientError("write", errors.New("mqtt client not connected"))
	}

	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	tokens := make([]mqtt.Token, 0, len(paths))
	for _, p := range paths {
		data, err := json.Marshal(updates[p])
		if err != nil {
			return fmt.Errorf("marshal payload for %s: %w", p, err)
		}
		tokens = append(tokens, c.client.Publish(Topic(p), 1, true, data))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PublishTimeout)
		defer cancel()
	}
	for i, tok := range tokens {
		if err := waitToken(ctx, tok, c.stopCh); err != nil {
			c.logger.Error("failed to publish telemetry", "topic", Topic(paths[i]), "error", err)
			return classifyMQTT("write", err)
		}
	}

	c.logger.Debug("mqtt batch published", "topics", len(tokens))
	return nil
}

// Topic maps a sink path to an MQTT topic.
func Topic(path string) string {
	return strings.TrimPrefix(path, "/")
}

func (c *MQTT) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Close stops the client and closes the connection. Safe to call repeatedly.
func (c *MQTT) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.client != nil {
		c.client.Disconnect(250)
	}
	c.setConnected(false)
	return nil
}

func (c *MQTT) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func waitToken(ctx context.Context, token mqtt.Token, stop <-chan struct{}) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errors.New("client stopped")
	}
}

func classifyMQTT(op string, err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return AuthError(op, err)
	}
	return TransientError(op, err)
}

var _ Sink = (*MQTT)(nil)
