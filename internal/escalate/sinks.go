package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-jwt/jwt/v5"

	"github.com/clawinfra/opsloop/internal/config"
)

// Build returns the sinks configured in cfg. The log sink is always first.
func Build(cfg config.EscalationConfig, logger *slog.Logger) []Sink {
	sinks := []Sink{NewLogSink(logger)}
	if cfg.MQTT != nil {
		sinks = append(sinks, NewMQTTSink(*cfg.MQTT, logger))
	}
	if cfg.Webhook != nil {
		sinks = append(sinks, NewWebhookSink(*cfg.Webhook, logger))
	}
	return sinks
}

// LogSink writes notices to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "escalation", "sink", "log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, n Notice) error {
	level := slog.LevelWarn
	if n.Kind == KindRollbackFailure {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "ESCALATION: "+n.Summary,
		"kind", n.Kind, "notice", n.ID, "cycle", n.CycleID, "action", n.ActionID, "details", n.Details)
	return nil
}

// MQTTClient is the subset of the paho client the sink uses.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTSink publishes notices as JSON to <topic>/<kind> at QoS 1.
type MQTTSink struct {
	cfg           config.MQTTConfig
	clientID      string
	logger        *slog.Logger
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient

	mu     sync.Mutex
	client MQTTClient
}

// NewMQTTSink creates a sink that connects on first use.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	return NewMQTTSinkWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTSinkWithClient creates a sink with a custom client factory.
func NewMQTTSinkWithClient(cfg config.MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	return &MQTTSink{
		cfg:           cfg,
		clientID:      fmt.Sprintf("opsloop-escalation-%d", time.Now().Unix()),
		logger:        logger.With("component", "escalation", "sink", "mqtt"),
		clientFactory: factory,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) connect() (MQTTClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.IsConnected() {
		return s.client, nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(s.clientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	client := s.clientFactory(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", brokerURL, err)
	}
	s.logger.Info("mqtt escalation connected", "broker", brokerURL)
	s.client = client
	return client, nil
}

func (s *MQTTSink) Send(ctx context.Context, n Notice) error {
	client, err := s.connect()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	topic := strings.TrimSuffix(s.cfg.Topic, "/") + "/" + string(n.Kind)
	token := client.Publish(topic, 1, false, payload)

	wait := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects the client if connected.
func (s *MQTTSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
}

// WebhookSink posts notices as JSON. With a secret configured each request
// carries an HS256 bearer token naming the notice.
type WebhookSink struct {
	url    string
	secret []byte
	issuer string
	client *http.Client
	logger *slog.Logger
}

// NoticeClaims are the JWT claims attached to webhook deliveries.
type NoticeClaims struct {
	Kind     Kind   `json:"kind"`
	NoticeID string `json:"notice_id"`
	jwt.RegisteredClaims
}

func NewWebhookSink(cfg config.WebhookConfig, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "opsloop"
	}
	return &WebhookSink{
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		issuer: issuer,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "escalation", "sink", "webhook"),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) token(n Notice) (string, error) {
	now := time.Now()
	claims := NoticeClaims{
		Kind:     n.Kind,
		NoticeID: n.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   n.ActionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *WebhookSink) Send(ctx context.Context, n Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		tok, err := s.token(n)
		if err != nil {
			return fmt.Errorf("sign notice: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
