package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cwbudde/scope-lockin/lockin"
)

// MQTTConfig holds broker and topic settings for an MQTTSink.
type MQTTConfig struct {
	Broker   string // host:port
	ClientID string
	Topic    string
	QoS      byte

	// ConnectTimeout bounds the initial broker handshake. Zero means 5s.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish confirmation. Zero means 2s.
	PublishTimeout time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// mqttMeasurement is the published JSON payload.
type mqttMeasurement struct {
	Time      float64 `json:"time_s"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase_rad"`
	I         float64 `json:"i"`
	Q         float64 `json:"q"`
}

// MQTTSink publishes measurements as JSON to one topic.
//
// Publishes during a broker outage fail and are counted while the client
// reconnects in the background; the sink never buffers on its own. Pair it
// with the engine's drop-oldest policy so a dead broker cannot stall a run.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    *slog.Logger

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTSink connects to the broker and returns the sink. The client keeps
// reconnecting automatically after connection loss.
func NewMQTTSink(cfg MQTTConfig, log *slog.Logger) (*MQTTSink, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &MQTTSink{cfg: cfg, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker, "topic", cfg.Topic)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Warn("mqtt connection lost, reconnecting", "error", err, "broker", cfg.Broker)
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("export: mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("export: mqtt connect to %s: %w", cfg.Broker, err)
	}
	return s, nil
}

// Accept publishes one measurement.
func (s *MQTTSink) Accept(ctx context.Context, m lockin.Measurement) error {
	payload, err := json.Marshal(mqttMeasurement{
		Time:      m.Time,
		Amplitude: m.Amplitude,
		Phase:     m.Phase,
		I:         m.I,
		Q:         m.Q,
	})
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("export: marshal measurement: %w", err)
	}

	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.errors.Add(1)
		return fmt.Errorf("export: publish to %s timed out", s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("export: publish to %s: %w", s.cfg.Topic, err)
	}

	s.published.Add(1)
	return nil
}

// Published returns the number of successfully published measurements.
func (s *MQTTSink) Published() uint64 {
	return s.published.Load()
}

// Errors returns the number of failed publishes.
func (s *MQTTSink) Errors() uint64 {
	return s.errors.Load()
}

// Close disconnects from the broker after a short grace period.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.log.Info("mqtt disconnected", "published", s.published.Load(), "errors", s.errors.Load())
	}
	return nil
}
