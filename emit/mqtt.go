// Package emit publishes decode results to an MQTT broker.
package emit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/scanline"
	"github.com/e7canasta/scanline/config"
)

// Decode is the published message shape.
type Decode struct {
	Payload    string `json:"payload"`
	TS         int64  `json:"ts"`
	TraceID    string `json:"trace_id"`
	InstanceID string `json:"instance_id"`
}

// MQTTEmitter publishes decode results to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg}
}

// Connect establishes connection to the MQTT broker
func (e *MQTTEmitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("emit: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("emit: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emit: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("emit: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emit: mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Publish publishes one decode result
func (e *MQTTEmitter) Publish(r scanline.Result) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emit: mqtt not connected")
	}

	payload, err := json.Marshal(Decode{
		Payload:    r.Text,
		TS:         r.Timestamp.UnixMilli(),
		TraceID:    r.TraceID,
		InstanceID: e.cfg.InstanceID,
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("emit: failed to marshal decode: %w", err)
	}

	token := e.Client.Publish(e.cfg.MQTT.Topic, e.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emit: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emit: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("emit: decode published",
		"topic", e.cfg.MQTT.Topic,
		"qos", e.cfg.MQTT.QoS,
		"size", len(payload),
	)

	return nil
}

// Stats returns published/error counters.
func (e *MQTTEmitter) Stats() (published, errors uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published, e.errors
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
