//go:build !no_mqtt

// Package mqtt publishes quirk device state to an MQTT broker with Home
// Assistant discovery, and accepts device traffic on bridge topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/ingress"
	"zigbee-quirks/internal/store"
)

const requestTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ClientID defaults to "zigbee-quirks-" plus a random suffix.
	ClientID string
}

// Gateway is the coordinator surface the bridge needs.
type Gateway interface {
	ingress.Gateway
	Events() *coordinator.EventBus
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the quirk coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client client
	gw     Gateway
	prefix string
	logger *slog.Logger
	unsub  func()

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map
}

func newBridge(gw Gateway, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		gw:     gw,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(gw, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-quirks-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "client_id", clientID)
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeRequests()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	switch event.Type {
	case coordinator.EventPropertyUpdate:
		prop, _ := data["property"].(string)
		if prop != "" {
			b.updateAndPublishState(ieee, prop, data["value"])
		}
	case coordinator.EventDeviceJoined, coordinator.EventDeviceRestored:
		dev, err := b.gw.GetDevice(ieee)
		if err != nil {
			b.logger.Warn("device for discovery", "ieee", ieee, "err", err)
			return
		}
		b.seedState(dev)
		b.publishDeviceDiscovery(dev)
	case coordinator.EventDeviceLeft:
		b.handleDeviceLeft(ieee)
	}
}

// seedState replaces the accumulated state with the stored properties.
func (b *Bridge) seedState(dev *store.Device) {
	state := make(map[string]any, len(dev.Properties)+1)
	for k, v := range dev.Properties {
		state[k] = v
	}
	state["last_seen"] = dev.LastSeen.Format(time.RFC3339)

	b.mu.Lock()
	b.states[dev.IEEEAddress] = state
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+deviceTopicName(dev), payload, true)
}

func (b *Bridge) updateAndPublishState(ieee, prop string, value any) {
	dev, err := b.gw.GetDevice(ieee)

	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[prop] = value
	if err == nil {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	topic := b.prefix + "/" + ieee
	if err == nil {
		topic = b.prefix + "/" + deviceTopicName(dev)
	}
	b.publish(topic, payload, true)
}

func (b *Bridge) handleDeviceLeft(ieee string) {
	dev := &store.Device{IEEEAddress: ieee}
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	delete(b.states, ieee)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.gw.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	msgs := buildDiscovery(dev, b.prefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", dev.DisplayName(), "entities", len(msgs))
}

// Inbound bridge topics.
const (
	topicReport       = "/bridge/report"
	topicJoinRequest  = "/bridge/request/device/join"
	topicLeaveRequest = "/bridge/request/device/leave"
)

func (b *Bridge) subscribeRequests() {
	handlers := map[string]func([]byte) error{
		topicReport:       b.handleReport,
		topicJoinRequest:  b.handleJoinRequest,
		topicLeaveRequest: b.handleLeaveRequest,
	}
	for suffix, handle := range handlers {
		b.client.Subscribe(b.prefix+suffix, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			err := handle(msg.Payload())
			if err != nil {
				b.logger.Warn("bridge request failed", "topic", msg.Topic(), "err", err)
			}
			if suffix != topicReport {
				b.respond(strings.Replace(suffix, "/request/", "/response/", 1), err)
			}
		})
	}
}

func (b *Bridge) handleReport(payload []byte) error {
	r, err := ingress.ParseReport(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return b.gw.HandleAttributeReport(ctx, r)
}

func (b *Bridge) handleJoinRequest(payload []byte) error {
	var req coordinator.JoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid join request: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := b.gw.Join(ctx, req)
	return err
}

// handleLeaveRequest accepts {"ieee": "..."} or a bare address.
func (b *Bridge) handleLeaveRequest(payload []byte) error {
	var req struct {
		IEEE string `json:"ieee"`
	}
	ieee := strings.TrimSpace(string(payload))
	if err := json.Unmarshal(payload, &req); err == nil {
		ieee = req.IEEE
	}
	if ieee == "" {
		return fmt.Errorf("leave request without ieee")
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return b.gw.Leave(ctx, ieee)
}

func (b *Bridge) respond(suffix string, err error) {
	resp := map[string]interface{}{"status": "ok"}
	if err != nil {
		resp = map[string]interface{}{"status": "error", "error": err.Error()}
	}
	b.publish(b.prefix+suffix, mustJSON(resp), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
