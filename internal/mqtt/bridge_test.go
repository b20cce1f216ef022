//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu        sync.Mutex
	published []published
	subs      map[string]pahomqtt.MessageHandler
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, retained: retained, payload: b})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]pahomqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return published{}, false
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type stubGateway struct {
	events  *coordinator.EventBus
	devices map[string]*store.Device
	joins   []coordinator.JoinRequest
	leaves  []string
	reports []coordinator.AttributeReport
	err     error
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		events:  coordinator.NewEventBus(newTestLogger()),
		devices: make(map[string]*store.Device),
	}
}

func (g *stubGateway) Events() *coordinator.EventBus { return g.events }

func (g *stubGateway) GetDevice(ieee string) (*store.Device, error) {
	dev, ok := g.devices[ieee]
	if !ok {
		return nil, coordinator.ErrUnknownDevice
	}
	return dev, nil
}

func (g *stubGateway) ListDevices() ([]*store.Device, error) {
	var out []*store.Device
	for _, d := range g.devices {
		out = append(out, d)
	}
	return out, nil
}

func (g *stubGateway) Join(_ context.Context, req coordinator.JoinRequest) (*store.Device, error) {
	g.joins = append(g.joins, req)
	return &store.Device{IEEEAddress: req.IEEE}, g.err
}

func (g *stubGateway) Leave(_ context.Context, ieee string) error {
	g.leaves = append(g.leaves, ieee)
	return g.err
}

func (g *stubGateway) HandleAttributeReport(_ context.Context, r coordinator.AttributeReport) error {
	g.reports = append(g.reports, r)
	return g.err
}

func newTestBridge(gw *stubGateway) (*Bridge, *fakeClient) {
	fc := &fakeClient{}
	b := newBridge(gw, "zigbee", newTestLogger())
	b.client = fc
	return b, fc
}

var hallSensor = &store.Device{
	IEEEAddress:  "00124B001F2E3D4C",
	Manufacturer: "ORVIBO",
	Model:        "SN10ZW",
	FriendlyName: "Hall Motion",
	Quirk:        "orvibo_motion",
	LastSeen:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	Properties:   map[string]any{"battery_size": float64(10)},
}

func TestDiscoveryQuirkDevice(t *testing.T) {
	msgs := buildDiscovery(hallSensor, "zigbee")
	topics := extractTopics(msgs)

	require.True(t, topics["homeassistant/binary_sensor/zigbee_00124B001F2E3D4C/occupancy/config"])
	require.True(t, topics["homeassistant/binary_sensor/zigbee_00124B001F2E3D4C/motion/config"])
	require.True(t, topics["homeassistant/sensor/zigbee_00124B001F2E3D4C/battery_size/config"])
	require.False(t, topics["homeassistant/sensor/zigbee_00124B001F2E3D4C/battery/config"])

	var payload haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/binary_sensor/zigbee_00124B001F2E3D4C/motion/config" {
			require.NoError(t, json.Unmarshal(m.Payload, &payload))
		}
	}
	require.Equal(t, "Hall Motion Motion", payload.Name)
	require.Equal(t, "zigbee_00124B001F2E3D4C_motion", payload.UniqueID)
	require.Equal(t, "motion", payload.DeviceClass)
	require.Equal(t, "zigbee/hall_motion", payload.StateTopic)
	require.Equal(t, "zigbee/bridge/state", payload.AvailabilityTopic)
	require.Equal(t, "{{ 'ON' if value_json.motion else 'OFF' }}", payload.ValueTemplate)
	require.Equal(t, "ORVIBO", payload.Device.Manufacturer)
}

func TestDiscoveryPlainDevice(t *testing.T) {
	dev := &store.Device{
		IEEEAddress: "0000000000000001",
		Properties:  map[string]any{"battery": 90},
	}
	msgs := buildDiscovery(dev, "zigbee")
	require.Len(t, msgs, 1)

	var payload haDiscovery
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	require.Equal(t, "%", payload.UnitOfMeasurement)
	require.Equal(t, "measurement", payload.StateClass)
	require.Equal(t, "{{ value_json.battery }}", payload.ValueTemplate)
	require.Equal(t, "zigbee/0000000000000001", payload.StateTopic)
}

func TestRemoveDiscoveryCoversAllEntities(t *testing.T) {
	msgs := buildRemoveDiscovery(hallSensor)
	require.Len(t, msgs, len(allEntities))
	for _, m := range msgs {
		require.Nil(t, m.Payload)
	}
	for topic := range extractTopics(buildDiscovery(hallSensor, "zigbee")) {
		require.True(t, extractTopics(msgs)[topic], topic)
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		dev  *store.Device
		want string
	}{
		{&store.Device{FriendlyName: "Hall Motion", IEEEAddress: "AABB"}, "hall_motion"},
		{&store.Device{FriendlyName: "Büro/1", IEEEAddress: "AABB"}, "b_ro_1"},
		{&store.Device{IEEEAddress: "00124B001F2E3D4C"}, "00124B001F2E3D4C"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, deviceTopicName(tt.dev))
	}
}

func TestPropertyUpdatePublishesState(t *testing.T) {
	gw := newStubGateway()
	gw.devices[hallSensor.IEEEAddress] = hallSensor
	b, fc := newTestBridge(gw)
	b.Start()

	gw.events.Emit(coordinator.Event{Type: coordinator.EventPropertyUpdate, Data: map[string]interface{}{
		"ieee": hallSensor.IEEEAddress, "property": "occupancy", "value": true,
	}})
	gw.events.Emit(coordinator.Event{Type: coordinator.EventPropertyUpdate, Data: map[string]interface{}{
		"ieee": hallSensor.IEEEAddress, "property": "motion", "value": true,
	}})

	msg, ok := fc.last("zigbee/hall_motion")
	require.True(t, ok)
	require.True(t, msg.retained)

	var state map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &state))
	require.Equal(t, true, state["occupancy"])
	require.Equal(t, true, state["motion"])
	require.Equal(t, "2024-01-01T00:00:00Z", state["last_seen"])
}

func TestJoinPublishesDiscoveryAndLeaveRemovesIt(t *testing.T) {
	gw := newStubGateway()
	gw.devices[hallSensor.IEEEAddress] = hallSensor
	b, fc := newTestBridge(gw)
	b.Start()

	gw.events.Emit(coordinator.Event{Type: coordinator.EventDeviceJoined, Data: map[string]interface{}{"ieee": hallSensor.IEEEAddress}})

	occ := "homeassistant/binary_sensor/zigbee_00124B001F2E3D4C/occupancy/config"
	msg, ok := fc.last(occ)
	require.True(t, ok)
	require.NotEmpty(t, msg.payload)

	state, ok := fc.last("zigbee/hall_motion")
	require.True(t, ok)
	require.Contains(t, string(state.payload), `"battery_size":10`)

	gw.events.Emit(coordinator.Event{Type: coordinator.EventDeviceLeft, Data: map[string]interface{}{"ieee": hallSensor.IEEEAddress}})
	msg, ok = fc.last(occ)
	require.True(t, ok)
	require.Empty(t, msg.payload)

	b.mu.Lock()
	require.Empty(t, b.states)
	b.mu.Unlock()
}

func TestStopUnsubscribes(t *testing.T) {
	gw := newStubGateway()
	b, fc := newTestBridge(gw)
	b.Start()
	b.Stop()

	msg, ok := fc.last("zigbee/bridge/state")
	require.True(t, ok)
	require.Equal(t, "offline", string(msg.payload))

	n := len(fc.published)
	gw.events.Emit(coordinator.Event{Type: coordinator.EventPropertyUpdate, Data: map[string]interface{}{
		"ieee": "01", "property": "occupancy", "value": true,
	}})
	require.Len(t, fc.published, n)
}

func TestBridgeRequests(t *testing.T) {
	gw := newStubGateway()
	b, fc := newTestBridge(gw)
	b.subscribeRequests()

	deliver := func(suffix, payload string) {
		t.Helper()
		cb, ok := fc.subs["zigbee"+suffix]
		require.True(t, ok, suffix)
		cb(nil, fakeMessage{topic: "zigbee" + suffix, payload: []byte(payload)})
	}

	deliver(topicJoinRequest, `{"ieee":"00124B001F2E3D4C","manufacturer":"ORVIBO","model":"SN10ZW"}`)
	require.Len(t, gw.joins, 1)
	require.Equal(t, "SN10ZW", gw.joins[0].Model)
	resp, ok := fc.last("zigbee/bridge/response/device/join")
	require.True(t, ok)
	require.JSONEq(t, `{"status":"ok"}`, string(resp.payload))

	deliver(topicReport, `{"ieee":"00124B001F2E3D4C","cluster":1030,"attribute":0,"type":"bitmap8","value":"01"}`)
	require.Len(t, gw.reports, 1)
	require.Equal(t, []byte{0x01}, gw.reports[0].Raw)

	deliver(topicLeaveRequest, `00124B001F2E3D4C`)
	deliver(topicLeaveRequest, `{"ieee":"0000000000000001"}`)
	require.Equal(t, []string{"00124B001F2E3D4C", "0000000000000001"}, gw.leaves)

	gw.err = errors.New("boom")
	deliver(topicLeaveRequest, `{"ieee":"0000000000000002"}`)
	resp, ok = fc.last("zigbee/bridge/response/device/leave")
	require.True(t, ok)
	require.JSONEq(t, `{"status":"error","error":"boom"}`, string(resp.payload))

	deliver(topicJoinRequest, `not json`)
	require.Len(t, gw.joins, 1)
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
