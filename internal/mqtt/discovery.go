//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zigbee-quirks/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/zigbee_00124B.../occupancy/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "zigbee_" + dev.IEEEAddress
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		name := strings.ToLower(dev.FriendlyName)
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
	}
	return dev.IEEEAddress
}

// entity is one discoverable state field.
type entity struct {
	component   string
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	category    string
}

var (
	occupancyEntity   = entity{component: "binary_sensor", objectID: "occupancy", suffix: "Occupancy", deviceClass: "occupancy"}
	motionEntity      = entity{component: "binary_sensor", objectID: "motion", suffix: "Motion", deviceClass: "motion"}
	batteryEntity     = entity{component: "sensor", objectID: "battery", suffix: "Battery", deviceClass: "battery", unit: "%"}
	voltageEntity     = entity{component: "sensor", objectID: "voltage", suffix: "Battery Voltage", deviceClass: "voltage", unit: "V", category: "diagnostic"}
	batterySizeEntity = entity{component: "sensor", objectID: "battery_size", suffix: "Battery Size", category: "diagnostic"}
)

// allEntities lists every entity a device can expose, for removal.
var allEntities = []entity{occupancyEntity, motionEntity, batteryEntity, voltageEntity, batterySizeEntity}

// buildDiscovery generates HA discovery messages for a device. Quirk
// devices always expose occupancy and motion; the rest follow the
// properties the device has reported.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev)
	displayName := dev.DisplayName()

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Name:         displayName,
	}

	has := func(prop string) bool {
		_, ok := dev.Properties[prop]
		return ok
	}

	var msgs []discoveryMsg
	if dev.Quirk != "" || has("occupancy") {
		msgs = append(msgs, buildEntity(occupancyEntity, nodeID, displayName, stateTopic, avail, haDev))
	}
	if dev.Quirk != "" || has("motion") {
		msgs = append(msgs, buildEntity(motionEntity, nodeID, displayName, stateTopic, avail, haDev))
	}
	for _, e := range []entity{batteryEntity, voltageEntity, batterySizeEntity} {
		if has(e.objectID) {
			msgs = append(msgs, buildEntity(e, nodeID, displayName, stateTopic, avail, haDev))
		}
	}
	return msgs
}

func buildEntity(e entity, nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID)
	payload := haDiscovery{
		Name:              displayName + " " + e.suffix,
		UniqueID:          nodeID + "_" + e.objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		DeviceClass:       e.deviceClass,
		UnitOfMeasurement: e.unit,
		EntityCategory:    e.category,
		Device:            haDev,
	}
	if e.component == "binary_sensor" {
		payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", e.objectID)
		payload.PayloadOn = "ON"
		payload.PayloadOff = "OFF"
	} else {
		payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", e.objectID)
		if e.unit != "" {
			payload.StateClass = "measurement"
		}
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)
	msgs := make([]discoveryMsg, 0, len(allEntities))
	for _, e := range allEntities {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.objectID),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
