package coordinator

import (
	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/store"
	"zigbee-quirks/internal/zcl"
)

// propertyRule names a device property and how to derive it from a raw value.
type propertyRule struct {
	name      string
	transform func(any) any
}

// attributeProperties maps cluster+attribute pairs to device properties.
// Values are taken after quirk processing, so a debounced occupancy clear
// shows up here as well.
var attributeProperties = map[uint16]map[uint16]propertyRule{
	zcl.ClusterOccupancySensing: {0x0000: {"occupancy", boolValue}},
	zcl.ClusterPowerConfiguration: {
		quirks.AttrBatteryVoltage:    {"voltage", divide10},
		quirks.AttrBatteryPercentage: {"battery", halfPercent},
		quirks.AttrBatterySize:       {"battery_size", nil},
	},
	zcl.ClusterIASZone: {0x0002: {"zone_status", nil}},
}

// commandProperties maps cluster commands to a property fed by the first
// command argument.
var commandProperties = map[uint16]propertyRule{
	zcl.ClusterIASZone: {"motion", boolValue},
}

// activeProperties hold alarm state that only lives as long as the timers
// behind it. They are cleared whenever a device is rebuilt.
var activeProperties = []string{"occupancy", "motion"}

// clearActiveProperties resets the alarm properties rec already has.
func clearActiveProperties(rec *store.Device) {
	for _, name := range activeProperties {
		if _, ok := rec.Properties[name]; ok {
			rec.Properties[name] = false
		}
	}
}

func lookupAttributeProperty(cluster, attr uint16) (propertyRule, bool) {
	attrs, ok := attributeProperties[cluster]
	if !ok {
		return propertyRule{}, false
	}
	rule, ok := attrs[attr]
	return rule, ok
}

func (r propertyRule) apply(v any) any {
	if r.transform == nil {
		return v
	}
	return r.transform(v)
}

func boolValue(v any) any {
	return quirks.IsOn(v)
}

// divide10 converts a 100 mV battery voltage reading to volts.
func divide10(v any) any {
	n, ok := zcl.ToInt64(v)
	if !ok {
		return v
	}
	return float64(n) / 10
}

// halfPercent converts BatteryPercentageRemaining (0-200) to percent, clamped.
func halfPercent(v any) any {
	n, ok := zcl.ToInt64(v)
	if !ok {
		return v
	}
	pct := n / 2
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}
