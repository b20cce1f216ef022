package store

import "time"

// Device is a sensor known to the quirk host.
type Device struct {
	IEEEAddress  string         `json:"ieee_address"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Quirk        string         `json:"quirk,omitempty"`
	BatterySize  *uint8         `json:"battery_size,omitempty"` // nil = quirk default
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// DisplayName returns the friendly name, "Manufacturer Model", or the IEEE address.
func (d *Device) DisplayName() string {
	if d == nil {
		return ""
	}
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	switch {
	case d.Manufacturer != "" && d.Model != "":
		return d.Manufacturer + " " + d.Model
	case d.Model != "":
		return d.Model
	}
	return d.IEEEAddress
}

// SetProperty records a property value, allocating the map on first use.
func (d *Device) SetProperty(name string, value any) {
	if d.Properties == nil {
		d.Properties = make(map[string]any)
	}
	d.Properties[name] = value
}

// Activity is one recorded property change.
type Activity struct {
	At       time.Time `json:"at"`
	Property string    `json:"property"`
	Value    any       `json:"value"`
}
