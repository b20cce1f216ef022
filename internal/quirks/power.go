package quirks

import "zigbee-quirks/internal/zcl"

// PowerConfiguration attribute ids.
const (
	AttrBatteryVoltage    uint16 = 0x0020
	AttrBatteryPercentage uint16 = 0x0021
	AttrBatterySize       uint16 = 0x0031
)

// PowerConfiguration is a Power Configuration cluster whose BatterySize is
// fixed to the device's configured size. Reports of BatterySize are ignored.
type PowerConfiguration struct {
	*Cluster
}

func NewPowerConfiguration(dev *Device, registry *zcl.Registry, endpoint uint8) *PowerConfiguration {
	c := NewClusterByID(registry, zcl.ClusterPowerConfiguration, endpoint)
	c.SetLocal(AttrBatterySize, dev.BatterySize)
	return &PowerConfiguration{Cluster: c}
}

func (c *PowerConfiguration) UpdateAttribute(attrID uint16, value any) {
	if attrID == AttrBatterySize {
		return
	}
	c.Cluster.UpdateAttribute(attrID, value)
}
