// Package orvibo holds quirks for Orvibo wireless motion sensors. These
// sensors report occupancy once on detection and never report it cleared,
// so the quirk clears occupancy and the IAS zone alarm itself after a
// re-arm delay.
package orvibo

import "zigbee-quirks/internal/quirks"

// Manufacturer is the Basic cluster manufacturer name Orvibo devices report.
const Manufacturer = "ORVIBO"

// QuirkMotion is the registered name of the motion sensor quirk.
const QuirkMotion = "orvibo_motion"

const (
	attrOccupancy uint16 = 0x0000
	attrZoneType  uint16 = 0x0001

	zoneTypeMotion uint16 = 0x000D

	// CommandZoneState is the cluster command name for zone alarm changes.
	CommandZoneState = quirks.CommandZoneState

	sensorEndpoint uint8 = 1
)

// MotionModels are the model ids the motion quirk matches out of the box.
var MotionModels = []quirks.Model{
	{Manufacturer: Manufacturer, Model: "SN10ZW"},
	{Manufacturer: Manufacturer, Model: "895a2d80097f4ae2b2d40500d5e03dcc"},
}

// Register adds the Orvibo quirks to r.
func Register(r *quirks.Registry) error {
	return r.Register(quirks.Quirk{
		Name:   QuirkMotion,
		Models: MotionModels,
		Build:  buildMotionSensor,
	})
}

func buildMotionSensor(dev *quirks.Device, env quirks.Env) error {
	ep := dev.Endpoint(sensorEndpoint)
	ep.AddCluster(quirks.NewPowerConfiguration(dev, env.Clusters, ep.ID))
	ep.AddCluster(NewOccupancyCluster(ep, env))
	ep.AddCluster(NewMotionCluster(ep, env))
	if env.Logger != nil {
		env.Logger.Debug("orvibo motion quirk applied", "ieee", dev.IEEE, "model", dev.Model,
			"battery_size", dev.BatterySize, "delay", env.Delay())
	}
	return nil
}
