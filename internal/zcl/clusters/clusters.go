// Package clusters lists the ZCL cluster definitions the quirk host knows
// by default. Device definition files can add or extend them at runtime.
package clusters

import "zigbee-quirks/internal/zcl"

// Standard is every built-in definition.
var Standard = []zcl.ClusterDef{
	Basic,
	PowerConfiguration,
	OccupancySensing,
	IASZone,
}

// RegisterStandard registers the built-in definitions into r.
func RegisterStandard(r *zcl.Registry) {
	for _, c := range Standard {
		r.Register(c)
	}
}
