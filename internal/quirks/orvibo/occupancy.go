package orvibo

import (
	"log/slog"

	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/zcl"
)

type occupancyUpdate struct {
	attrID uint16
	value  any
}

// OccupancyCluster publishes a motion event for every "occupied" report and
// resets occupancy to "unoccupied" once the re-arm delay passes quietly.
type OccupancyCluster struct {
	*quirks.Cluster
	device *quirks.Device
	rearm  *quirks.Rearm[occupancyUpdate]
	logger *slog.Logger
}

// NewOccupancyCluster creates the cluster on ep.
func NewOccupancyCluster(ep *quirks.Endpoint, env quirks.Env) *OccupancyCluster {
	c := &OccupancyCluster{
		Cluster: quirks.NewClusterByID(env.Clusters, zcl.ClusterOccupancySensing, ep.ID),
		device:  ep.Device(),
		logger:  loggerFor(env, ep.Device(), "occupancy"),
	}
	c.rearm = quirks.NewRearm(env.Scheduler, quirks.RearmConfig[occupancyUpdate]{
		Match: func(u occupancyUpdate) bool {
			return u.attrID == attrOccupancy && quirks.IsOn(u.value)
		},
		OnTrigger: func() {
			c.device.MotionBus.Publish(quirks.EventMotion)
		},
		OnExpire: c.turnOff,
		Delay:    env.Delay(),
	})
	return c
}

// UpdateAttribute stores the value, then arms the reset timer on "occupied".
func (c *OccupancyCluster) UpdateAttribute(attrID uint16, value any) {
	c.Cluster.UpdateAttribute(attrID, value)
	c.logger.Debug("occupancy attribute updated", "attr", attrID, "value", value)
	c.rearm.Observe(occupancyUpdate{attrID: attrID, value: value})
}

func (c *OccupancyCluster) turnOff() {
	c.logger.Debug("resetting occupancy")
	c.UpdateAttribute(attrOccupancy, quirks.Off)
}

// Pending reports whether a reset is scheduled.
func (c *OccupancyCluster) Pending() bool {
	return c.rearm.Pending()
}

// Close cancels a scheduled reset.
func (c *OccupancyCluster) Close() {
	c.rearm.Close()
}

func loggerFor(env quirks.Env, dev *quirks.Device, cluster string) *slog.Logger {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "orvibo", "cluster", cluster, "ieee", dev.IEEE)
}
