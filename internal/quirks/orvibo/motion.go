package orvibo

import (
	"log/slog"

	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/zcl"
)

// MotionCluster is a local IAS Zone cluster driven by the device's motion
// bus. Each motion event raises the zone alarm; the alarm clears after the
// re-arm delay without further motion.
type MotionCluster struct {
	*quirks.Cluster
	rearm  *quirks.Rearm[struct{}]
	unsub  func()
	logger *slog.Logger
}

// NewMotionCluster creates the cluster on ep and subscribes it to the
// device's motion bus.
func NewMotionCluster(ep *quirks.Endpoint, env quirks.Env) *MotionCluster {
	c := &MotionCluster{
		Cluster: quirks.NewClusterByID(env.Clusters, zcl.ClusterIASZone, ep.ID),
		logger:  loggerFor(env, ep.Device(), "ias_zone"),
	}
	c.rearm = quirks.NewRearm(env.Scheduler, quirks.RearmConfig[struct{}]{
		OnTrigger: func() {
			c.Command(CommandZoneState, quirks.On)
		},
		OnExpire: func() {
			c.logger.Debug("clearing motion alarm")
			c.Command(CommandZoneState, quirks.Off)
		},
		Delay: env.Delay(),
	})
	c.unsub = ep.Device().MotionBus.Subscribe(quirks.EventMotion, func(...any) {
		c.MotionEvent()
	})
	c.SetLocal(attrZoneType, zoneTypeMotion)
	return c
}

// MotionEvent raises the zone alarm and restarts the clear timer.
func (c *MotionCluster) MotionEvent() {
	c.logger.Debug("motion event")
	c.rearm.Trigger()
}

// Pending reports whether an alarm clear is scheduled.
func (c *MotionCluster) Pending() bool {
	return c.rearm.Pending()
}

// Close unsubscribes from the motion bus and cancels a scheduled clear.
func (c *MotionCluster) Close() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.rearm.Close()
}
