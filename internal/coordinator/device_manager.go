package coordinator

import (
	"fmt"
	"log/slog"
	"sort"

	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/store"
)

// activeDevice is a quirk device the coordinator currently drives.
type activeDevice struct {
	dev    *quirks.Device
	record *store.Device
	unsubs []func()
}

// DeviceManager owns the live quirk devices. All methods must run on the
// coordinator's event loop.
type DeviceManager struct {
	coord  *Coordinator
	active map[string]*activeDevice
	logger *slog.Logger
}

// NewDeviceManager creates a device manager for the given coordinator.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:  coord,
		active: make(map[string]*activeDevice),
		logger: coord.logger.With("component", "devices"),
	}
}

// resolveQuirk picks the quirk for a record: an explicit name first, then
// the registry's model match, then the device database.
func (dm *DeviceManager) resolveQuirk(rec *store.Device) (*quirks.Quirk, error) {
	reg := dm.coord.quirks
	if rec.Quirk != "" {
		q := reg.Get(rec.Quirk)
		if q == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownQuirk, rec.Quirk)
		}
		return q, nil
	}
	if q := reg.Match(rec.Manufacturer, rec.Model); q != nil {
		return q, nil
	}
	if def := dm.coord.deviceDB.Lookup(rec.Manufacturer, rec.Model); def != nil && def.Quirk != "" {
		if q := reg.Get(def.Quirk); q != nil {
			return q, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuirk, def.Quirk)
	}
	return nil, nil
}

// attach builds the quirk device for rec and starts forwarding its cluster
// events. Properties derived from local attributes are written into rec.
func (dm *DeviceManager) attach(rec *store.Device) (*activeDevice, error) {
	q, err := dm.resolveQuirk(rec)
	if err != nil {
		return nil, err
	}

	var opts []quirks.DeviceOption
	if rec.BatterySize != nil {
		opts = append(opts, quirks.WithBatterySize(*rec.BatterySize))
	}
	dev := quirks.NewDevice(rec.IEEEAddress, rec.Manufacturer, rec.Model, opts...)

	if q != nil {
		if err := q.Build(dev, dm.coord.env()); err != nil {
			dev.Close()
			return nil, fmt.Errorf("build quirk %s for %s: %w", q.Name, rec.IEEEAddress, err)
		}
		rec.Quirk = q.Name
	}

	ad := &activeDevice{dev: dev, record: rec}
	for _, ep := range dev.Endpoints() {
		for _, h := range ep.Clusters() {
			dm.watch(ad, h)
			seedProperties(rec, h.Base())
		}
	}
	dm.active[rec.IEEEAddress] = ad

	dm.logger.Debug("device attached", "ieee", rec.IEEEAddress, "name", rec.DisplayName(), "quirk", rec.Quirk)
	return ad, nil
}

// watch subscribes the coordinator to a cluster's listener bus.
func (dm *DeviceManager) watch(ad *activeDevice, h quirks.ClusterHandler) {
	c := h.Base()
	ad.unsubs = append(ad.unsubs,
		c.Listeners().Subscribe(quirks.EventAttributeUpdated, func(args ...any) {
			if len(args) < 2 {
				return
			}
			attrID, ok := args[0].(uint16)
			if !ok {
				return
			}
			dm.coord.onAttributeUpdated(ad, c, attrID, args[1])
		}),
		c.Listeners().Subscribe(quirks.EventClusterCommand, func(args ...any) {
			if len(args) < 2 {
				return
			}
			command, _ := args[0].(string)
			cmdArgs, _ := args[1].([]any)
			dm.coord.onClusterCommand(ad, c, command, cmdArgs)
		}),
	)
}

// cluster returns the handler for endpoint/cluster, adding a plain cluster
// when the device has none.
func (dm *DeviceManager) cluster(ad *activeDevice, endpoint uint8, clusterID uint16) quirks.ClusterHandler {
	if h := ad.dev.Cluster(endpoint, clusterID); h != nil {
		return h
	}
	c := quirks.NewClusterByID(dm.coord.registry, clusterID, endpoint)
	ad.dev.Endpoint(endpoint).AddCluster(c)
	dm.watch(ad, c)
	dm.logger.Debug("cluster added", "ieee", ad.record.IEEEAddress, "endpoint", endpoint, "cluster", c.Name())
	return c
}

func (dm *DeviceManager) get(ieee string) *activeDevice {
	return dm.active[ieee]
}

// detach closes the device, cancelling its timers, and stops forwarding.
func (dm *DeviceManager) detach(ieee string) bool {
	ad, ok := dm.active[ieee]
	if !ok {
		return false
	}
	ad.dev.Close()
	for _, unsub := range ad.unsubs {
		unsub()
	}
	delete(dm.active, ieee)
	return true
}

func (dm *DeviceManager) closeAll() {
	for _, ieee := range dm.ieees() {
		dm.detach(ieee)
	}
}

func (dm *DeviceManager) ieees() []string {
	out := make([]string, 0, len(dm.active))
	for ieee := range dm.active {
		out = append(out, ieee)
	}
	sort.Strings(out)
	return out
}

// seedProperties copies properties that a quirk sets locally at build time,
// such as the battery size, into rec.
func seedProperties(rec *store.Device, c *quirks.Cluster) {
	for attrID, v := range c.Attributes() {
		if rule, ok := lookupAttributeProperty(c.ID(), attrID); ok {
			rec.SetProperty(rule.name, rule.apply(v))
		}
	}
}

// ClusterState is a snapshot of one cluster's attribute cache.
type ClusterState struct {
	Endpoint   uint8          `json:"endpoint"`
	ID         uint16         `json:"id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

func snapshot(dev *quirks.Device) []ClusterState {
	var out []ClusterState
	for _, ep := range dev.Endpoints() {
		for _, h := range ep.Clusters() {
			c := h.Base()
			attrs := make(map[string]any)
			for id, v := range c.Attributes() {
				attrs[c.AttributeName(id)] = v
			}
			out = append(out, ClusterState{Endpoint: ep.ID, ID: c.ID(), Name: c.Name(), Attributes: attrs})
		}
	}
	return out
}
