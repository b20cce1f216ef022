package quirks

import (
	"slices"
)

// DefaultBatterySize is the ZCL BatterySize enum value for CR2032 cells.
const DefaultBatterySize uint8 = 10

// EventMotion is published on a device's motion bus when motion is detected.
const EventMotion = "motion_event"

// Device is the logical unit a quirk decorates: one physical sensor with
// endpoints, clusters and a motion bus shared by its clusters.
type Device struct {
	IEEE         string
	Manufacturer string
	Model        string
	BatterySize  uint8
	MotionBus    *Bus

	endpoints map[uint8]*Endpoint
	closed    bool
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithBatterySize overrides DefaultBatterySize.
func WithBatterySize(size uint8) DeviceOption {
	return func(d *Device) {
		d.BatterySize = size
	}
}

// NewDevice creates a device with no endpoints.
func NewDevice(ieee, manufacturer, model string, opts ...DeviceOption) *Device {
	d := &Device{
		IEEE:         ieee,
		Manufacturer: manufacturer,
		Model:        model,
		BatterySize:  DefaultBatterySize,
		MotionBus:    NewBus(),
		endpoints:    make(map[uint8]*Endpoint),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Endpoint is a numbered group of clusters on a device.
type Endpoint struct {
	ID       uint8
	device   *Device
	clusters map[uint16]ClusterHandler
	order    []uint16
}

// Device returns the owning device.
func (ep *Endpoint) Device() *Device { return ep.device }

// AddCluster attaches h, replacing any cluster with the same id.
func (ep *Endpoint) AddCluster(h ClusterHandler) {
	id := h.Base().ID()
	if old, ok := ep.clusters[id]; ok {
		old.Close()
	} else {
		ep.order = append(ep.order, id)
	}
	ep.clusters[id] = h
}

// Cluster returns the cluster with the given id, or nil.
func (ep *Endpoint) Cluster(id uint16) ClusterHandler {
	return ep.clusters[id]
}

// Clusters returns the endpoint's clusters in attach order.
func (ep *Endpoint) Clusters() []ClusterHandler {
	out := make([]ClusterHandler, 0, len(ep.order))
	for _, id := range ep.order {
		out = append(out, ep.clusters[id])
	}
	return out
}

// Endpoint returns the endpoint with id, creating it on first use.
func (d *Device) Endpoint(id uint8) *Endpoint {
	ep, ok := d.endpoints[id]
	if !ok {
		ep = &Endpoint{ID: id, device: d, clusters: make(map[uint16]ClusterHandler)}
		d.endpoints[id] = ep
	}
	return ep
}

// Endpoints returns the endpoints sorted by id.
func (d *Device) Endpoints() []*Endpoint {
	ids := make([]uint8, 0, len(d.endpoints))
	for id := range d.endpoints {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Endpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.endpoints[id])
	}
	return out
}

// Cluster finds a cluster by endpoint and id.
func (d *Device) Cluster(endpoint uint8, id uint16) ClusterHandler {
	ep, ok := d.endpoints[endpoint]
	if !ok {
		return nil
	}
	return ep.Cluster(id)
}

// HandleReport routes an attribute report to its cluster. It returns false
// when the device has no such cluster or has been closed.
func (d *Device) HandleReport(endpoint uint8, clusterID, attrID uint16, value any) bool {
	if d.closed {
		return false
	}
	h := d.Cluster(endpoint, clusterID)
	if h == nil {
		return false
	}
	h.UpdateAttribute(attrID, value)
	return true
}

// Close tears down every cluster, cancelling their pending timers.
func (d *Device) Close() {
	if d.closed {
		return
	}
	d.closed = true
	for _, ep := range d.Endpoints() {
		for _, h := range ep.Clusters() {
			h.Close()
		}
	}
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool { return d.closed }
