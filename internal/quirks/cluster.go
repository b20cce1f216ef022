package quirks

import (
	"fmt"
	"strings"

	"zigbee-quirks/internal/zcl"
)

// Cluster listener events.
const (
	EventAttributeUpdated = "attribute_updated" // args: attrID uint16, value any
	EventClusterCommand   = "cluster_command"   // args: command string, args []any
)

// CommandZoneState is the IAS zone command announcing an alarm change.
// Its single argument is On or Off.
const CommandZoneState = "zone_state"

// Binary attribute and command argument values.
const (
	Off uint8 = 0
	On  uint8 = 1
)

// ClusterHandler is a cluster attached to a device endpoint. Quirk clusters
// embed *Cluster and override UpdateAttribute and Close.
type ClusterHandler interface {
	Base() *Cluster
	UpdateAttribute(attrID uint16, value any)
	Close()
}

// Cluster is a local attribute cache for one cluster on one endpoint.
// Changes are announced to listeners subscribed on Listeners().
type Cluster struct {
	def       *zcl.ClusterDef
	endpoint  uint8
	attrs     map[uint16]any
	listeners *Bus
}

// NewCluster creates a cluster from its ZCL definition.
func NewCluster(def *zcl.ClusterDef, endpoint uint8) *Cluster {
	return &Cluster{
		def:       def,
		endpoint:  endpoint,
		attrs:     make(map[uint16]any),
		listeners: NewBus(),
	}
}

// NewClusterByID looks the definition up in the registry. Unknown ids get
// a bare definition named after the hex id.
func NewClusterByID(registry *zcl.Registry, id uint16, endpoint uint8) *Cluster {
	var def *zcl.ClusterDef
	if registry != nil {
		def = registry.Get(id)
	}
	if def == nil {
		def = &zcl.ClusterDef{ID: id, Name: fmt.Sprintf("0x%04X", id)}
	}
	return NewCluster(def, endpoint)
}

func (c *Cluster) Base() *Cluster { return c }

// ID returns the cluster id.
func (c *Cluster) ID() uint16 { return c.def.ID }

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.def.Name }

// Endpoint returns the endpoint id the cluster lives on.
func (c *Cluster) Endpoint() uint8 { return c.endpoint }

// AttributeName returns the attribute's ZCL name, or its hex id.
func (c *Cluster) AttributeName(attrID uint16) string {
	if a := c.def.FindAttribute(attrID); a != nil {
		return a.Name
	}
	return fmt.Sprintf("0x%04X", attrID)
}

// Listeners returns the bus cluster events are published on.
func (c *Cluster) Listeners() *Bus { return c.listeners }

// UpdateAttribute stores value and publishes attribute_updated.
func (c *Cluster) UpdateAttribute(attrID uint16, value any) {
	c.attrs[attrID] = value
	c.listeners.Publish(EventAttributeUpdated, attrID, value)
}

// SetLocal stores value without notifying listeners.
func (c *Cluster) SetLocal(attrID uint16, value any) {
	c.attrs[attrID] = value
}

// Attribute returns the cached value of an attribute.
func (c *Cluster) Attribute(attrID uint16) (any, bool) {
	v, ok := c.attrs[attrID]
	return v, ok
}

// Attributes returns a copy of the attribute cache.
func (c *Cluster) Attributes() map[uint16]any {
	out := make(map[uint16]any, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// ListenerEvent publishes a named event to the cluster's listeners.
func (c *Cluster) ListenerEvent(event string, args ...any) {
	c.listeners.Publish(event, args...)
}

// Command publishes a cluster_command notification.
func (c *Cluster) Command(command string, args ...any) {
	c.listeners.Publish(EventClusterCommand, command, args)
}

func (c *Cluster) Close() {}

// IsOn reports whether v is the binary "on" value. Numbers must equal 1.
func IsOn(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(x) {
		case "on", "true", "1":
			return true
		}
		return false
	}
	n, ok := zcl.ToInt64(v)
	return ok && n == int64(On)
}
