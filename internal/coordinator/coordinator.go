package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/store"
	"zigbee-quirks/internal/zcl"
)

var (
	// ErrUnknownDevice is returned for operations on a device that has not joined.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownQuirk is returned when a device names a quirk that is not registered.
	ErrUnknownQuirk = errors.New("unknown quirk")
	// ErrInvalidIEEE is returned for malformed IEEE addresses.
	ErrInvalidIEEE = errors.New("invalid ieee address")
	// ErrInvalidReport is returned when a report's raw payload does not decode.
	ErrInvalidReport = errors.New("invalid attribute report")
)

const stopTimeout = 5 * time.Second

// Config holds coordinator configuration.
type Config struct {
	// RearmDelay overrides the quirks' default re-arm delay when positive.
	RearmDelay time.Duration
}

// JoinRequest announces a device to the coordinator.
type JoinRequest struct {
	IEEE         string `json:"ieee"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Quirk        string `json:"quirk,omitempty"`
	BatterySize  *uint8 `json:"battery_size,omitempty"`
}

// AttributeReport is a single attribute value reported by a device.
// When Raw is non-nil it is decoded as a ZCL value of Type and Value is ignored.
type AttributeReport struct {
	IEEE      string
	Endpoint  uint8
	Cluster   uint16
	Attribute uint16
	Type      uint8
	Raw       []byte
	Value     any
}

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD" into [8]byte.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.ReplaceAll(s, ":", "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrInvalidIEEE, err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("%w: must be 8 bytes, got %d", ErrInvalidIEEE, len(b))
	}
	copy(result[:], b)
	return result, nil
}

// NormalizeIEEE returns the canonical 16-digit upper-case form of an address.
func NormalizeIEEE(s string) (string, error) {
	b, err := ParseIEEE(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016X", b), nil
}

// Coordinator drives quirk devices from joins, leaves and attribute reports.
// Device state lives on the event loop; the exported methods hop onto it.
type Coordinator struct {
	store    store.Store
	quirks   *quirks.Registry
	registry *zcl.Registry
	deviceDB *DeviceDB
	events   *EventBus
	loop     clock.EventLoop
	devices  *DeviceManager
	config   Config
	logger   *slog.Logger
}

// New creates a new Coordinator.
func New(st store.Store, quirkRegistry *quirks.Registry, registry *zcl.Registry, deviceDB *DeviceDB, events *EventBus, loop clock.EventLoop, cfg Config, logger *slog.Logger) *Coordinator {
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	c := &Coordinator{
		store:    st,
		quirks:   quirkRegistry,
		registry: registry,
		deviceDB: deviceDB,
		events:   events,
		loop:     loop,
		config:   cfg,
		logger:   logger,
	}
	c.devices = NewDeviceManager(c)
	return c
}

func (c *Coordinator) env() quirks.Env {
	return quirks.Env{
		Scheduler:  c.loop,
		Clusters:   c.registry,
		Logger:     c.logger,
		RearmDelay: c.config.RearmDelay,
	}
}

// run executes fn on the event loop and returns its error.
func (c *Coordinator) run(ctx context.Context, fn func() error) error {
	var result error
	if err := c.loop.Do(ctx, func() { result = fn() }); err != nil {
		return err
	}
	return result
}

// Start restores stored devices. Alarm state does not survive a restart:
// timers are gone, so occupancy and motion come back cleared.
func (c *Coordinator) Start(ctx context.Context) error {
	records, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	return c.run(ctx, func() error {
		restored := 0
		for _, rec := range records {
			clearActiveProperties(rec)
			if _, err := c.devices.attach(rec); err != nil {
				c.logger.Error("restore device", "ieee", rec.IEEEAddress, "name", rec.DisplayName(), "err", err)
				continue
			}
			if err := c.store.SaveDevice(rec); err != nil {
				c.logger.Error("save restored device", "ieee", rec.IEEEAddress, "err", err)
			}
			restored++
			c.events.Emit(Event{Type: EventDeviceRestored, Data: deviceData(rec)})
		}
		c.logger.Info("devices restored", "count", restored, "stored", len(records))
		return nil
	})
}

// Stop closes every quirk device, cancelling pending re-arm timers.
func (c *Coordinator) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := c.loop.Do(ctx, c.devices.closeAll); err != nil {
		c.logger.Warn("stop coordinator", "err", err)
	}
}

// Join registers a device, or re-registers it on rejoin, and builds its quirk.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (*store.Device, error) {
	ieee, err := NormalizeIEEE(req.IEEE)
	if err != nil {
		return nil, err
	}
	var joined store.Device
	err = c.run(ctx, func() error {
		rec, err := c.joinRecord(ieee, req)
		if err != nil {
			return err
		}
		// A rejoin cancels the old device's timers, so nothing would clear
		// its alarm state.
		c.devices.detach(ieee)
		clearActiveProperties(rec)
		if _, err := c.devices.attach(rec); err != nil {
			return fmt.Errorf("join %s: %w", ieee, err)
		}
		if err := c.store.SaveDevice(rec); err != nil {
			c.devices.detach(ieee)
			return fmt.Errorf("save device %s: %w", ieee, err)
		}
		c.logger.Info("device joined", "ieee", ieee, "name", rec.DisplayName(), "quirk", rec.Quirk)
		c.events.Emit(Event{Type: EventDeviceJoined, Data: deviceData(rec)})
		joined = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &joined, nil
}

// joinRecord merges a join request into the stored record, if any, and the
// device database definition for the model.
func (c *Coordinator) joinRecord(ieee string, req JoinRequest) (*store.Device, error) {
	now := c.loop.Now()
	rec, err := c.store.GetDevice(ieee)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &store.Device{IEEEAddress: ieee, JoinedAt: now}
	case err != nil:
		return nil, fmt.Errorf("load device %s: %w", ieee, err)
	}

	if req.Manufacturer != "" {
		rec.Manufacturer = req.Manufacturer
	}
	if req.Model != "" {
		rec.Model = req.Model
	}
	rec.Quirk = req.Quirk
	rec.LastSeen = now

	def := c.deviceDB.Lookup(rec.Manufacturer, rec.Model)
	switch {
	case req.FriendlyName != "":
		rec.FriendlyName = req.FriendlyName
	case rec.FriendlyName == "" && def != nil:
		rec.FriendlyName = def.FriendlyName
	}
	switch {
	case req.BatterySize != nil:
		rec.BatterySize = req.BatterySize
	case rec.BatterySize == nil && def != nil:
		rec.BatterySize = def.BatterySize
	}
	return rec, nil
}

// Leave removes a device and cancels its timers.
func (c *Coordinator) Leave(ctx context.Context, ieee string) error {
	ieee, err := NormalizeIEEE(ieee)
	if err != nil {
		return err
	}
	return c.run(ctx, func() error {
		rec, err := c.store.GetDevice(ieee)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load device %s: %w", ieee, err)
		}
		wasActive := c.devices.detach(ieee)
		if rec == nil && !wasActive {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
		}
		if err := c.store.DeleteDevice(ieee); err != nil {
			return fmt.Errorf("delete device %s: %w", ieee, err)
		}
		data := map[string]interface{}{"ieee": ieee, "name": rec.DisplayName()}
		c.logger.Info("device left", "ieee", ieee, "name", rec.DisplayName())
		c.events.Emit(Event{Type: EventDeviceLeft, Data: data})
		return nil
	})
}

// HandleAttributeReport routes a report through the device's quirk clusters.
// Clusters the quirk does not define are added as plain clusters.
func (c *Coordinator) HandleAttributeReport(ctx context.Context, r AttributeReport) error {
	ieee, err := NormalizeIEEE(r.IEEE)
	if err != nil {
		return err
	}
	value := r.Value
	if r.Raw != nil {
		v, _, err := zcl.DecodeValue(r.Type, r.Raw)
		if err != nil {
			return fmt.Errorf("%w: decode 0x%04X/0x%04X: %w", ErrInvalidReport, r.Cluster, r.Attribute, err)
		}
		value = v
	}

	return c.run(ctx, func() error {
		ad := c.devices.get(ieee)
		if ad == nil {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
		}
		ad.record.LastSeen = c.loop.Now()
		c.persist(ad, func(d *store.Device) { d.LastSeen = ad.record.LastSeen })

		clusterName, attrName := c.registry.Names(r.Cluster, r.Attribute)
		c.logger.Info("attribute report",
			"ieee", ieee,
			"name", ad.record.DisplayName(),
			"cluster", clusterName,
			"attr", attrName,
			"value", value,
		)
		c.events.Emit(Event{
			Type: EventAttributeReport,
			Data: map[string]interface{}{
				"ieee":         ieee,
				"name":         ad.record.DisplayName(),
				"endpoint":     r.Endpoint,
				"cluster_id":   r.Cluster,
				"cluster_name": clusterName,
				"attr_id":      r.Attribute,
				"attr_name":    attrName,
				"value":        value,
			},
		})

		c.devices.cluster(ad, r.Endpoint, r.Cluster).UpdateAttribute(r.Attribute, value)
		return nil
	})
}

func (c *Coordinator) onAttributeUpdated(ad *activeDevice, cl *quirks.Cluster, attrID uint16, value any) {
	c.events.Emit(Event{
		Type: EventAttributeUpdated,
		Data: map[string]interface{}{
			"ieee":         ad.record.IEEEAddress,
			"name":         ad.record.DisplayName(),
			"endpoint":     cl.Endpoint(),
			"cluster_id":   cl.ID(),
			"cluster_name": cl.Name(),
			"attr_id":      attrID,
			"attr_name":    cl.AttributeName(attrID),
			"value":        value,
		},
	})
	if rule, ok := lookupAttributeProperty(cl.ID(), attrID); ok {
		c.updateProperty(ad, rule.name, rule.apply(value))
	}
}

func (c *Coordinator) onClusterCommand(ad *activeDevice, cl *quirks.Cluster, command string, args []any) {
	c.logger.Debug("cluster command",
		"ieee", ad.record.IEEEAddress,
		"cluster", cl.Name(),
		"command", command,
		"args", args,
	)
	c.events.Emit(Event{
		Type: EventClusterCommand,
		Data: map[string]interface{}{
			"ieee":         ad.record.IEEEAddress,
			"name":         ad.record.DisplayName(),
			"endpoint":     cl.Endpoint(),
			"cluster_id":   cl.ID(),
			"cluster_name": cl.Name(),
			"command":      command,
			"args":         args,
		},
	})
	if command != quirks.CommandZoneState || len(args) == 0 {
		return
	}
	if rule, ok := commandProperties[cl.ID()]; ok {
		c.updateProperty(ad, rule.name, rule.apply(args[0]))
	}
}

func (c *Coordinator) updateProperty(ad *activeDevice, name string, value any) {
	ad.record.SetProperty(name, value)
	c.persist(ad, func(d *store.Device) { d.SetProperty(name, value) })
	activity := store.Activity{At: c.loop.Now(), Property: name, Value: value}
	if err := c.store.AppendActivity(ad.record.IEEEAddress, activity); err != nil {
		c.logger.Error("record activity", "ieee", ad.record.IEEEAddress, "err", err)
	}

	c.logger.Info("property update",
		"ieee", ad.record.IEEEAddress,
		"name", ad.record.DisplayName(),
		"property", name,
		"value", value,
	)
	c.events.Emit(Event{
		Type: EventPropertyUpdate,
		Data: map[string]interface{}{
			"ieee":     ad.record.IEEEAddress,
			"name":     ad.record.DisplayName(),
			"property": name,
			"value":    value,
		},
	})
}

func (c *Coordinator) persist(ad *activeDevice, fn func(d *store.Device)) {
	err := c.store.UpdateDevice(ad.record.IEEEAddress, func(d *store.Device) error {
		fn(d)
		return nil
	})
	if err != nil {
		c.logger.Error("save device", "ieee", ad.record.IEEEAddress, "err", err)
	}
}

// ListDevices returns all known devices.
func (c *Coordinator) ListDevices() ([]*store.Device, error) {
	return c.store.ListDevices()
}

// GetDevice returns a device by IEEE address.
func (c *Coordinator) GetDevice(ieee string) (*store.Device, error) {
	norm, err := NormalizeIEEE(ieee)
	if err != nil {
		return nil, err
	}
	dev, err := c.store.GetDevice(norm)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, norm)
	}
	return dev, err
}

// DeviceActivity returns a device's recorded property changes, newest first.
func (c *Coordinator) DeviceActivity(ieee string, limit int) ([]store.Activity, error) {
	norm, err := NormalizeIEEE(ieee)
	if err != nil {
		return nil, err
	}
	list, err := c.store.ListActivity(norm, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, norm)
	}
	return list, err
}

// DeviceClusters returns the attribute caches of an active device's clusters.
func (c *Coordinator) DeviceClusters(ctx context.Context, ieee string) ([]ClusterState, error) {
	norm, err := NormalizeIEEE(ieee)
	if err != nil {
		return nil, err
	}
	var states []ClusterState
	err = c.run(ctx, func() error {
		ad := c.devices.get(norm)
		if ad == nil {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, norm)
		}
		states = snapshot(ad.dev)
		return nil
	})
	return states, err
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// Quirks returns the quirk registry.
func (c *Coordinator) Quirks() *quirks.Registry {
	return c.quirks
}

// DeviceDB returns the device definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

func deviceData(rec *store.Device) map[string]interface{} {
	return map[string]interface{}{
		"ieee":         rec.IEEEAddress,
		"name":         rec.DisplayName(),
		"manufacturer": rec.Manufacturer,
		"model":        rec.Model,
		"quirk":        rec.Quirk,
	}
}
