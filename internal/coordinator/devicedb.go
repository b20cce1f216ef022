package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"zigbee-quirks/internal/quirks"
	"zigbee-quirks/internal/zcl"
)

// Highest named value of the ZCL BatterySize enum (CR1632); 0xFF is "unknown".
const (
	maxBatterySize     = 11
	batterySizeUnknown = 0xFF
)

// DeviceDefinition overrides quirk selection and setup for one model.
type DeviceDefinition struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	FriendlyName string `json:"friendly_name,omitempty"`
	// Quirk names a registered quirk to apply to this model.
	Quirk       string `json:"quirk,omitempty"`
	BatterySize *uint8 `json:"battery_size,omitempty"`

	source string
}

func (d DeviceDefinition) validate() error {
	switch {
	case d.Manufacturer == "":
		return errors.New("manufacturer is required")
	case d.Model == "":
		return fmt.Errorf("%s: model is required", d.Manufacturer)
	case d.BatterySize != nil && *d.BatterySize > maxBatterySize && *d.BatterySize != batterySizeUnknown:
		return fmt.Errorf("%s/%s: battery_size %d is not a ZCL battery size", d.Manufacturer, d.Model, *d.BatterySize)
	}
	return nil
}

type modelKey struct {
	manufacturer, model string
}

// DeviceDB holds device definitions keyed by manufacturer and model.
type DeviceDB struct {
	defs map[modelKey]*DeviceDefinition
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[modelKey]*DeviceDefinition)}
}

// Add stores def, replacing any earlier definition for the same model.
func (db *DeviceDB) Add(def DeviceDefinition) {
	db.defs[modelKey{def.Manufacturer, def.Model}] = &def
}

// Lookup finds a device definition by manufacturer and model.
func (db *DeviceDB) Lookup(manufacturer, model string) *DeviceDefinition {
	if db == nil {
		return nil
	}
	return db.defs[modelKey{manufacturer, model}]
}

// Len returns the number of device definitions.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// Definitions returns every definition ordered by manufacturer and model.
func (db *DeviceDB) Definitions() []DeviceDefinition {
	out := make([]DeviceDefinition, 0, len(db.defs))
	for _, d := range db.defs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Manufacturer != out[j].Manufacturer {
			return out[i].Manufacturer < out[j].Manufacturer
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// AliasQuirks attaches every definition that names a quirk to that quirk
// in the registry, so Match finds models the quirk itself does not list.
func (db *DeviceDB) AliasQuirks(r *quirks.Registry) error {
	for _, def := range db.Definitions() {
		if def.Quirk == "" {
			continue
		}
		if err := r.Alias(def.Manufacturer, def.Model, def.Quirk); err != nil {
			return fmt.Errorf("%s/%s: %w", def.Manufacturer, def.Model, err)
		}
	}
	return nil
}

// deviceFile is one JSON file in the devices directory. Models may be listed
// flat under "devices" or grouped by manufacturer.
type deviceFile struct {
	Clusters      []zcl.ClusterDef   `json:"clusters,omitempty"`
	Devices       []DeviceDefinition `json:"devices,omitempty"`
	Manufacturers []struct {
		Name   string             `json:"name"`
		Models []DeviceDefinition `json:"models"`
	} `json:"manufacturers,omitempty"`
}

func (f *deviceFile) definitions() []DeviceDefinition {
	defs := append([]DeviceDefinition(nil), f.Devices...)
	for _, group := range f.Manufacturers {
		for _, d := range group.Models {
			d.Manufacturer = group.Name
			defs = append(defs, d)
		}
	}
	return defs
}

func readDeviceFile(path string) (*deviceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var df deviceFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &df, nil
}

// LoadDeviceDir reads every *.json file in dir in name order. Custom clusters
// go into the ZCL registry and model definitions into the returned DeviceDB;
// a later file overrides an earlier definition of the same model. A missing
// or empty directory yields an empty database.
func LoadDeviceDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(paths) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}
	sort.Strings(paths)

	for _, path := range paths {
		df, err := readDeviceFile(path)
		if err != nil {
			return db, err
		}
		name := filepath.Base(path)

		for _, c := range df.Clusters {
			registry.Register(c)
		}
		defs := df.definitions()
		for _, d := range defs {
			if err := d.validate(); err != nil {
				return db, fmt.Errorf("%s: %w", name, err)
			}
			if prev := db.Lookup(d.Manufacturer, d.Model); prev != nil {
				logger.Warn("device definition overridden", "manufacturer", d.Manufacturer,
					"model", d.Model, "previous", prev.source, "file", name)
			}
			d.source = name
			db.Add(d)
		}
		logger.Info("loaded device file", "path", name, "clusters", len(df.Clusters), "devices", len(defs))
	}

	logger.Info("device database loaded", "files", len(paths), "devices", db.Len())
	return db, nil
}
