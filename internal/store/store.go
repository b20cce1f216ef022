// Package store persists quirk devices, their last known properties and a
// bounded history of property changes.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// MaxActivity is how many history entries are kept per device.
const MaxActivity = 200

// Store defines the persistence interface.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	// DeleteDevice removes the device and its history.
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// AppendActivity records a property change, dropping the oldest entries
	// beyond MaxActivity.
	AppendActivity(ieee string, a Activity) error
	// ListActivity returns up to limit entries newest first; limit <= 0
	// returns them all.
	ListActivity(ieee string, limit int) ([]Activity, error)

	Close() error
}
