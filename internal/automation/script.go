package automation

import (
	"errors"

	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/store"
)

// ErrScriptNotFound is returned for script IDs with no file in the scripts directory.
var ErrScriptNotFound = errors.New("script not found")

// Gateway is the coordinator surface scripts can see. It has no method that
// waits on the event loop, so handlers may call it freely.
type Gateway interface {
	Events() *coordinator.EventBus
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// ScriptMeta is the JSON header on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// ScriptStatus describes a script as seen by the engine.
type ScriptStatus struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Running  bool   `json:"running"`
	Handlers int    `json:"handlers"`
	Error    string `json:"error,omitempty"`
}
