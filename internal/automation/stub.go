//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"zigbee-quirks/internal/clock"
)

var errDisabled = errors.New("automation disabled")

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Gateway, _ *Manager, _ clock.Scheduler, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// ReloadScript always fails.
func (e *Engine) ReloadScript(_ string) error { return errDisabled }

// Scripts returns nothing.
func (e *Engine) Scripts() ([]ScriptStatus, error) { return nil, nil }
