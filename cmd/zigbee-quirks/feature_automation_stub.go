//go:build no_automation

package main

import (
	"log/slog"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.Coordinator, _ clock.Scheduler, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
