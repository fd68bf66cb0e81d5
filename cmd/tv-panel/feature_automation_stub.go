//go:build no_automation

package main

import (
	"log/slog"

	"tv-fleet-panel/internal/panel"
	"tv-fleet-panel/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *panel.Panel, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
