//go:build no_mqtt

package main

import (
	"log/slog"

	"tv-fleet-panel/internal/panel"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *panel.Panel, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
