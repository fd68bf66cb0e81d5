//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"tv-fleet-panel/internal/panel"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/tvpanel_ti01/power/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// Fleet actions accepted on <prefix>/bridge/set.
const (
	actionPowerOnAll            = "power_on_all"
	actionPowerOnAllNoTrigger   = "power_on_all_no_trigger"
	actionPowerOffExceptMeeting = "power_off_except_meeting"
	actionRefresh               = "refresh"
)

// topicName returns the MQTT-safe topic segment for a TV name.
func topicName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func deviceIdentifier(name string) string {
	return "tvpanel_" + topicName(name)
}

// buildDiscovery generates the HA entities for one TV: a power switch and a
// connectivity sensor.
func buildDiscovery(dev panel.DeviceView, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + topicName(dev.Name)
	nodeID := deviceIdentifier(dev.Name)

	haDev := haDevice{
		Identifiers:   []string{nodeID},
		Model:         "TV",
		Name:          dev.Name,
		SuggestedArea: dev.OriginalSector,
	}

	return []discoveryMsg{
		{
			Topic: fmt.Sprintf("homeassistant/switch/%s/power/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              dev.Name,
				UniqueID:          nodeID + "_power",
				StateTopic:        stateTopic,
				CommandTopic:      stateTopic + "/set",
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.state }}",
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
				Icon:              "mdi:television",
				Device:            haDev,
			}),
		},
		buildBinarySensor(nodeID, dev.Name+" Connectivity", stateTopic, avail, haDev,
			"connectivity", "connectivity", "{{ 'ON' if value_json.online else 'OFF' }}"),
	}
}

// buildBridgeDiscovery generates the fleet-level entities: the token problem
// sensor and one button per fleet action.
func buildBridgeDiscovery(prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	nodeID := "tvpanel_bridge"
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "tv-fleet-panel",
		Model:        "Panel",
		Name:         "TV Panel",
	}

	msgs := []discoveryMsg{
		buildBinarySensor(nodeID, "TV Panel Token", prefix+"/bridge/token", avail, haDev,
			"token_problem", "problem", "{{ 'ON' if value_json.problem else 'OFF' }}"),
	}

	buttons := []struct{ action, name, icon string }{
		{actionPowerOnAll, "Ligar todas", "mdi:television-play"},
		{actionPowerOnAllNoTrigger, "Religar todas", "mdi:television"},
		{actionPowerOffExceptMeeting, "Desligar exceto reunião", "mdi:television-off"},
		{actionRefresh, "Atualizar status", "mdi:refresh"},
	}
	for _, btn := range buttons {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, btn.action),
			Payload: mustJSON(haDiscovery{
				Name:              btn.name,
				UniqueID:          nodeID + "_" + btn.action,
				CommandTopic:      prefix + "/bridge/set",
				AvailabilityTopic: avail,
				PayloadPress:      btn.action,
				Icon:              btn.icon,
				Device:            haDev,
			}),
		})
	}
	return msgs
}

func buildBinarySensor(nodeID, name, stateTopic, avail string, haDev haDevice,
	objectID, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
