//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tv-fleet-panel/internal/panel"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the panel surface the bridge drives.
type Controller interface {
	Events() *panel.EventBus
	Session() *panel.Session
	Dispatcher() *panel.Dispatcher
	Refresh(ctx context.Context) error
}

// deviceState is the retained payload on <prefix>/<tv>.
type deviceState struct {
	State  string `json:"state"`
	Online bool   `json:"online"`
	Sector string `json:"sector"`
}

// Bridge mirrors TV state to MQTT with HA autodiscovery and accepts commands.
type Bridge struct {
	client  pahomqtt.Client
	ctrl    Controller
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	publish func(topic string, payload []byte, retained bool)

	mu     sync.Mutex
	topics map[string]string // topic segment -> TV name
}

func newBridge(ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		ctrl:   ctrl,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]string),
	}
	for _, dev := range ctrl.Session().Devices() {
		b.topics[topicName(dev.Name)] = dev.Name
	}
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)
	b.publish = b.publishMQTT

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("tv-fleet-panel").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to panel events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event panel.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	switch event.Type {
	case panel.EventIndicatorChanged:
		if name, _ := data["device"].(string); name != "" {
			b.publishDeviceState(name)
		}
	case panel.EventTokenPopup:
		open, _ := data["open"].(bool)
		msg, _ := data["message"].(string)
		b.publishTokenState(open, msg)
	}
}

func stateValue(ind panel.Indicator) string {
	switch ind {
	case panel.IndicatorOn:
		return "ON"
	case panel.IndicatorLoading:
		return "LOADING"
	default:
		return "OFF"
	}
}

func (b *Bridge) publishDeviceState(name string) {
	dev, ok := b.ctrl.Session().Device(name)
	if !ok {
		return
	}
	payload := mustJSON(deviceState{
		State:  stateValue(dev.Indicator),
		Online: dev.Online,
		Sector: dev.OriginalSector,
	})
	b.publish(b.prefix+"/"+topicName(name), payload, true)
}

func (b *Bridge) publishAllStates() {
	for _, dev := range b.ctrl.Session().Devices() {
		b.publishDeviceState(dev.Name)
	}
	popup := b.ctrl.Session().View().TokenPopup
	b.publishTokenState(popup.Open, popup.Message)
}

func (b *Bridge) publishTokenState(problem bool, message string) {
	payload := mustJSON(map[string]interface{}{
		"problem": problem,
		"message": message,
	})
	b.publish(b.prefix+"/bridge/token", payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, msg := range buildBridgeDiscovery(b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	devices := b.ctrl.Session().Devices()
	for _, dev := range devices {
		for _, msg := range buildDiscovery(dev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.logger.Info("published HA discovery", "devices", len(devices))
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		segment := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), b.prefix+"/"), "/set")
		if segment == "bridge" {
			b.handleBridgeCommand(msg.Payload())
			return
		}
		b.handleCommand(segment, msg.Payload())
	})
}

// parseCommand accepts either a raw command ("ON") or a JSON object with a
// state field ({"state": "ON"}).
func parseCommand(payload []byte) string {
	var cmd struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.State != "" {
		return strings.ToUpper(cmd.State)
	}
	return strings.ToUpper(strings.TrimSpace(string(payload)))
}

func (b *Bridge) handleCommand(segment string, payload []byte) {
	b.mu.Lock()
	name, ok := b.topics[segment]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown device", "topic", segment)
		return
	}

	d := b.ctrl.Dispatcher()
	var err error
	switch cmd := parseCommand(payload); cmd {
	case "ON":
		_, err = d.PowerOn(name)
	case "OFF":
		dev, _ := b.ctrl.Session().Device(name)
		if dev.Indicator != panel.IndicatorOn {
			b.logger.Debug("off command ignored, device not on", "device", name, "indicator", dev.Indicator)
			return
		}
		_, err = d.Toggle(name)
	case "TOGGLE":
		_, err = d.Toggle(name)
	case "RECONNECT":
		_, err = d.Reconnect(name)
	default:
		b.logger.Warn("unsupported command", "device", name, "command", cmd)
		return
	}
	if err != nil {
		b.logger.Warn("command rejected", "device", name, "err", err)
	}
}

func (b *Bridge) handleBridgeCommand(payload []byte) {
	d := b.ctrl.Dispatcher()
	switch action := strings.ToLower(strings.TrimSpace(string(payload))); action {
	case actionPowerOnAll:
		d.PowerOnAll(true)
	case actionPowerOnAllNoTrigger:
		d.PowerOnAll(false)
	case actionPowerOffExceptMeeting:
		// publishing the action is the operator's confirmation
		if _, err := d.PowerOffExceptMeeting(func(string) bool { return true }); err != nil {
			b.logger.Warn("fleet power off rejected", "err", err)
		}
	case actionRefresh:
		go func() {
			ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
			defer cancel()
			b.ctrl.Refresh(ctx)
		}()
	default:
		b.logger.Warn("unsupported bridge action", "action", action)
	}
}

func (b *Bridge) publishMQTT(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
