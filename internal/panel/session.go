package panel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tv-fleet-panel/internal/backend"
)

// Sentinel errors returned by panel operations.
var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrNotConfirmed    = errors.New("operation not confirmed")
	ErrRetryPending    = errors.New("token renewal retry already pending")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Indicator is the power icon state of a device.
type Indicator string

const (
	IndicatorOn      Indicator = "on"
	IndicatorOff     Indicator = "off"
	IndicatorLoading Indicator = "loading"
)

const offlineSuffix = " - Offline"

// DeviceSpec is one roster entry.
type DeviceSpec struct {
	Name   string `yaml:"name" json:"name"`
	Sector string `yaml:"sector" json:"sector"`
}

// DeviceView is the displayed state of one device.
type DeviceView struct {
	Name           string    `json:"name"`
	Sector         string    `json:"sector"`
	OriginalSector string    `json:"original_sector"`
	Online         bool      `json:"online"`
	Indicator      Indicator `json:"indicator"`
}

// View is a snapshot of the whole session, as served to browsers.
type View struct {
	Devices           []DeviceView `json:"devices"`
	PowerMenu         MenuView     `json:"power_menu"`
	ContextMenu       MenuView     `json:"context_menu"`
	LogView           LogView      `json:"log_view"`
	TokenPopup        TokenPopup   `json:"token_popup"`
	ReconnectSpinning bool         `json:"reconnect_spinning"`
	LastReconciled    time.Time    `json:"last_reconciled"`
}

// Session holds all transient panel state behind a single mutex.
// Methods that change state collect events and emit them after unlocking, so
// handlers may call back into the session.
type Session struct {
	mu  sync.Mutex
	bus *EventBus

	order   []string
	devices map[string]*DeviceView

	appliedRefresh uint64
	lastReconciled time.Time

	power      MenuView
	powerGen   uint64
	context    MenuView
	contextGen uint64

	logView LogView
	logGen  uint64

	token    TokenPopup
	tokenGen uint64

	spinning bool
}

// NewSession creates a session for the given roster. Every device starts in
// the loading state until the first reconciliation.
func NewSession(roster []DeviceSpec, bus *EventBus) (*Session, error) {
	s := &Session{
		bus:     bus,
		devices: make(map[string]*DeviceView, len(roster)),
		power:   MenuView{Kind: MenuPower, Phase: MenuClosed},
		context: MenuView{Kind: MenuContext, Phase: MenuClosed},
		token:   idleTokenPopup(),
	}
	for _, d := range roster {
		if d.Name == "" {
			return nil, errors.New("roster: device with empty name")
		}
		if _, dup := s.devices[d.Name]; dup {
			return nil, fmt.Errorf("roster: duplicate device %q", d.Name)
		}
		s.order = append(s.order, d.Name)
		s.devices[d.Name] = &DeviceView{
			Name:           d.Name,
			Sector:         d.Sector,
			OriginalSector: d.Sector,
			Online:         true,
			Indicator:      IndicatorLoading,
		}
	}
	return s, nil
}

// Devices returns all devices in roster order.
func (s *Session) Devices() []DeviceView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceView, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.devices[name])
	}
	return out
}

// Device returns one device by name.
func (s *Session) Device(name string) (DeviceView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[name]
	if !ok {
		return DeviceView{}, false
	}
	return *d, true
}

// Has reports whether name is in the roster.
func (s *Session) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[name]
	return ok
}

// View returns a copy of the full session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Devices:           make([]DeviceView, 0, len(s.order)),
		PowerMenu:         s.power,
		ContextMenu:       s.context,
		LogView:           s.logView,
		TokenPopup:        s.token,
		ReconnectSpinning: s.spinning,
		LastReconciled:    s.lastReconciled,
	}
	v.LogView.Entries = append([]LogLine(nil), s.logView.Entries...)
	for _, name := range s.order {
		v.Devices = append(v.Devices, *s.devices[name])
	}
	return v
}

// applySnapshot overwrites indicators from an authoritative snapshot. A
// snapshot from a refresh issued before the last applied one is dropped.
func (s *Session) applySnapshot(gen uint64, snap backend.StatusSnapshot, now time.Time) (applied bool) {
	var events []Event
	s.mu.Lock()
	if gen < s.appliedRefresh {
		s.mu.Unlock()
		return false
	}
	s.appliedRefresh = gen
	s.lastReconciled = now
	for _, name := range s.order {
		st, ok := snap[name]
		if !ok {
			continue
		}
		d := s.devices[name]
		prev := *d
		d.Online = st.IsOnline
		switch {
		case !st.IsOnline:
			d.Indicator = IndicatorOff
			d.Sector = d.OriginalSector + offlineSuffix
		case st.IsOn:
			d.Indicator = IndicatorOn
			d.Sector = d.OriginalSector
		default:
			d.Indicator = IndicatorOff
			d.Sector = d.OriginalSector
		}
		if *d != prev {
			events = append(events, indicatorEvent(*d))
		}
	}
	events = append(events, Event{Type: EventStatusReconciled, Data: map[string]interface{}{
		"devices": len(snap),
	}})
	s.mu.Unlock()

	s.bus.Emit(events...)
	return true
}

// setIndicator sets one device's indicator and returns the previous value.
func (s *Session) setIndicator(name string, ind Indicator) (Indicator, bool) {
	s.mu.Lock()
	d, ok := s.devices[name]
	if !ok {
		s.mu.Unlock()
		return "", false
	}
	prev := d.Indicator
	d.Indicator = ind
	view := *d
	s.mu.Unlock()

	if prev != ind {
		s.bus.Emit(indicatorEvent(view))
	}
	return prev, true
}

// markLoading puts every device matched by pred into the loading state and
// returns their names.
func (s *Session) markLoading(pred func(DeviceView) bool) []string {
	var (
		events []Event
		names  []string
	)
	s.mu.Lock()
	for _, name := range s.order {
		d := s.devices[name]
		if pred != nil && !pred(*d) {
			continue
		}
		names = append(names, name)
		if d.Indicator != IndicatorLoading {
			d.Indicator = IndicatorLoading
			events = append(events, indicatorEvent(*d))
		}
	}
	s.mu.Unlock()

	s.bus.Emit(events...)
	return names
}

func (s *Session) setSpinning(on bool) {
	s.mu.Lock()
	changed := s.spinning != on
	s.spinning = on
	s.mu.Unlock()

	if changed {
		s.bus.Emit(Event{Type: EventReconnectSpinner, Data: map[string]interface{}{"spinning": on}})
	}
}

func indicatorEvent(d DeviceView) Event {
	return Event{Type: EventIndicatorChanged, Data: map[string]interface{}{
		"device":    d.Name,
		"indicator": string(d.Indicator),
		"online":    d.Online,
		"sector":    d.Sector,
	}}
}
