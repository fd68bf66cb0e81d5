package panel

import (
	"log/slog"
	"time"
)

// MenuKind identifies one of the two overlay menus.
type MenuKind string

const (
	MenuPower   MenuKind = "power"
	MenuContext MenuKind = "context"
)

// MenuPhase is the animation phase of a menu.
type MenuPhase string

const (
	MenuClosed  MenuPhase = "closed"
	MenuOpening MenuPhase = "opening"
	MenuOpen    MenuPhase = "open"
	MenuClosing MenuPhase = "closing"
)

const (
	sidePanelClearance = 305
	triggerGap         = 10
	openFrame          = 16 * time.Millisecond
	closeAnimation     = 200 * time.Millisecond
)

// Rect is the bounding box of the element that triggered a menu, in page
// pixels.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// MenuView is the presentation state of one menu.
type MenuView struct {
	Kind   MenuKind  `json:"kind"`
	Phase  MenuPhase `json:"phase"`
	Device string    `json:"device,omitempty"`
	Left   float64   `json:"left"`
	Top    float64   `json:"top"`
}

// Visible reports whether the menu is attached to the page.
func (m MenuView) Visible() bool {
	return m.Phase != MenuClosed
}

// Showing reports whether the menu is opening or open.
func (m MenuView) Showing() bool {
	return m.Phase == MenuOpening || m.Phase == MenuOpen
}

// ClickTarget describes where a page click landed.
type ClickTarget struct {
	InContextMenu    bool `json:"in_context_menu"`
	OnContextTrigger bool `json:"on_context_trigger"`
	InPowerMenu      bool `json:"in_power_menu"`
	OnPowerTrigger   bool `json:"on_power_trigger"`
	OnLogBackdrop    bool `json:"on_log_backdrop"`
}

// Menus drives the power and context menus. At most one of them is showing.
type Menus struct {
	session *Session
	clock   Clock
	logger  *slog.Logger
}

func newMenus(session *Session, clock Clock, logger *slog.Logger) *Menus {
	return &Menus{session: session, clock: clock, logger: logger.With("component", "menus")}
}

func menuPosition(trigger Rect) (left, top float64) {
	left = trigger.Right + triggerGap
	if left < sidePanelClearance {
		left = sidePanelClearance
	}
	return left, trigger.Top
}

// OpenContext opens the context menu for device next to trigger. Opening it
// again for the same device closes it; opening it for another device
// retargets it.
func (m *Menus) OpenContext(device string, trigger Rect) error {
	s := m.session
	s.mu.Lock()
	if _, ok := s.devices[device]; !ok {
		s.mu.Unlock()
		return ErrUnknownDevice
	}
	if s.context.Showing() && s.context.Device == device {
		events := m.closeLocked(MenuContext)
		s.mu.Unlock()
		s.bus.Emit(events...)
		return nil
	}
	events := m.closeLocked(MenuPower)
	left, top := menuPosition(trigger)
	s.contextGen++
	gen := s.contextGen
	s.context = MenuView{Kind: MenuContext, Phase: MenuOpening, Device: device, Left: left, Top: top}
	events = append(events, menuEvent(s.context))
	s.mu.Unlock()

	s.bus.Emit(events...)
	m.clock.AfterFunc(openFrame, func() { m.finishOpen(MenuContext, gen) })
	return nil
}

// OpenPower opens the global power menu next to trigger, or closes it if it
// is already showing.
func (m *Menus) OpenPower(trigger Rect) {
	s := m.session
	s.mu.Lock()
	if s.power.Showing() {
		events := m.closeLocked(MenuPower)
		s.mu.Unlock()
		s.bus.Emit(events...)
		return
	}
	events := m.closeLocked(MenuContext)
	left, top := menuPosition(trigger)
	s.powerGen++
	gen := s.powerGen
	s.power = MenuView{Kind: MenuPower, Phase: MenuOpening, Left: left, Top: top}
	events = append(events, menuEvent(s.power))
	s.mu.Unlock()

	s.bus.Emit(events...)
	m.clock.AfterFunc(openFrame, func() { m.finishOpen(MenuPower, gen) })
}

// Close closes one menu if it is showing.
func (m *Menus) Close(kind MenuKind) {
	s := m.session
	s.mu.Lock()
	events := m.closeLocked(kind)
	s.mu.Unlock()
	s.bus.Emit(events...)
}

// CloseAll closes both menus.
func (m *Menus) CloseAll() {
	s := m.session
	s.mu.Lock()
	events := m.closeLocked(MenuPower)
	events = append(events, m.closeLocked(MenuContext)...)
	s.mu.Unlock()
	s.bus.Emit(events...)
}

// HandleClick closes every menu the click landed outside of, trigger
// included.
func (m *Menus) HandleClick(target ClickTarget) {
	s := m.session
	var events []Event
	s.mu.Lock()
	if !target.InContextMenu && !target.OnContextTrigger {
		events = append(events, m.closeLocked(MenuContext)...)
	}
	if !target.InPowerMenu && !target.OnPowerTrigger {
		events = append(events, m.closeLocked(MenuPower)...)
	}
	s.mu.Unlock()
	s.bus.Emit(events...)
}

// HandleScroll closes both menus.
func (m *Menus) HandleScroll() {
	m.CloseAll()
}

func (m *Menus) state(kind MenuKind) (*MenuView, *uint64) {
	if kind == MenuPower {
		return &m.session.power, &m.session.powerGen
	}
	return &m.session.context, &m.session.contextGen
}

// closeLocked starts the closing animation. Caller holds the session lock.
func (m *Menus) closeLocked(kind MenuKind) []Event {
	view, genp := m.state(kind)
	if !view.Showing() {
		return nil
	}
	*genp++
	gen := *genp
	view.Phase = MenuClosing
	view.Device = ""
	m.clock.AfterFunc(closeAnimation, func() { m.finishClose(kind, gen) })
	return []Event{menuEvent(*view)}
}

func (m *Menus) finishOpen(kind MenuKind, gen uint64) {
	s := m.session
	s.mu.Lock()
	view, genp := m.state(kind)
	if *genp != gen || view.Phase != MenuOpening {
		s.mu.Unlock()
		return
	}
	view.Phase = MenuOpen
	ev := menuEvent(*view)
	s.mu.Unlock()
	s.bus.Emit(ev)
}

func (m *Menus) finishClose(kind MenuKind, gen uint64) {
	s := m.session
	s.mu.Lock()
	view, genp := m.state(kind)
	if *genp != gen || view.Phase != MenuClosing {
		s.mu.Unlock()
		m.logger.Debug("menu reopened during close", "menu", kind)
		return
	}
	*view = MenuView{Kind: kind, Phase: MenuClosed}
	ev := menuEvent(*view)
	s.mu.Unlock()
	s.bus.Emit(ev)
}

func menuEvent(v MenuView) Event {
	return Event{Type: EventMenu, Data: map[string]interface{}{
		"menu":   string(v.Kind),
		"phase":  string(v.Phase),
		"device": v.Device,
	}}
}
