package panel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tv-fleet-panel/internal/backend"
)

// PowerOffPrompt is the confirmation shown before the fleet shutdown.
const PowerOffPrompt = "Desligar todas as TVs exceto as de reunião?\n\nSerão desligadas 2 por vez com intervalo de 10 segundos."

// ConfirmFunc asks the operator to confirm prompt.
type ConfirmFunc func(prompt string) bool

// Delays holds the wait before reconciling after each accepted command.
// The backend runs batch sequences in the background and only reports that
// they started, so these are estimates of how long each sequence takes.
type Delays struct {
	Toggle                time.Duration `yaml:"toggle"`
	PowerOnAll            time.Duration `yaml:"power_on_all"`
	PowerOffExceptMeeting time.Duration `yaml:"power_off_except_meeting"`
	PowerOnOne            time.Duration `yaml:"power_on_one"`
	Reconnect             time.Duration `yaml:"reconnect"`
	ReconnectSpin         time.Duration `yaml:"reconnect_spin"`
}

// DefaultDelays returns the stock reconciliation delays.
func DefaultDelays() Delays {
	return Delays{
		Toggle:                5 * time.Second,
		PowerOnAll:            12 * time.Second,
		PowerOffExceptMeeting: 15 * time.Second,
		PowerOnOne:            8 * time.Second,
		Reconnect:             12 * time.Second,
		ReconnectSpin:         1 * time.Second,
	}
}

// Dispatcher issues power commands with optimistic updates and schedules
// reconciliation once the backend has had time to act.
type Dispatcher struct {
	ctx     context.Context
	session *Session
	backend Backend
	sync    *Synchronizer
	menus   *Menus
	history *History
	clock   Clock
	delays  Delays
	marker  string
	logger  *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[Timer]struct{}
	stopped bool
}

type dispatcherDeps struct {
	session *Session
	backend Backend
	sync    *Synchronizer
	menus   *Menus
	history *History
	clock   Clock
}

func newDispatcher(ctx context.Context, deps dispatcherDeps, delays Delays, meetingMarker string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		session: deps.session,
		backend: deps.backend,
		sync:    deps.sync,
		menus:   deps.menus,
		history: deps.history,
		clock:   deps.clock,
		delays:  delays,
		marker:  meetingMarker,
		logger:  logger.With("component", "dispatcher"),
		timers:  make(map[Timer]struct{}),
	}
}

// Toggle flips one device without the BI trigger. The icon shows loading
// until the backend answers, then the inverse of its prior state.
func (d *Dispatcher) Toggle(name string) (string, error) {
	prev, ok := d.session.setIndicator(name, IndicatorLoading)
	if !ok {
		return "", ErrUnknownDevice
	}
	wasOn := prev == IndicatorOn

	return d.issue(CommandToggle, name, func(ctx context.Context) error {
		return d.backend.ToggleWithoutTrigger(ctx, name)
	}, func() {
		next := IndicatorOn
		if wasOn {
			next = IndicatorOff
		}
		d.session.setIndicator(name, next)
		d.reconcileAfter(d.delays.Toggle)
	}, nil), nil
}

// PowerOnAll starts the fleet power-on sequence, with or without the BI
// webhook.
func (d *Dispatcher) PowerOnAll(withTrigger bool) string {
	d.menus.Close(MenuPower)
	d.session.markLoading(nil)

	kind, call := CommandPowerOnAll, d.backend.PowerOnAllWithTrigger
	if !withTrigger {
		kind, call = CommandPowerOnAllNoTrigger, d.backend.PowerOnAllWithoutTrigger
	}
	return d.issue(kind, "", call, func() {
		d.reconcileAfter(d.delays.PowerOnAll)
	}, nil)
}

// PowerOffExceptMeeting shuts down every device whose sector is not a
// meeting room. confirm must approve PowerOffPrompt.
func (d *Dispatcher) PowerOffExceptMeeting(confirm ConfirmFunc) (string, error) {
	if confirm == nil || !confirm(PowerOffPrompt) {
		return "", ErrNotConfirmed
	}
	marked := d.session.markLoading(func(v DeviceView) bool {
		return !MatchesMarker(v.OriginalSector, d.marker)
	})
	d.logger.Debug("devices marked for shutdown", "count", len(marked))

	return d.issue(CommandPowerOffExceptMeeting, "", d.backend.PowerOffExceptMeeting, func() {
		d.reconcileAfter(d.delays.PowerOffExceptMeeting)
	}, nil), nil
}

// PowerOn turns one device on with the BI trigger. The icon reverts to off
// if the command fails.
func (d *Dispatcher) PowerOn(name string) (string, error) {
	if !d.session.Has(name) {
		return "", ErrUnknownDevice
	}
	d.menus.Close(MenuContext)
	d.session.setIndicator(name, IndicatorLoading)

	return d.issue(CommandPowerOn, name, func(ctx context.Context) error {
		return d.backend.PowerOnWithTrigger(ctx, name)
	}, func() {
		d.reconcileAfter(d.delays.PowerOnOne)
	}, func(error) {
		d.session.setIndicator(name, IndicatorOff)
	}), nil
}

// Reconnect runs the reconnect sequence on one device. The spinner stays on
// for at least the spin delay after the backend answers.
func (d *Dispatcher) Reconnect(name string) (string, error) {
	if !d.session.Has(name) {
		return "", ErrUnknownDevice
	}
	d.session.setSpinning(true)

	done := func() {
		d.schedule(d.delays.ReconnectSpin, func() {
			d.session.setSpinning(false)
			d.menus.Close(MenuContext)
		})
	}
	return d.issue(CommandReconnect, name, func(ctx context.Context) error {
		return d.backend.Reconnect(ctx, name)
	}, func() {
		done()
		d.schedule(d.delays.ReconnectSpin, func() {
			d.reconcileAfter(d.delays.Reconnect)
		})
	}, func(error) {
		done()
	}), nil
}

// History returns the command history.
func (d *Dispatcher) History() *History { return d.history }

// Wait blocks until every in-flight command request has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// issue records the command and runs call in the background. On success
// onSuccess runs; on failure onFailure runs and status is reconciled at once.
func (d *Dispatcher) issue(kind CommandKind, device string, call func(context.Context) error, onSuccess func(), onFailure func(error)) string {
	rec := d.history.Start(kind, device)
	d.logger.Info("command issued", "id", rec.ID, "kind", kind, "device", device)
	d.session.bus.Emit(commandEvent(rec))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		err := call(d.ctx)
		if d.ctx.Err() != nil {
			d.history.Complete(rec.ID, CommandFailed, "cancelled")
			return
		}

		if err != nil {
			status := CommandFailed
			if errors.Is(err, backend.ErrSoftFailure) {
				status = CommandRejected
			}
			d.history.Complete(rec.ID, status, err.Error())
			d.logger.Warn("command failed", "id", rec.ID, "kind", kind, "device", device, "status", status, "err", err)
			if onFailure != nil {
				onFailure(err)
			}
			d.reconcile()
		} else {
			d.history.Complete(rec.ID, CommandAccepted, "")
			d.logger.Info("command accepted", "id", rec.ID, "kind", kind, "device", device)
			if onSuccess != nil {
				onSuccess()
			}
		}

		if final, ok := d.history.Get(rec.ID); ok {
			d.session.bus.Emit(commandEvent(final))
		}
	}()
	return rec.ID
}

func (d *Dispatcher) reconcile() {
	d.sync.RefreshAllStatus(d.ctx)
}

func (d *Dispatcher) reconcileAfter(delay time.Duration) {
	d.schedule(delay, d.reconcile)
}

// schedule runs fn after delay unless the dispatcher has been stopped.
func (d *Dispatcher) schedule(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	var t Timer
	t = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		stopped := d.stopped
		d.mu.Unlock()
		if stopped || d.ctx.Err() != nil {
			return
		}
		fn()
	})
	d.timers[t] = struct{}{}
}

// stop cancels every pending reconciliation.
func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[Timer]struct{})
}

func commandEvent(rec CommandRecord) Event {
	return Event{Type: EventCommand, Data: map[string]interface{}{
		"id":     rec.ID,
		"kind":   string(rec.Kind),
		"device": rec.Device,
		"status": rec.Status,
		"error":  rec.Error,
	}}
}
