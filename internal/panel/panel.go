package panel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds panel timing and matching settings.
type Config struct {
	StatusInterval  time.Duration
	TokenInterval   time.Duration
	LogInterval     time.Duration
	Delays          Delays
	MeetingMarker   string
	GlobalLogMarker string
	HistorySize     int
}

// DefaultConfig returns the stock panel settings.
func DefaultConfig() Config {
	return Config{
		StatusInterval:  30 * time.Second,
		TokenInterval:   5 * time.Second,
		LogInterval:     5 * time.Second,
		Delays:          DefaultDelays(),
		MeetingMarker:   "reuniao",
		GlobalLogMarker: "todas",
		HistorySize:     50,
	}
}

// Option configures a Panel.
type Option func(*Panel)

// WithClock replaces the clock used for delayed reconciliation and menu
// animation.
func WithClock(c Clock) Option {
	return func(p *Panel) { p.clock = c }
}

// Panel owns the session and every component acting on it.
type Panel struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger

	bus        *EventBus
	session    *Session
	sync       *Synchronizer
	dispatcher *Dispatcher
	logs       *LogViewer
	tokens     *TokenMonitor
	menus      *Menus
	history    *History

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a panel for roster driven by be.
func New(be Backend, roster []DeviceSpec, cfg Config, logger *slog.Logger, opts ...Option) (*Panel, error) {
	if cfg.StatusInterval <= 0 || cfg.TokenInterval <= 0 || cfg.LogInterval <= 0 {
		return nil, fmt.Errorf("panel: poll intervals must be positive")
	}

	p := &Panel{
		cfg:    cfg,
		clock:  realClock{},
		logger: logger.With("component", "panel"),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.bus = NewEventBus(logger)
	session, err := NewSession(roster, p.bus)
	if err != nil {
		return nil, err
	}
	p.session = session
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.history = NewHistory(cfg.HistorySize)
	p.sync = newSynchronizer(session, be, cfg.StatusInterval, logger)
	p.menus = newMenus(session, p.clock, logger)
	p.logs = newLogViewer(p.ctx, session, be, cfg.LogInterval, cfg.GlobalLogMarker, logger)
	p.tokens = newTokenMonitor(p.ctx, session, be, p.clock, cfg.TokenInterval, logger)
	p.dispatcher = newDispatcher(p.ctx, dispatcherDeps{
		session: session,
		backend: be,
		sync:    p.sync,
		menus:   p.menus,
		history: p.history,
		clock:   p.clock,
	}, cfg.Delays, cfg.MeetingMarker, logger)

	return p, nil
}

// Start launches the status and token polling loops.
func (p *Panel) Start() {
	g, ctx := errgroup.WithContext(p.ctx)
	g.Go(func() error { return p.sync.Run(ctx) })
	g.Go(func() error { return p.tokens.Run(ctx) })
	p.group = g
	p.logger.Info("panel started", "devices", len(p.session.order),
		"status_interval", p.cfg.StatusInterval, "token_interval", p.cfg.TokenInterval)
}

// Stop cancels polling, pending reconciliations and in-flight requests, then
// waits for them to return.
func (p *Panel) Stop() {
	p.dispatcher.stop()
	p.cancel()
	if p.group != nil {
		if err := p.group.Wait(); err != nil {
			p.logger.Error("panel loop error", "err", err)
		}
	}
	p.logs.Wait()
	p.dispatcher.Wait()
	p.tokens.Wait()
	p.logger.Info("panel stopped")
}

// HandleClick dismisses menus the click landed outside of and closes the log
// view on a backdrop click.
func (p *Panel) HandleClick(target ClickTarget) {
	p.menus.HandleClick(target)
	if target.OnLogBackdrop {
		p.logs.Close()
	}
}

// Refresh forces a status reconciliation.
func (p *Panel) Refresh(ctx context.Context) error {
	return p.sync.RefreshAllStatus(ctx)
}

// Events returns the event bus.
func (p *Panel) Events() *EventBus { return p.bus }

// Session returns the session state.
func (p *Panel) Session() *Session { return p.session }

// Dispatcher returns the command dispatcher.
func (p *Panel) Dispatcher() *Dispatcher { return p.dispatcher }

// Logs returns the log viewer.
func (p *Panel) Logs() *LogViewer { return p.logs }

// Tokens returns the token monitor.
func (p *Panel) Tokens() *TokenMonitor { return p.tokens }

// Menus returns the menu controller.
func (p *Panel) Menus() *Menus { return p.menus }

// Synchronizer returns the status synchronizer.
func (p *Panel) Synchronizer() *Synchronizer { return p.sync }
