package panel

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tv-fleet-panel/internal/backend"
)

const (
	noLogsPlaceholder = "Nenhum log encontrado para esta TV."
	logLoadError      = "Erro ao carregar logs."
)

var errStaleView = errors.New("log view changed")

// LogLine is one displayed log entry.
type LogLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Class     string `json:"class"`
}

// LogView is the state of the log modal.
type LogView struct {
	Open        bool      `json:"open"`
	Device      string    `json:"device,omitempty"`
	Title       string    `json:"title,omitempty"`
	Loading     bool      `json:"loading"`
	Entries     []LogLine `json:"entries"`
	Placeholder string    `json:"placeholder,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// FilterLogs keeps the entries that mention device (case-insensitive) or the
// global marker, newest first.
func FilterLogs(entries []backend.LogEntry, device, globalMarker string) []backend.LogEntry {
	dev := strings.ToLower(device)
	global := strings.ToLower(globalMarker)
	var out []backend.LogEntry
	for i := len(entries) - 1; i >= 0; i-- {
		msg := strings.ToLower(entries[i].Mensagem)
		if strings.Contains(msg, dev) || (global != "" && strings.Contains(msg, global)) {
			out = append(out, entries[i])
		}
	}
	return out
}

func logClass(tipo string) string {
	switch tipo {
	case backend.LogError:
		return "error"
	case backend.LogSuccess:
		return "success"
	case backend.LogWarning:
		return "warning"
	default:
		return "info"
	}
}

// LogViewer polls the shared log stream for the device whose log modal is
// open. Only one view polls at a time.
type LogViewer struct {
	ctx      context.Context
	session  *Session
	backend  Backend
	interval time.Duration
	marker   string
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLogViewer(ctx context.Context, session *Session, be Backend, interval time.Duration, globalMarker string, logger *slog.Logger) *LogViewer {
	return &LogViewer{
		ctx:      ctx,
		session:  session,
		backend:  be,
		interval: interval,
		marker:   globalMarker,
		logger:   logger.With("component", "logs"),
	}
}

// Open shows the log view for device and starts polling it, replacing any
// view that was open.
func (lv *LogViewer) Open(device string) error {
	// lv.mu is held across the generation bump so the loop swap matches it.
	lv.mu.Lock()
	s := lv.session
	s.mu.Lock()
	if _, ok := s.devices[device]; !ok {
		s.mu.Unlock()
		lv.mu.Unlock()
		return ErrUnknownDevice
	}
	s.logGen++
	gen := s.logGen
	s.logView = LogView{Open: true, Device: device, Title: "Logs - " + device, Loading: true}
	ev := logViewEvent(s.logView)
	s.mu.Unlock()

	if lv.cancel != nil {
		lv.cancel()
	}
	ctx, cancel := context.WithCancel(lv.ctx)
	lv.cancel = cancel
	lv.wg.Add(1)
	lv.mu.Unlock()

	s.bus.Emit(ev)
	go func() {
		defer lv.wg.Done()
		lv.poll(ctx, gen)
	}()
	lv.logger.Debug("log view opened", "device", device)
	return nil
}

// Close hides the log view and stops polling.
func (lv *LogViewer) Close() {
	lv.mu.Lock()
	if lv.cancel != nil {
		lv.cancel()
		lv.cancel = nil
	}
	s := lv.session
	s.mu.Lock()
	wasOpen := s.logView.Open
	s.logGen++
	s.logView = LogView{}
	ev := logViewEvent(s.logView)
	s.mu.Unlock()
	lv.mu.Unlock()
	if wasOpen {
		s.bus.Emit(ev)
	}
}

// Refresh fetches the log stream for the open view, if any.
func (lv *LogViewer) Refresh(ctx context.Context) error {
	s := lv.session
	s.mu.Lock()
	open, gen := s.logView.Open, s.logGen
	s.mu.Unlock()
	if !open {
		return nil
	}
	if err := lv.refresh(ctx, gen); !errors.Is(err, errStaleView) {
		return err
	}
	return nil
}

// Clear empties the backend log stream and refreshes the open view.
func (lv *LogViewer) Clear(ctx context.Context) error {
	if err := lv.backend.ClearLogs(ctx); err != nil {
		lv.logger.Warn("clear logs failed", "err", err)
		return err
	}
	lv.logger.Info("backend logs cleared")
	return lv.Refresh(ctx)
}

// Wait blocks until polling loops have exited.
func (lv *LogViewer) Wait() { lv.wg.Wait() }

// poll refreshes the view opened at generation gen until ctx is cancelled or
// the view is closed or retargeted.
func (lv *LogViewer) poll(ctx context.Context, gen uint64) {
	if errors.Is(lv.refresh(ctx, gen), errStaleView) {
		return
	}

	ticker := time.NewTicker(lv.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if errors.Is(lv.refresh(ctx, gen), errStaleView) {
				return
			}
		}
	}
}

// refresh fetches and applies logs for the view opened at generation gen.
// Results for a closed or retargeted view are discarded with errStaleView.
func (lv *LogViewer) refresh(ctx context.Context, gen uint64) error {
	s := lv.session
	s.mu.Lock()
	if s.logGen != gen || !s.logView.Open {
		s.mu.Unlock()
		return errStaleView
	}
	device := s.logView.Device
	s.mu.Unlock()

	entries, err := lv.backend.Logs(ctx)

	s.mu.Lock()
	if s.logGen != gen || !s.logView.Open || s.logView.Device != device {
		s.mu.Unlock()
		lv.logger.Debug("stale log response dropped", "device", device)
		return errStaleView
	}
	view := &s.logView
	view.Loading = false
	switch {
	case errors.Is(err, backend.ErrSoftFailure):
		// no logs in the response: keep what is shown
	case err != nil:
		view.Entries = nil
		view.Placeholder = ""
		view.Error = logLoadError
	default:
		filtered := FilterLogs(entries, device, lv.marker)
		view.Error = ""
		view.Entries = make([]LogLine, 0, len(filtered))
		for _, e := range filtered {
			view.Entries = append(view.Entries, LogLine{
				Timestamp: e.Timestamp,
				Level:     e.Tipo,
				Message:   e.Mensagem,
				Class:     logClass(e.Tipo),
			})
		}
		view.Placeholder = ""
		if len(view.Entries) == 0 {
			view.Placeholder = noLogsPlaceholder
		}
		view.UpdatedAt = time.Now()
	}
	ev := logViewEvent(*view)
	s.mu.Unlock()
	s.bus.Emit(ev)

	if err != nil && ctx.Err() == nil {
		lv.logger.Warn("fetch logs failed", "device", device, "err", err)
	}
	return err
}

func logViewEvent(v LogView) Event {
	return Event{Type: EventLogView, Data: map[string]interface{}{
		"open":    v.Open,
		"device":  v.Device,
		"entries": len(v.Entries),
		"error":   v.Error,
	}}
}
