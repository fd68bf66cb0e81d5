package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"tv-fleet-panel/internal/backend"
)

const (
	defaultTokenError = "Falha na renovação automática"
	retryResetDelay   = 2 * time.Second
)

// RetryState is the state of the token popup's retry control.
type RetryState string

const (
	RetryIdle      RetryState = "idle"
	RetryPending   RetryState = "pending"
	RetrySucceeded RetryState = "succeeded"
	RetryRejected  RetryState = "rejected"
	RetryFailed    RetryState = "failed"
)

var retryLabels = map[RetryState]string{
	RetryIdle:      "Tentar novamente",
	RetryPending:   "Tentando...",
	RetrySucceeded: "Iniciado!",
	RetryRejected:  "Erro ao iniciar",
	RetryFailed:    "Erro de conexão",
}

// TokenPopup is the state of the token failure popup.
type TokenPopup struct {
	Open         bool       `json:"open"`
	Message      string     `json:"message,omitempty"`
	LastAttempt  string     `json:"last_attempt,omitempty"`
	Retry        RetryState `json:"retry"`
	RetryLabel   string     `json:"retry_label"`
	RetryEnabled bool       `json:"retry_enabled"`
}

func idleTokenPopup() TokenPopup {
	return TokenPopup{Retry: RetryIdle, RetryLabel: retryLabels[RetryIdle], RetryEnabled: true}
}

func (p *TokenPopup) setRetry(state RetryState) {
	p.Retry = state
	p.RetryLabel = retryLabels[state]
	p.RetryEnabled = state == RetryIdle
}

var scheduleFormat = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// TokenMonitor watches the backend's token renewal status and drives the
// failure popup and its retry control.
type TokenMonitor struct {
	ctx      context.Context
	session  *Session
	backend  Backend
	clock    Clock
	interval time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

func newTokenMonitor(ctx context.Context, session *Session, be Backend, clock Clock, interval time.Duration, logger *slog.Logger) *TokenMonitor {
	return &TokenMonitor{
		ctx:      ctx,
		session:  session,
		backend:  be,
		clock:    clock,
		interval: interval,
		logger:   logger.With("component", "token"),
	}
}

// Poll checks the renewal status once and shows the popup on failure.
func (tm *TokenMonitor) Poll(ctx context.Context) error {
	st, err := tm.backend.TokenStatus(ctx)
	if err != nil {
		tm.logger.Debug("token status unavailable", "err", err)
		return fmt.Errorf("token status: %w", err)
	}
	if !st.Failed() {
		return nil
	}
	last := ""
	if st.UltimaTentativa != nil {
		last = *st.UltimaTentativa
	}
	tm.show(st.Erro, last)
	return nil
}

// Run polls immediately and then on every interval until ctx is done.
func (tm *TokenMonitor) Run(ctx context.Context) error {
	tm.Poll(ctx)

	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tm.Poll(ctx)
		}
	}
}

// show opens the popup with message. Showing the same message again while
// the popup is open changes nothing.
func (tm *TokenMonitor) show(message, lastAttempt string) {
	if message == "" {
		message = defaultTokenError
	}
	s := tm.session
	s.mu.Lock()
	if s.token.Open && s.token.Message == message {
		s.mu.Unlock()
		return
	}
	s.token.Open = true
	s.token.Message = message
	s.token.LastAttempt = lastAttempt
	ev := tokenEvent(s.token)
	s.mu.Unlock()

	tm.logger.Warn("token renewal failed", "err", message, "last_attempt", lastAttempt)
	s.bus.Emit(ev)
}

// Dismiss closes the popup.
func (tm *TokenMonitor) Dismiss() {
	s := tm.session
	s.mu.Lock()
	if !s.token.Open {
		s.mu.Unlock()
		return
	}
	s.token.Open = false
	ev := tokenEvent(s.token)
	s.mu.Unlock()
	s.bus.Emit(ev)
}

// Retry asks the backend to renew the token. The request runs in the
// background; the control reports its outcome for two seconds.
func (tm *TokenMonitor) Retry() error {
	s := tm.session
	s.mu.Lock()
	if s.token.Retry != RetryIdle {
		s.mu.Unlock()
		return ErrRetryPending
	}
	s.tokenGen++
	gen := s.tokenGen
	s.token.setRetry(RetryPending)
	ev := tokenEvent(s.token)
	s.mu.Unlock()
	s.bus.Emit(ev)

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		err := tm.backend.RenewToken(tm.ctx)

		state := RetrySucceeded
		switch {
		case errors.Is(err, backend.ErrSoftFailure):
			state = RetryRejected
			tm.logger.Warn("token renewal rejected", "err", err)
		case err != nil:
			state = RetryFailed
			tm.logger.Warn("token renewal request failed", "err", err)
		default:
			tm.logger.Info("token renewal started")
		}

		s.mu.Lock()
		if s.tokenGen != gen {
			s.mu.Unlock()
			return
		}
		s.token.setRetry(state)
		ev := tokenEvent(s.token)
		s.mu.Unlock()
		s.bus.Emit(ev)

		tm.clock.AfterFunc(retryResetDelay, func() { tm.resetRetry(gen, state == RetrySucceeded) })
	}()
	return nil
}

// Wait blocks until in-flight retries have returned.
func (tm *TokenMonitor) Wait() { tm.wg.Wait() }

func (tm *TokenMonitor) resetRetry(gen uint64, closePopup bool) {
	s := tm.session
	s.mu.Lock()
	if s.tokenGen != gen {
		s.mu.Unlock()
		return
	}
	s.token.setRetry(RetryIdle)
	if closePopup {
		s.token.Open = false
	}
	ev := tokenEvent(s.token)
	s.mu.Unlock()
	s.bus.Emit(ev)
}

// Schedule returns the daily renewal schedule.
func (tm *TokenMonitor) Schedule(ctx context.Context) (backend.TokenSchedule, error) {
	return tm.backend.TokenSchedule(ctx)
}

// SetSchedule sets the daily renewal time. horario must be HH:MM.
func (tm *TokenMonitor) SetSchedule(ctx context.Context, horario string) error {
	if !scheduleFormat.MatchString(horario) {
		return fmt.Errorf("%w %q: want HH:MM", ErrInvalidSchedule, horario)
	}
	if err := tm.backend.SetTokenSchedule(ctx, horario); err != nil {
		return err
	}
	tm.logger.Info("token schedule updated", "horario", horario)
	return nil
}

func tokenEvent(p TokenPopup) Event {
	return Event{Type: EventTokenPopup, Data: map[string]interface{}{
		"open":    p.Open,
		"message": p.Message,
		"retry":   string(p.Retry),
	}}
}
