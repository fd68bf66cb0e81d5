package panel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tv-fleet-panel/internal/backend"
)

func tokenPopup(p *Panel) TokenPopup {
	return p.Session().View().TokenPopup
}

func TestTokenPopupGating(t *testing.T) {
	f, tr := false, true
	tests := []struct {
		name string
		st   backend.TokenStatus
		open bool
	}{
		{"no attempt yet", backend.TokenStatus{}, false},
		{"success", backend.TokenStatus{Sucesso: &tr}, false},
		{"failed without message", backend.TokenStatus{Sucesso: &f}, false},
		{"failed with message", backend.TokenStatus{Sucesso: &f, Erro: "login recusado"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPanel(t, &stubBackend{token: tt.st})
			if err := p.Tokens().Poll(context.Background()); err != nil {
				t.Fatal(err)
			}
			popup := tokenPopup(p)
			if popup.Open != tt.open {
				t.Errorf("open = %v, want %v", popup.Open, tt.open)
			}
			if tt.open && popup.Message != tt.st.Erro {
				t.Errorf("message = %q", popup.Message)
			}
		})
	}
}

func TestTokenMonitorRun(t *testing.T) {
	be := &stubBackend{}
	p, _ := newTestPanelWith(t, be, func(cfg *Config) { cfg.TokenInterval = 10 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Tokens().Run(ctx) }()

	waitFor(t, func() bool { return be.TokenCalls() >= 3 })
	if tokenPopup(p).Open {
		t.Fatal("popup open before any failure")
	}

	f := false
	be.setToken(backend.TokenStatus{Sucesso: &f, Erro: "senha expirada"})
	waitFor(t, func() bool { return tokenPopup(p).Open })
	if msg := tokenPopup(p).Message; msg != "senha expirada" {
		t.Errorf("message = %q", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	calls := be.TokenCalls()
	time.Sleep(50 * time.Millisecond)
	if got := be.TokenCalls(); got != calls {
		t.Errorf("token status polled %d more times after cancel", got-calls)
	}
}

func TestTokenPopupDebounced(t *testing.T) {
	f := false
	last := "2025-01-01 02:00:00"
	p, _ := newTestPanel(t, &stubBackend{token: backend.TokenStatus{Sucesso: &f, Erro: "x", UltimaTentativa: &last}})

	var shown atomic.Int32
	p.Events().On(EventTokenPopup, func(Event) { shown.Add(1) })

	ctx := context.Background()
	p.Tokens().Poll(ctx)
	p.Tokens().Poll(ctx)
	p.Tokens().Poll(ctx)

	if n := shown.Load(); n != 1 {
		t.Errorf("popup events = %d, want 1", n)
	}
	if got := tokenPopup(p).LastAttempt; got != last {
		t.Errorf("last attempt = %q", got)
	}
}

func TestTokenPopupDefaultMessage(t *testing.T) {
	p, _ := newTestPanel(t, &stubBackend{})
	p.Tokens().show("", "")
	if got := tokenPopup(p).Message; got != defaultTokenError {
		t.Errorf("message = %q", got)
	}
}

func TestTokenPollError(t *testing.T) {
	p, _ := newTestPanel(t, &stubBackend{tokenErr: errors.New("refused")})
	if err := p.Tokens().Poll(context.Background()); err == nil {
		t.Error("expected error")
	}
	if tokenPopup(p).Open {
		t.Error("popup opened on poll error")
	}
}

func TestTokenRetrySuccess(t *testing.T) {
	gate := make(chan struct{})
	be := &stubBackend{renewGate: gate}
	p, clock := newTestPanel(t, be)
	tm := p.Tokens()
	tm.show("expirado", "")

	if err := tm.Retry(); err != nil {
		t.Fatal(err)
	}
	popup := tokenPopup(p)
	if popup.Retry != RetryPending || popup.RetryLabel != "Tentando..." || popup.RetryEnabled {
		t.Errorf("pending popup = %+v", popup)
	}
	if err := tm.Retry(); !errors.Is(err, ErrRetryPending) {
		t.Errorf("second retry err = %v, want ErrRetryPending", err)
	}

	close(gate)
	tm.Wait()

	popup = tokenPopup(p)
	if popup.RetryLabel != "Iniciado!" || !popup.Open {
		t.Errorf("after success popup = %+v", popup)
	}
	if n := clock.Fire(retryResetDelay); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	popup = tokenPopup(p)
	if popup.Open || popup.Retry != RetryIdle || !popup.RetryEnabled {
		t.Errorf("after reset popup = %+v", popup)
	}
	if calls := be.Calls(); len(calls) != 1 || calls[0] != "renovar" {
		t.Errorf("calls = %v", calls)
	}
}

func TestTokenRetryFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		label string
	}{
		{"soft failure", &backend.SoftFailure{Path: "/api/token/renovar"}, "Erro ao iniciar"},
		{"transport error", errors.New("refused"), "Erro de conexão"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, clock := newTestPanel(t, &stubBackend{renewErr: tt.err})
			tm := p.Tokens()
			tm.show("expirado", "")

			tm.Retry()
			tm.Wait()
			if got := tokenPopup(p).RetryLabel; got != tt.label {
				t.Errorf("label = %q, want %q", got, tt.label)
			}

			clock.Fire(retryResetDelay)
			popup := tokenPopup(p)
			if !popup.Open || popup.Retry != RetryIdle || popup.RetryLabel != "Tentar novamente" {
				t.Errorf("after reset popup = %+v", popup)
			}
		})
	}
}

func TestTokenDismiss(t *testing.T) {
	p, _ := newTestPanel(t, &stubBackend{})
	p.Tokens().show("expirado", "")
	p.Tokens().Dismiss()
	if tokenPopup(p).Open {
		t.Error("popup still open")
	}
}

func TestTokenSchedule(t *testing.T) {
	be := &stubBackend{schedule: backend.TokenSchedule{Horario: "02:00", Ativo: true}}
	p, _ := newTestPanel(t, be)
	ctx := context.Background()

	sched, err := p.Tokens().Schedule(ctx)
	if err != nil || sched.Horario != "02:00" {
		t.Fatalf("schedule = %+v, %v", sched, err)
	}

	for _, bad := range []string{"24:00", "2:00", "02:60", "abc", ""} {
		if err := p.Tokens().SetSchedule(ctx, bad); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("SetSchedule(%q) err = %v, want ErrInvalidSchedule", bad, err)
		}
	}
	if err := p.Tokens().SetSchedule(ctx, "23:59"); err != nil {
		t.Fatal(err)
	}
	if be.setSchedule != "23:59" {
		t.Errorf("backend schedule = %q", be.setSchedule)
	}
}
