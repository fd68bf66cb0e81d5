package panel

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"tv-fleet-panel/internal/backend"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- fake clock ---

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fire runs every pending timer scheduled with delay d and returns how many
// ran. Timers scheduled by the callbacks are left pending.
func (c *fakeClock) Fire(d time.Duration) int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.delay == d {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// Pending returns the delays of timers that have neither fired nor stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- stub backend ---

type stubBackend struct {
	mu sync.Mutex

	status      backend.StatusSnapshot
	statusErr   error
	statusCalls int

	cmdErr error
	calls  []string

	logs      []backend.LogEntry
	logsErr   error
	logsCalls int

	token      backend.TokenStatus
	tokenErr   error
	tokenCalls int
	renewErr   error
	renewGate  chan struct{}

	schedule    backend.TokenSchedule
	setSchedule string
}

func (b *stubBackend) record(call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	return b.cmdErr
}

func (b *stubBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *stubBackend) StatusCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls
}

func (b *stubBackend) setStatus(snap backend.StatusSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = snap
}

func (b *stubBackend) FleetStatus(ctx context.Context) (backend.StatusSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if b.statusErr != nil {
		return nil, b.statusErr
	}
	out := make(backend.StatusSnapshot, len(b.status))
	for k, v := range b.status {
		out[k] = v
	}
	return out, nil
}

func (b *stubBackend) ToggleWithoutTrigger(ctx context.Context, name string) error {
	return b.record("toggle:" + name)
}

func (b *stubBackend) PowerOnWithTrigger(ctx context.Context, name string) error {
	return b.record("power-on:" + name)
}

func (b *stubBackend) PowerOnAllWithTrigger(ctx context.Context) error {
	return b.record("executar")
}

func (b *stubBackend) PowerOnAllWithoutTrigger(ctx context.Context) error {
	return b.record("religar")
}

func (b *stubBackend) PowerOffExceptMeeting(ctx context.Context) error {
	return b.record("desligar")
}

func (b *stubBackend) Reconnect(ctx context.Context, name string) error {
	return b.record("reconnect:" + name)
}

func (b *stubBackend) TokenStatus(ctx context.Context) (backend.TokenStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenCalls++
	return b.token, b.tokenErr
}

func (b *stubBackend) TokenCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokenCalls
}

func (b *stubBackend) setToken(st backend.TokenStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = st
}

func (b *stubBackend) RenewToken(ctx context.Context) error {
	if b.renewGate != nil {
		<-b.renewGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "renovar")
	return b.renewErr
}

func (b *stubBackend) TokenSchedule(ctx context.Context) (backend.TokenSchedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.schedule, nil
}

func (b *stubBackend) SetTokenSchedule(ctx context.Context, horario string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setSchedule = horario
	return nil
}

func (b *stubBackend) Logs(ctx context.Context) ([]backend.LogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logsCalls++
	if b.logsErr != nil {
		return nil, b.logsErr
	}
	return append([]backend.LogEntry(nil), b.logs...), nil
}

func (b *stubBackend) LogsCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logsCalls
}

func (b *stubBackend) ClearLogs(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "limpar")
	b.logs = nil
	return b.cmdErr
}

// --- panel fixture ---

var testRoster = []DeviceSpec{
	{Name: "TV1", Sector: "Sala de Reunião A"},
	{Name: "TV2", Sector: "TI"},
	{Name: "TV3", Sector: "reuniao-b"},
}

func newTestPanel(t *testing.T, be *stubBackend) (*Panel, *fakeClock) {
	t.Helper()
	return newTestPanelWith(t, be, nil)
}

// newTestPanelWith builds a test panel after applying configure to its config.
func newTestPanelWith(t *testing.T, be *stubBackend, configure func(*Config)) (*Panel, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	cfg := DefaultConfig()
	cfg.LogInterval = time.Hour
	if configure != nil {
		configure(&cfg)
	}
	p, err := New(be, testRoster, cfg, newTestLogger(), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Stop)
	return p, clock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func indicators(p *Panel) map[string]Indicator {
	out := make(map[string]Indicator)
	for _, d := range p.Session().Devices() {
		out[d.Name] = d.Indicator
	}
	return out
}

func mustDevice(t *testing.T, p *Panel, name string) DeviceView {
	t.Helper()
	d, ok := p.Session().Device(name)
	if !ok {
		t.Fatalf("device %q not found", name)
	}
	return d
}
