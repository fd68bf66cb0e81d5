package panel

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"tv-fleet-panel/internal/backend"
)

func TestNewSessionRejectsBadRoster(t *testing.T) {
	bus := NewEventBus(newTestLogger())
	if _, err := NewSession([]DeviceSpec{{Name: ""}}, bus); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := NewSession([]DeviceSpec{{Name: "A"}, {Name: "A"}}, bus); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestRefreshAllStatus(t *testing.T) {
	be := &stubBackend{status: backend.StatusSnapshot{
		"TV1":   {IsOnline: true, IsOn: true},
		"TV2":   {IsOnline: true, IsOn: false},
		"TV3":   {IsOnline: false, IsOn: true},
		"GHOST": {IsOnline: true, IsOn: true},
	}}
	p, _ := newTestPanel(t, be)

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := map[string]Indicator{"TV1": IndicatorOn, "TV2": IndicatorOff, "TV3": IndicatorOff}
	if got := indicators(p); !reflect.DeepEqual(got, want) {
		t.Errorf("indicators = %v, want %v", got, want)
	}

	tv3 := mustDevice(t, p, "TV3")
	if tv3.Online {
		t.Error("TV3 should be offline")
	}
	if tv3.Sector != "reuniao-b - Offline" {
		t.Errorf("TV3 sector = %q", tv3.Sector)
	}
	if tv3.OriginalSector != "reuniao-b" {
		t.Errorf("TV3 original sector = %q", tv3.OriginalSector)
	}
	if _, ok := p.Session().Device("GHOST"); ok {
		t.Error("device outside roster was added")
	}
	if p.Session().View().LastReconciled.IsZero() {
		t.Error("last reconciled time not set")
	}
}

func TestRefreshRestoresLabelWhenBackOnline(t *testing.T) {
	be := &stubBackend{status: backend.StatusSnapshot{"TV2": {IsOnline: false}}}
	p, _ := newTestPanel(t, be)
	ctx := context.Background()

	p.Refresh(ctx)
	p.Refresh(ctx)
	if s := mustDevice(t, p, "TV2").Sector; s != "TI - Offline" {
		t.Fatalf("sector = %q, want suffix applied once", s)
	}

	be.setStatus(backend.StatusSnapshot{"TV2": {IsOnline: true, IsOn: true}})
	p.Refresh(ctx)
	d := mustDevice(t, p, "TV2")
	if d.Sector != "TI" || !d.Online || d.Indicator != IndicatorOn {
		t.Errorf("device = %+v", d)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	be := &stubBackend{status: backend.StatusSnapshot{
		"TV1": {IsOnline: true, IsOn: true},
		"TV2": {IsOnline: false},
		"TV3": {IsOnline: true},
	}}
	p, _ := newTestPanel(t, be)
	ctx := context.Background()

	p.Refresh(ctx)
	first := p.Session().Devices()

	var changes atomic.Int32
	p.Events().On(EventIndicatorChanged, func(Event) { changes.Add(1) })

	p.Refresh(ctx)
	if got := p.Session().Devices(); !reflect.DeepEqual(got, first) {
		t.Errorf("second refresh changed state:\n got %+v\nwant %+v", got, first)
	}
	if c := changes.Load(); c != 0 {
		t.Errorf("second refresh emitted %d indicator events", c)
	}
}

func TestRefreshOverwritesOptimisticState(t *testing.T) {
	be := &stubBackend{status: backend.StatusSnapshot{"TV1": {IsOnline: true}}}
	p, _ := newTestPanel(t, be)

	p.Session().markLoading(nil)
	p.Refresh(context.Background())

	if got := mustDevice(t, p, "TV1").Indicator; got != IndicatorOff {
		t.Errorf("TV1 = %s, want off", got)
	}
}

func TestRefreshErrorLeavesState(t *testing.T) {
	be := &stubBackend{statusErr: &backend.SoftFailure{Path: "/api/status/todas"}}
	p, _ := newTestPanel(t, be)

	err := p.Refresh(context.Background())
	if !errors.Is(err, backend.ErrSoftFailure) {
		t.Fatalf("err = %v, want soft failure", err)
	}
	if got := mustDevice(t, p, "TV1").Indicator; got != IndicatorLoading {
		t.Errorf("TV1 = %s, want untouched loading", got)
	}
}

func TestStaleSnapshotDropped(t *testing.T) {
	s, err := NewSession(testRoster, NewEventBus(newTestLogger()))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if !s.applySnapshot(2, backend.StatusSnapshot{"TV1": {IsOnline: true, IsOn: true}}, now) {
		t.Fatal("newer snapshot not applied")
	}
	if s.applySnapshot(1, backend.StatusSnapshot{"TV1": {IsOnline: true, IsOn: false}}, now) {
		t.Error("older snapshot applied")
	}
	if d, _ := s.Device("TV1"); d.Indicator != IndicatorOn {
		t.Errorf("TV1 = %s, want on", d.Indicator)
	}
}

func TestSynchronizerRun(t *testing.T) {
	be := &stubBackend{status: backend.StatusSnapshot{"TV1": {IsOnline: true, IsOn: true}}}
	sess, err := NewSession(testRoster, NewEventBus(newTestLogger()))
	if err != nil {
		t.Fatal(err)
	}
	s := newSynchronizer(sess, be, 10*time.Millisecond, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return be.StatusCalls() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if d, _ := sess.Device("TV1"); d.Indicator != IndicatorOn {
		t.Errorf("TV1 = %s, want on", d.Indicator)
	}
}
