package panel

import (
	"testing"

	"tv-fleet-panel/internal/backend"
)

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatusInterval = 0
	if _, err := New(&stubBackend{}, testRoster, cfg, newTestLogger()); err == nil {
		t.Error("zero status interval accepted")
	}

	if _, err := New(&stubBackend{}, []DeviceSpec{{Name: "A"}, {Name: "A"}}, DefaultConfig(), newTestLogger()); err == nil {
		t.Error("duplicate roster accepted")
	}
}

func TestPanelStartStop(t *testing.T) {
	f := false
	be := &stubBackend{
		status: backend.StatusSnapshot{"TV1": {IsOnline: true, IsOn: true}},
		token:  backend.TokenStatus{Sucesso: &f, Erro: "senha expirada"},
	}
	p, _ := newTestPanel(t, be)

	p.Start()
	waitFor(t, func() bool {
		v := p.Session().View()
		return v.TokenPopup.Open && !v.LastReconciled.IsZero()
	})
	p.Stop()

	if got := mustDevice(t, p, "TV1").Indicator; got != IndicatorOn {
		t.Errorf("TV1 = %s, want on", got)
	}
	if got := p.Session().View().TokenPopup.Message; got != "senha expirada" {
		t.Errorf("popup message = %q", got)
	}
}

func TestInitialState(t *testing.T) {
	p, _ := newTestPanel(t, &stubBackend{})
	v := p.Session().View()

	if len(v.Devices) != len(testRoster) {
		t.Fatalf("devices = %d", len(v.Devices))
	}
	for i, d := range v.Devices {
		if d.Name != testRoster[i].Name || d.OriginalSector != testRoster[i].Sector || d.Indicator != IndicatorLoading {
			t.Errorf("device %d = %+v", i, d)
		}
	}
	if v.PowerMenu.Phase != MenuClosed || v.ContextMenu.Phase != MenuClosed {
		t.Error("menus not closed")
	}
	if v.TokenPopup.Open || v.TokenPopup.Retry != RetryIdle {
		t.Errorf("token popup = %+v", v.TokenPopup)
	}
}
