//go:build !no_automation

package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tv-fleet-panel/internal/backend"
	"tv-fleet-panel/internal/panel"
)

// fakeBackend serves a fixed fleet status and records command paths.
type fakeBackend struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodGet && r.URL.Path == "/api/status/todas" {
		w.Write([]byte(`{"success": true, "status": {"TI01": {"is_online": true, "is_on": true}, "RECEPCAO": {"is_online": true, "is_on": false}}}`))
		return
	}
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mu.Unlock()
	w.Write([]byte(`{"success": true}`))
}

func (f *fakeBackend) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakeBackend) saw(req string) bool {
	for _, r := range f.requests() {
		if r == req {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T) (*Engine, *panel.Panel, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)

	client, err := backend.NewClient(backend.Config{BaseURL: srv.URL}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	roster := []panel.DeviceSpec{{Name: "TI01", Sector: "TI"}, {Name: "RECEPCAO", Sector: "Recepção"}}
	p, err := panel.New(client, roster, panel.DefaultConfig(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Stop)

	e := NewEngine(p, newTestManager(t), newTestLogger())
	t.Cleanup(e.Stop)
	return e, p, fb
}

func writeScript(t *testing.T, m *Manager, id, meta, code string) {
	t.Helper()
	content := "-- " + meta + "\n" + code
	if err := os.WriteFile(filepath.Join(m.dir, id+".lua"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
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

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"uint64", uint64(7), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"time", time.Unix(100, 0), lua.LTNumber},
		{"named string", panel.CommandAccepted, lua.LTString},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"strings", []string{"a"}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestGoToLuaValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if v := goToLua(L, true); v != lua.LTrue {
		t.Errorf("goToLua(true) = %v", v)
	}
	if v := goToLua(L, panel.IndicatorOn); v.String() != "on" {
		t.Errorf("goToLua(IndicatorOn) = %v, want on", v)
	}

	tbl, ok := goToLua(L, map[string]interface{}{"key": "value", "num": 10}).(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}
	if s := tbl.RawGetString("key"); s.String() != "value" {
		t.Errorf("map[key] = %v", s)
	}
	if n, ok := tbl.RawGetString("num").(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v", tbl.RawGetString("num"))
	}

	list, ok := goToLua(L, []interface{}{"a", "b", "c"}).(*lua.LTable)
	if !ok || list.Len() != 3 || list.RawGetInt(1).String() != "a" {
		t.Errorf("slice = %v", list)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		event   panel.Event
		want    bool
	}{
		{
			"type and device",
			luaEventHandler{eventType: panel.EventIndicatorChanged, device: "TI01"},
			panel.Event{Type: panel.EventIndicatorChanged, Data: map[string]interface{}{"device": "TI01"}},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: panel.EventIndicatorChanged},
			panel.Event{Type: panel.EventCommand, Data: map[string]interface{}{}},
			false,
		},
		{
			"device mismatch",
			luaEventHandler{eventType: panel.EventIndicatorChanged, device: "TI01"},
			panel.Event{Type: panel.EventIndicatorChanged, Data: map[string]interface{}{"device": "TI02"}},
			false,
		},
		{
			"no filter",
			luaEventHandler{eventType: panel.EventTokenPopup},
			panel.Event{Type: panel.EventTokenPopup, Data: map[string]interface{}{"open": true}},
			true,
		},
		{
			"device filter without data",
			luaEventHandler{eventType: panel.EventMenu, device: "TI01"},
			panel.Event{Type: panel.EventMenu},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.event); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{8, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEngineScriptReactsToEvents(t *testing.T) {
	e, p, fb := newTestEngine(t)
	writeScript(t, e.manager, "recepcao", `{"name":"Recepção","enabled":true}`, `
panel.on("indicator_changed", {device = "RECEPCAO"}, function(ev)
    if ev.indicator == "off" and ev.online then
        panel.power_on(ev.device)
    end
end)
`)
	writeScript(t, e.manager, "disabled", `{"name":"Off","enabled":false}`, `
panel.on("indicator_changed", function(ev) panel.toggle("TI01") end)
`)

	e.Start()
	if !e.Running("recepcao") || e.Running("disabled") {
		t.Fatalf("running: recepcao=%v disabled=%v", e.Running("recepcao"), e.Running("disabled"))
	}

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return fb.saw("POST /api/ligar-com-bi/RECEPCAO") })
	p.Dispatcher().Wait()

	for _, req := range fb.requests() {
		if strings.Contains(req, "ligar-sem-bi") {
			t.Errorf("disabled script issued %q", req)
		}
	}
}

func TestEngineReloadScript(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Start()

	writeScript(t, e.manager, "later", `{"name":"Later","enabled":true}`, `panel.log("loaded")`)
	if err := e.ReloadScript("later"); err != nil {
		t.Fatal(err)
	}
	if !e.Running("later") {
		t.Fatal("script not running after reload")
	}

	writeScript(t, e.manager, "later", `{"name":"Later","enabled":false}`, `panel.log("loaded")`)
	if err := e.ReloadScript("later"); err != nil {
		t.Fatal(err)
	}
	if e.Running("later") {
		t.Error("disabled script still running after reload")
	}

	writeScript(t, e.manager, "broken", `{"name":"Broken","enabled":true}`, `panel.on(`)
	if err := e.ReloadScript("broken"); err == nil {
		t.Error("expected error for script with syntax error")
	}
	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestEngineStartupTimeout(t *testing.T) {
	orig := startTimeout
	startTimeout = 50 * time.Millisecond
	t.Cleanup(func() { startTimeout = orig })

	e, _, _ := newTestEngine(t)
	writeScript(t, e.manager, "spin", `{"name":"Spin","enabled":true}`, `while true do end`)
	writeScript(t, e.manager, "ok", `{"name":"OK","enabled":true}`, `panel.log("loaded")`)

	done := make(chan struct{})
	go func() {
		e.Start()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a script that never returns")
	}
	if e.Running("spin") {
		t.Error("looping script registered as running")
	}
	if !e.Running("ok") {
		t.Error("script after the looping one did not start")
	}

	err := e.ReloadScript("spin")
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("ReloadScript err = %v, want timeout", err)
	}
}

func TestEngineSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for _, code := range []string{`os.exit(1)`, `io.open("/etc/passwd")`, `require("x")`, `dofile("x")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("RunLuaCode(%q) succeeded, want sandbox error", code)
		}
	}
}

func TestRunLuaCode(t *testing.T) {
	e, p, fb := newTestEngine(t)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := e.RunLuaCode(`
local devs = panel.devices()
panel.log("devices " .. #devs)
local ti = panel.device("TI01")
panel.log(ti.sector .. " " .. ti.state, "warn")
if panel.device("NOPE") == nil then panel.log("missing") end

local id, err = panel.toggle("NOPE")
panel.log(tostring(id) .. " " .. err)

panel.on("command", function(ev)
    panel.reconnect("TI01")
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"devices 2", "[warn] TI on", "missing", "nil unknown device"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}

	p.Dispatcher().Wait()
	if !fb.saw("POST /api/reconnect/TI01") {
		t.Errorf("handler not invoked, requests = %v", fb.requests())
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if res := e.RunLuaCode(`error("boom")`); res.OK || !strings.Contains(res.Error, "boom") {
		t.Errorf("result = %+v, want boom error", res)
	}
	if res := e.RunLuaCode(`while true do end`); res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v, want timeout", res)
	}
	if res := e.RunScript("missing"); res.OK {
		t.Errorf("RunScript(missing) = %+v", res)
	}
}
