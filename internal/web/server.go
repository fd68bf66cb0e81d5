package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"tv-fleet-panel/internal/automation"
	"tv-fleet-panel/internal/panel"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server serves the panel page, its JSON API and the event stream.
type Server struct {
	panel          *panel.Panel
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a web server for p.
func NewServer(p *panel.Panel, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Parse each page separately with the layout to avoid {{define "content"}} conflicts.
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "automations.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		panel:     p,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = p.Events().OnAll(func(event panel.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /automations", s.handleAutomationsPage)

	// Panel
	s.mux.HandleFunc("GET /api/panel/state", s.handleAPIState)
	s.mux.HandleFunc("POST /api/panel/refresh", s.handleAPIRefresh)
	s.mux.HandleFunc("POST /api/panel/devices/{name}/toggle", s.handleAPIToggle)
	s.mux.HandleFunc("POST /api/panel/devices/{name}/power-on", s.handleAPIPowerOn)
	s.mux.HandleFunc("POST /api/panel/devices/{name}/reconnect", s.handleAPIReconnect)
	s.mux.HandleFunc("POST /api/panel/power-on-all", s.handleAPIPowerOnAll)
	s.mux.HandleFunc("POST /api/panel/power-off-except-meeting", s.handleAPIPowerOffExceptMeeting)
	s.mux.HandleFunc("GET /api/panel/commands", s.handleAPICommands)
	s.mux.HandleFunc("POST /api/panel/menus/context/{name}", s.handleAPIContextMenu)
	s.mux.HandleFunc("POST /api/panel/menus/power", s.handleAPIPowerMenu)
	s.mux.HandleFunc("POST /api/panel/menus/close", s.handleAPICloseMenus)
	s.mux.HandleFunc("POST /api/panel/ui/click", s.handleAPIClick)
	s.mux.HandleFunc("POST /api/panel/ui/scroll", s.handleAPIScroll)
	s.mux.HandleFunc("POST /api/panel/logs/clear", s.handleAPIClearLogs)
	s.mux.HandleFunc("POST /api/panel/logs/{name}", s.handleAPIOpenLogs)
	s.mux.HandleFunc("DELETE /api/panel/logs", s.handleAPICloseLogs)
	s.mux.HandleFunc("POST /api/panel/token/retry", s.handleAPITokenRetry)
	s.mux.HandleFunc("POST /api/panel/token/dismiss", s.handleAPITokenDismiss)
	s.mux.HandleFunc("GET /api/panel/token/schedule", s.handleAPIGetTokenSchedule)
	s.mux.HandleFunc("PUT /api/panel/token/schedule", s.handleAPISetTokenSchedule)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/reload", s.handleAPIReloadAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Pages, static files and the WebSocket stay open: browsers cannot send
	// custom headers on navigation or WS upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// sectorGroup is a run of devices sharing a sector, in roster order.
type sectorGroup struct {
	Sector  string
	Devices []panel.DeviceView
}

func groupBySector(devices []panel.DeviceView) []sectorGroup {
	var groups []sectorGroup
	for _, d := range devices {
		if n := len(groups); n > 0 && groups[n-1].Sector == d.OriginalSector {
			groups[n-1].Devices = append(groups[n-1].Devices, d)
			continue
		}
		groups = append(groups, sectorGroup{Sector: d.OriginalSector, Devices: []panel.DeviceView{d}})
	}
	return groups
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := s.panel.Session().View()
	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle":      "Painel de TVs",
		"Groups":         groupBySector(view.Devices),
		"DeviceCount":    len(view.Devices),
		"PowerOffPrompt": panel.PowerOffPrompt,
	})
}

func (s *Server) handleAutomationsPage(w http.ResponseWriter, r *http.Request) {
	var scripts []*automation.Script
	if s.scriptMgr != nil {
		var err error
		if scripts, err = s.scriptMgr.List(); err != nil {
			s.logger.Error("list scripts", "err", err)
		}
	}
	s.renderTemplate(w, "automations.html", map[string]interface{}{
		"PageTitle": "Automações",
		"Scripts":   scripts,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data["Version"] = s.version
	data["APIKey"] = s.apiKey
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
