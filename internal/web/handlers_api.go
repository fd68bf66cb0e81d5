package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"tv-fleet-panel/internal/backend"
	"tv-fleet-panel/internal/panel"
)

const refreshTimeout = 30 * time.Second

type commandResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.panel.Session().View())
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()
	if err := s.panel.Refresh(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.panel.Session().View())
}

func (s *Server) handleAPIToggle(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, s.panel.Dispatcher().Toggle)
}

func (s *Server) handleAPIPowerOn(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, s.panel.Dispatcher().PowerOn)
}

func (s *Server) handleAPIReconnect(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, s.panel.Dispatcher().Reconnect)
}

func (s *Server) deviceCommand(w http.ResponseWriter, r *http.Request, cmd func(string) (string, error)) {
	id, err := cmd(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, commandResponse{ID: id})
}

type powerOnAllRequest struct {
	Webhook *bool `json:"webhook"`
}

func (s *Server) handleAPIPowerOnAll(w http.ResponseWriter, r *http.Request) {
	var req powerOnAllRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	webhook := req.Webhook == nil || *req.Webhook
	id := s.panel.Dispatcher().PowerOnAll(webhook)
	s.writeJSON(w, http.StatusAccepted, commandResponse{ID: id})
}

type powerOffRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleAPIPowerOffExceptMeeting(w http.ResponseWriter, r *http.Request) {
	var req powerOffRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	id, err := s.panel.Dispatcher().PowerOffExceptMeeting(func(string) bool { return req.Confirm })
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, commandResponse{ID: id})
}

func (s *Server) handleAPICommands(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.panel.Dispatcher().History().Entries())
}

func (s *Server) handleAPIContextMenu(w http.ResponseWriter, r *http.Request) {
	var rect panel.Rect
	if !s.decodeBody(w, r, &rect, false) {
		return
	}
	if err := s.panel.Menus().OpenContext(r.PathValue("name"), rect); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.panel.Session().View().ContextMenu)
}

func (s *Server) handleAPIPowerMenu(w http.ResponseWriter, r *http.Request) {
	var rect panel.Rect
	if !s.decodeBody(w, r, &rect, false) {
		return
	}
	s.panel.Menus().OpenPower(rect)
	s.writeJSON(w, http.StatusOK, s.panel.Session().View().PowerMenu)
}

func (s *Server) handleAPICloseMenus(w http.ResponseWriter, r *http.Request) {
	s.panel.Menus().CloseAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIClick(w http.ResponseWriter, r *http.Request) {
	var target panel.ClickTarget
	if !s.decodeBody(w, r, &target, false) {
		return
	}
	s.panel.HandleClick(target)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIScroll(w http.ResponseWriter, r *http.Request) {
	s.panel.Menus().HandleScroll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIOpenLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.panel.Logs().Open(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.panel.Session().View().LogView)
}

func (s *Server) handleAPICloseLogs(w http.ResponseWriter, r *http.Request) {
	s.panel.Logs().Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.panel.Logs().Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.panel.Session().View().LogView)
}

func (s *Server) handleAPITokenRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.panel.Tokens().Retry(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.panel.Session().View().TokenPopup)
}

func (s *Server) handleAPITokenDismiss(w http.ResponseWriter, r *http.Request) {
	s.panel.Tokens().Dismiss()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIGetTokenSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.panel.Tokens().Schedule(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

type tokenScheduleRequest struct {
	Horario string `json:"horario"`
}

func (s *Server) handleAPISetTokenSchedule(w http.ResponseWriter, r *http.Request) {
	var req tokenScheduleRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if err := s.panel.Tokens().SetSchedule(r.Context(), req.Horario); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "horario": req.Horario})
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is set. It writes the error response and returns false on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	return false
}

// writeError maps panel and backend errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	msg := "backend unavailable"
	var sf *backend.SoftFailure
	switch {
	case errors.Is(err, panel.ErrUnknownDevice):
		status, msg = http.StatusNotFound, "device not found"
	case errors.Is(err, panel.ErrNotConfirmed):
		status, msg = http.StatusBadRequest, "confirmation required"
	case errors.Is(err, panel.ErrRetryPending):
		status, msg = http.StatusConflict, "retry already in progress"
	case errors.Is(err, panel.ErrInvalidSchedule):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.As(err, &sf):
		msg = "backend rejected the request"
		if sf.Message != "" {
			msg = sf.Message
		}
	default:
		s.logger.Error("panel request failed", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
