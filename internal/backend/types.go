package backend

import (
	"errors"
	"fmt"
)

// ErrSoftFailure marks a response that arrived and parsed but did not carry
// "success": true.
var ErrSoftFailure = errors.New("backend reported failure")

// SoftFailure is an application-level failure reported by the backend.
type SoftFailure struct {
	Path    string
	Message string
}

func (e *SoftFailure) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, ErrSoftFailure, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, ErrSoftFailure)
}

func (e *SoftFailure) Unwrap() error { return ErrSoftFailure }

// DeviceStatus is the per-TV entry of a fleet status snapshot.
type DeviceStatus struct {
	IsOnline bool `json:"is_online"`
	IsOn     bool `json:"is_on"`
}

// StatusSnapshot maps TV name to its reported status.
type StatusSnapshot map[string]DeviceStatus

// Log levels as written by the backend.
const (
	LogInfo    = "INFO"
	LogError   = "ERROR"
	LogSuccess = "SUCCESS"
	LogWarning = "WARNING"
)

// LogEntry is one line of the backend's shared operational log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Tipo      string `json:"tipo"`
	Mensagem  string `json:"mensagem"`
}

// TokenStatus reflects the last token renewal attempt.
// Sucesso is nil when no attempt has been recorded yet.
type TokenStatus struct {
	UltimaTentativa *string `json:"ultima_tentativa"`
	Sucesso         *bool   `json:"sucesso"`
	Erro            string  `json:"erro"`
}

// Failed reports whether the last attempt explicitly failed with a message.
func (s TokenStatus) Failed() bool {
	return s.Sucesso != nil && !*s.Sucesso && s.Erro != ""
}

// TokenSchedule is the daily renewal schedule kept by the backend.
type TokenSchedule struct {
	Horario string `json:"horario"`
	Ativo   bool   `json:"ativo"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type statusResponse struct {
	envelope
	Status StatusSnapshot `json:"status"`
}

type tokenStatusResponse struct {
	envelope
	Status *TokenStatus `json:"status"`
}

type tokenScheduleResponse struct {
	envelope
	Config *TokenSchedule `json:"config"`
}

type logsResponse struct {
	Logs *[]LogEntry `json:"logs"`
}
