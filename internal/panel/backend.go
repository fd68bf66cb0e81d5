package panel

import (
	"context"

	"tv-fleet-panel/internal/backend"
)

// Backend is the subset of the TV backend the panel drives.
// *backend.Client implements it.
type Backend interface {
	FleetStatus(ctx context.Context) (backend.StatusSnapshot, error)
	ToggleWithoutTrigger(ctx context.Context, name string) error
	PowerOnWithTrigger(ctx context.Context, name string) error
	PowerOnAllWithTrigger(ctx context.Context) error
	PowerOnAllWithoutTrigger(ctx context.Context) error
	PowerOffExceptMeeting(ctx context.Context) error
	Reconnect(ctx context.Context, name string) error
	TokenStatus(ctx context.Context) (backend.TokenStatus, error)
	RenewToken(ctx context.Context) error
	TokenSchedule(ctx context.Context) (backend.TokenSchedule, error)
	SetTokenSchedule(ctx context.Context, horario string) error
	Logs(ctx context.Context) ([]backend.LogEntry, error)
	ClearLogs(ctx context.Context) error
}

var _ Backend = (*backend.Client)(nil)
