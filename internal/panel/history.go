package panel

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandKind names a dispatcher command.
type CommandKind string

const (
	CommandToggle                CommandKind = "toggle"
	CommandPowerOn               CommandKind = "power_on"
	CommandPowerOnAll            CommandKind = "power_on_all"
	CommandPowerOnAllNoTrigger   CommandKind = "power_on_all_no_trigger"
	CommandPowerOffExceptMeeting CommandKind = "power_off_except_meeting"
	CommandReconnect             CommandKind = "reconnect"
)

// Command statuses
const (
	CommandPending  = "pending"
	CommandAccepted = "accepted" // backend answered success
	CommandFailed   = "failed"   // transport error
	CommandRejected = "rejected" // backend answered without success
)

// CommandRecord is one issued command.
type CommandRecord struct {
	ID          string      `json:"id"`
	Kind        CommandKind `json:"kind"`
	Device      string      `json:"device,omitempty"`
	Status      string      `json:"status"`
	IssuedAt    time.Time   `json:"issued_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// History is a thread-safe ring buffer of command records
type History struct {
	mu      sync.RWMutex
	entries []CommandRecord
	cap     int
}

// NewHistory creates a history holding at most capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 50
	}
	return &History{
		entries: make([]CommandRecord, 0, capacity),
		cap:     capacity,
	}
}

// Start records a new pending command and returns it.
func (h *History) Start(kind CommandKind, device string) CommandRecord {
	rec := CommandRecord{
		ID:       uuid.New().String(),
		Kind:     kind,
		Device:   device,
		Status:   CommandPending,
		IssuedAt: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.cap {
		copy(h.entries, h.entries[1:])
		h.entries[len(h.entries)-1] = rec
	} else {
		h.entries = append(h.entries, rec)
	}
	return rec
}

// Complete sets the final status of a command by ID.
func (h *History) Complete(id, status, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].ID == id {
			now := time.Now()
			h.entries[i].Status = status
			h.entries[i].Error = errMsg
			h.entries[i].CompletedAt = &now
			return
		}
	}
}

// Get returns a command by ID.
func (h *History) Get(id string) (CommandRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].ID == id {
			return h.entries[i], true
		}
	}
	return CommandRecord{}, false
}

// Entries returns all records, newest first.
func (h *History) Entries() []CommandRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]CommandRecord, len(h.entries))
	for i, j := 0, len(h.entries)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = h.entries[j]
	}
	return result
}
