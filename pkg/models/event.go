package models

import "time"

// EventType identifies a daemon event.
type EventType string

const (
	EventSessionCreated  EventType = "session_created"
	EventSessionUpdated  EventType = "session_updated"
	EventSessionDeleted  EventType = "session_deleted"
	EventOutputAppended  EventType = "output_appended"
	EventOutputAvailable EventType = "output_available"
	EventZombieProcesses EventType = "zombie_processes"
	EventConfigReloaded  EventType = "config_reloaded"
)

// Event is a typed daemon notification. Session and Record are populated
// depending on Type; PIDs carries orphan process IDs for zombie events.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Session   *View         `json:"session,omitempty"`
	Record    *OutputRecord `json:"record,omitempty"`
	Progress  int           `json:"progress,omitempty"`
	PIDs      []int         `json:"pids,omitempty"`
	At        time.Time     `json:"at"`
}
