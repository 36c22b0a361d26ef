package types

import "time"

type EventType string

const (
	EventTemplateCreated     EventType = "templates:created"
	EventTemplateUpdated     EventType = "templates:updated"
	EventTemplateDeleted     EventType = "templates:deleted"
	EventTemplatesCleared    EventType = "templates:cleared"
	EventTemplatesLoaded     EventType = "templates:loaded"
	EventResultCreated       EventType = "results:created"
	EventResultsCleared      EventType = "results:clear"
	EventCursorMark          EventType = "cursor:mark"
	EventCursorClear         EventType = "cursor:clear"
	EventSubstitutionCreated EventType = "substitutions:created"
	EventSubstitutionUpdated EventType = "substitutions:updated"
	EventSubstitutionDeleted EventType = "substitutions:deleted"
	EventSubstitutionsClear  EventType = "substitutions:cleared"
	EventRolesUpdated        EventType = "roles:updated"
	EventUsersUpdated        EventType = "users:updated"
	EventSettingsUpdated     EventType = "settings:updated"
	EventProjectChanged      EventType = "project:changed"
)

type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// CursorMark is the payload of cursor events; it flags a template as in progress.
type CursorMark struct {
	TemplateID string `json:"templateId"`
	InProgress bool   `json:"inProgress"`
}
