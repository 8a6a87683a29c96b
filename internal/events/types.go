// Package events provides a unified pub/sub event bus for Warden.
// Policy mutations, sync outcomes and optimizer runs flow through this hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

// Event types for all policy sources.
const (
	// Rule lifecycle
	EventRuleAdded   EventType = "rule.added"
	EventRuleRemoved EventType = "rule.removed"

	// Template lifecycle
	EventTemplateApplied EventType = "template.applied"
	EventTemplateRemoved EventType = "template.removed"

	// Department-wide operations
	EventDepartmentFlushed EventType = "department.flushed"

	// Enforcement sync
	EventSyncApplied EventType = "sync.applied"
	EventSyncFailed  EventType = "sync.failed"

	// Optimizer
	EventOptimizeRun EventType = "optimize.run"

	// Backups
	EventBackupCreated  EventType = "backup.created"
	EventBackupRestored EventType = "backup.restored"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "engine", "sync", "optimizer", etc.
	Data      interface{} `json:"data"`   // Type-specific payload
}

// RuleData is the payload for rule lifecycle events.
type RuleData struct {
	FilterID  string `json:"filter_id"`
	MachineID string `json:"machine_id,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
	Action    string `json:"action"`
	Protocol  string `json:"protocol"`
	PortSpec  string `json:"port_spec,omitempty"`
	RuleCount int    `json:"rule_count,omitempty"`
}

// TemplateData is the payload for template lifecycle events.
type TemplateData struct {
	TemplateID   string `json:"template_id"`
	DepartmentID string `json:"department_id"`
	ResolvedSize int    `json:"resolved_size,omitempty"`
}

// SyncData is the payload for enforcement sync events.
type SyncData struct {
	FilterID  string `json:"filter_id"`
	MachineID string `json:"machine_id,omitempty"`
	RuleCount int    `json:"rule_count"`
	Error     string `json:"error,omitempty"`
}

// OptimizeData is the payload for optimizer run events.
type OptimizeData struct {
	FilterID           string `json:"filter_id"`
	Strategy           string `json:"strategy"`
	DuplicatesRemoved  int    `json:"duplicates_removed"`
	ConflictsResolved  int    `json:"conflicts_resolved"`
	RangesConsolidated int    `json:"ranges_consolidated"`
}

// BackupData is the payload for backup events.
type BackupData struct {
	BackupID  string `json:"backup_id"`
	MachineID string `json:"machine_id"`
	RuleCount int    `json:"rule_count"`
	Mode      string `json:"mode,omitempty"` // restore mode: "replace_all" or "merge"
}
