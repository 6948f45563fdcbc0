package models

import "time"

// EscalationStatus is the lifecycle of one escalation decision.
type EscalationStatus string

const (
	EscalationPending    EscalationStatus = "pending"
	EscalationDelivered  EscalationStatus = "delivered"
	EscalationDropped    EscalationStatus = "dropped"
	EscalationSuppressed EscalationStatus = "suppressed"
	EscalationNoContact  EscalationStatus = "no_contact"
)

// EscalationRecord is the audit row written for every High event that
// blocks a subject, whether or not a notification goes out.
type EscalationRecord struct {
	ID        string           `json:"id"`
	SubjectID string           `json:"subjectId"`
	EventID   string           `json:"eventId"`
	Status    EscalationStatus `json:"status"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"lastError,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Notification is the payload handed to the notification gateway.
type Notification struct {
	TrustedContact  TrustedContact `json:"trustedContact"`
	SubjectID       string         `json:"subjectId"`
	IncidentSummary string         `json:"incidentSummary"`
}
