// Package notification defines the wire-level notification record the backend
// delivers over the realtime channel, plus the type and priority vocabularies.
package notification

import "time"

// Type tags a notification with its origin event.
type Type string

const (
	TypeHighRiskAlert       Type = "high_risk_alert"
	TypeEmergencyAlert      Type = "emergency_alert"
	TypeAppointmentReminder Type = "appointment_reminder"
	TypeMedicationReminder  Type = "medication_reminder"
	TypeAssessmentCompleted Type = "assessment_completed"
	TypeNewAssignment       Type = "new_assignment"
	TypePatientRegistered   Type = "patient_registered"
	TypeSystemUpdate        Type = "system_update"
	TypeUserLogin           Type = "user_login"

	// Control types. These flow over the same channel but never enter the store.
	TypeConnectionEstablished Type = "connection_established"
	TypePong                  Type = "pong"
	TypeError                 Type = "error"
	TypeSystemStatus          Type = "system_status"
)

// IsControl reports whether t is a channel control frame rather than a
// notification to be stored.
func (t Type) IsControl() bool {
	switch t {
	case TypeConnectionEstablished, TypePong, TypeError, TypeSystemStatus:
		return true
	}
	return false
}

// Priority orders notifications by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Notification is a single delivered notification. The store owns the record
// once ingested; Read and Acknowledged are mutated only through store operations.
type Notification struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Priority     Priority       `json:"priority"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
	Read         bool           `json:"read"`
	Acknowledged bool           `json:"acknowledged"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// Critical reports whether the notification demands explicit triage.
func (n *Notification) Critical() bool {
	return n.Priority == PriorityCritical
}

// Expired reports whether the notification is past its expiry at the given time.
// Notifications without an expiry never expire.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// AssessmentID returns the referenced assessment from the payload, or "".
func (n *Notification) AssessmentID() string {
	return n.dataString("assessment_id")
}

// MotherID returns the referenced patient record from the payload, or "".
func (n *Notification) MotherID() string {
	return n.dataString("mother_id")
}

func (n *Notification) dataString(key string) string {
	if n.Data == nil {
		return ""
	}
	s, _ := n.Data[key].(string)
	return s
}
