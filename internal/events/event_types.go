package events

import (
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventRFICreated       EventType = "rfi_created"
	EventRFIStatusChanged EventType = "rfi_status_changed"
	EventResponseReceived EventType = "rfi_response_received"
	EventMessageTriaged   EventType = "message_triaged"
	EventNotificationDue  EventType = "notification_due"
)

// Event represents a domain event emitted by services and the ingestion pipeline.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	RFIID     string    `json:"rfi_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// StatusChangedPayload payload.
type StatusChangedPayload struct {
	OldStatus domain.RFIStatus `json:"old_status"`
	NewStatus domain.RFIStatus `json:"new_status"`
	Trigger   string           `json:"trigger"`
}

// ResponseReceivedPayload payload.
type ResponseReceivedPayload struct {
	ResponseID  string `json:"response_id"`
	MessageID   string `json:"message_id"`
	AuthorEmail string `json:"author_email"`
	BodyPreview string `json:"body_preview"`
}

// MessageTriagedPayload payload.
type MessageTriagedPayload struct {
	TriageID          string              `json:"triage_id"`
	Reason            domain.TriageReason `json:"reason"`
	ProviderMessageID string              `json:"provider_message_id"`
}

// RFICreatedPayload payload.
type RFICreatedPayload struct {
	ProjectID      string  `json:"project_id"`
	SequenceNumber string  `json:"sequence_number"`
	Subject        string  `json:"subject"`
	ReopenedFromID *string `json:"reopened_from_id,omitempty"`
}
