package dto

import (
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/lifecycle"
)

// CreateRFIRequest payload.
type CreateRFIRequest struct {
	ProjectID      string             `json:"project_id" validate:"required,max=64"`
	Subject        string             `json:"subject" validate:"required,max=255"`
	Question       string             `json:"question" validate:"required,max=20000"`
	Category       string             `json:"category" validate:"max=64"`
	Priority       domain.RFIPriority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	RecipientEmail string             `json:"recipient_email" validate:"required,email"`
	RecipientName  string             `json:"recipient_name" validate:"max=255"`
	DueDate        *time.Time         `json:"due_date"`
}

// FollowUpRequest payload.
type FollowUpRequest struct {
	Body string `json:"body" validate:"required,max=20000"`
}

// NoteRequest payload.
type NoteRequest struct {
	Body string `json:"body" validate:"required,max=20000"`
}

// ReopenRequest payload. An empty question reuses the closed record's question.
type ReopenRequest struct {
	Question string `json:"question" validate:"max=20000"`
}

// RFISummary response.
type RFISummary struct {
	ID             string             `json:"id"`
	ProjectID      string             `json:"project_id"`
	SequenceNumber string             `json:"sequence_number"`
	Subject        string             `json:"subject"`
	Category       string             `json:"category,omitempty"`
	Priority       domain.RFIPriority `json:"priority"`
	RecipientEmail string             `json:"recipient_email"`
	RecipientName  string             `json:"recipient_name,omitempty"`
	Status         domain.RFIStatus   `json:"status"`
	Overdue        bool               `json:"overdue"`
	ThreadID       *string            `json:"thread_id"`
	DueDate        *time.Time         `json:"due_date"`
	ReopenedFromID *string            `json:"reopened_from_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	SentAt         *time.Time         `json:"sent_at"`
	ClosedAt       *time.Time         `json:"closed_at"`
}

// RFIDetailResponse provides the record with its conversation.
type RFIDetailResponse struct {
	RFISummary
	Question      string              `json:"question"`
	RootMessageID *string             `json:"root_message_id"`
	CreatedBy     string              `json:"created_by"`
	Allowed       []lifecycle.Trigger `json:"allowed_triggers"`
	Responses     []ResponseEntryView `json:"responses"`
}

// ResponseEntryView represents one conversation entry.
type ResponseEntryView struct {
	ID                string                `json:"id"`
	Origin            domain.ResponseOrigin `json:"origin"`
	ExternalMessageID *string               `json:"external_message_id"`
	AuthorEmail       string                `json:"author_email"`
	AuthorName        string                `json:"author_name,omitempty"`
	Body              string                `json:"body"`
	Attachments       []domain.Attachment   `json:"attachments"`
	CreatedAt         time.Time             `json:"created_at"`
}

// EmailEventView represents one audit trail row.
type EmailEventView struct {
	ID                string                `json:"id"`
	RFIID             *string               `json:"rfi_id"`
	Direction         domain.EventDirection `json:"direction"`
	Stage             domain.EventStage     `json:"stage"`
	Outcome           domain.EventOutcome   `json:"outcome"`
	ExternalMessageID string                `json:"external_message_id,omitempty"`
	ThreadID          string                `json:"thread_id,omitempty"`
	PayloadRef        string                `json:"payload_ref,omitempty"`
	ErrorCode         string                `json:"error_code,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	Attempt           int                   `json:"attempt"`
	CreatedAt         time.Time             `json:"created_at"`
}

// NewRFISummary maps a record. now drives the overdue flag.
func NewRFISummary(r *domain.RequestRecord, now time.Time) RFISummary {
	return RFISummary{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		SequenceNumber: r.SequenceNumber,
		Subject:        r.Subject,
		Category:       r.Category,
		Priority:       r.Priority,
		RecipientEmail: r.RecipientEmail,
		RecipientName:  r.RecipientName,
		Status:         r.Status,
		Overdue:        r.IsOverdue(now),
		ThreadID:       r.ThreadID,
		DueDate:        r.DueDate,
		ReopenedFromID: r.ReopenedFromID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		SentAt:         r.SentAt,
		ClosedAt:       r.ClosedAt,
	}
}

// NewResponseEntryView maps an entry.
func NewResponseEntryView(e domain.ResponseEntry) ResponseEntryView {
	attachments := e.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	return ResponseEntryView{
		ID:                e.ID,
		Origin:            e.Origin,
		ExternalMessageID: e.ExternalMessageID,
		AuthorEmail:       e.AuthorEmail,
		AuthorName:        e.AuthorName,
		Body:              e.Body,
		Attachments:       attachments,
		CreatedAt:         e.CreatedAt,
	}
}

// NewEmailEventView maps an audit row.
func NewEmailEventView(e domain.EmailEventLog) EmailEventView {
	return EmailEventView{
		ID:                e.ID,
		RFIID:             e.RFIID,
		Direction:         e.Direction,
		Stage:             e.Stage,
		Outcome:           e.Outcome,
		ExternalMessageID: e.ExternalMessageID,
		ThreadID:          e.ThreadID,
		PayloadRef:        e.PayloadRef,
		ErrorCode:         e.ErrorCode,
		ErrorMessage:      e.ErrorMessage,
		Attempt:           e.Attempt,
		CreatedAt:         e.CreatedAt,
	}
}
