package dto

import (
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/observability"
)

// LinkTriageRequest payload.
type LinkTriageRequest struct {
	RFIID string `json:"rfi_id" validate:"required"`
}

// TriageItemView response.
type TriageItemView struct {
	ID                string              `json:"id"`
	Reason            domain.TriageReason `json:"reason"`
	Status            domain.TriageStatus `json:"status"`
	Mailbox           string              `json:"mailbox,omitempty"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	ExternalMessageID string              `json:"external_message_id,omitempty"`
	ThreadID          string              `json:"thread_id,omitempty"`
	FromAddress       string              `json:"from_address,omitempty"`
	Subject           string              `json:"subject,omitempty"`
	SequenceNumber    *string             `json:"sequence_number"`
	CandidateRFIID    *string             `json:"candidate_rfi_id"`
	Detail            string              `json:"detail,omitempty"`
	ResolvedRFIID     *string             `json:"resolved_rfi_id"`
	CreatedAt         time.Time           `json:"created_at"`
	ResolvedAt        *time.Time          `json:"resolved_at"`
}

// NewTriageItemView maps an item.
func NewTriageItemView(t *domain.TriageItem) TriageItemView {
	return TriageItemView{
		ID:                t.ID,
		Reason:            t.Reason,
		Status:            t.Status,
		Mailbox:           t.Mailbox,
		ProviderMessageID: t.ProviderMessageID,
		ExternalMessageID: t.ExternalMessageID,
		ThreadID:          t.ThreadID,
		FromAddress:       t.FromAddress,
		Subject:           t.Subject,
		SequenceNumber:    t.SequenceNumber,
		CandidateRFIID:    t.CandidateRFIID,
		Detail:            t.Detail,
		ResolvedRFIID:     t.ResolvedRFIID,
		CreatedAt:         t.CreatedAt,
		ResolvedAt:        t.ResolvedAt,
	}
}

// QueueView reports ingestion backlog.
type QueueView struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// DashboardResponse aggregates counts recomputed on read.
type DashboardResponse struct {
	Counts  domain.StatusCounts    `json:"counts"`
	Queue   QueueView              `json:"queue"`
	Metrics observability.Snapshot `json:"metrics"`
}
