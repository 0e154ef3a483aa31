package domain

import "time"

// TriageReason explains why an inbound message was held for a human.
type TriageReason string

const (
	TriageReasonParseError        TriageReason = "parse_error"
	TriageReasonUnmatched         TriageReason = "unmatched"
	TriageReasonAmbiguousSequence TriageReason = "ambiguous_sequence"
	TriageReasonRecordClosed      TriageReason = "record_closed"
	TriageReasonRecordDraft       TriageReason = "record_draft"
	TriageReasonMaxAttempts       TriageReason = "max_attempts"
	TriageReasonFetchFailed       TriageReason = "fetch_failed"
)

// TriageStatus tracks operator handling.
type TriageStatus string

const (
	TriageStatusOpen      TriageStatus = "open"
	TriageStatusLinked    TriageStatus = "linked"
	TriageStatusRequeued  TriageStatus = "requeued"
	TriageStatusDismissed TriageStatus = "dismissed"
)

// TriageItem holds a message that could not be applied automatically.
type TriageItem struct {
	ID                string
	Reason            TriageReason
	Status            TriageStatus
	Mailbox           string
	ProviderMessageID string
	ExternalMessageID string
	ThreadID          string
	FromAddress       string
	Subject           string
	SequenceNumber    *string
	CandidateRFIID    *string
	Detail            string
	ResolvedRFIID     *string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}
