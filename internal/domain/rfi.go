package domain

import "time"

// RFIStatus enumerates lifecycle states for request records.
type RFIStatus string

const (
	RFIStatusDraft           RFIStatus = "draft"
	RFIStatusSent            RFIStatus = "sent"
	RFIStatusWaitingResponse RFIStatus = "waiting_response"
	RFIStatusAnswered        RFIStatus = "answered"
	RFIStatusClosed          RFIStatus = "closed"
)

// AllRFIStatuses lists statuses in lifecycle order.
var AllRFIStatuses = []RFIStatus{
	RFIStatusDraft,
	RFIStatusSent,
	RFIStatusWaitingResponse,
	RFIStatusAnswered,
	RFIStatusClosed,
}

// RFIPriority enumerates urgency.
type RFIPriority string

const (
	RFIPriorityLow    RFIPriority = "low"
	RFIPriorityMedium RFIPriority = "medium"
	RFIPriorityHigh   RFIPriority = "high"
	RFIPriorityUrgent RFIPriority = "urgent"
)

// RequestRecord is the aggregate for a request for information.
type RequestRecord struct {
	ID             string
	ProjectID      string
	SequenceNumber string
	Subject        string
	Question       string
	Category       string
	Priority       RFIPriority
	RecipientEmail string
	RecipientName  string
	ThreadID       *string
	RootMessageID  *string
	Status         RFIStatus
	DueDate        *time.Time
	CreatedBy      string
	ReopenedFromID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
	ClosedAt       *time.Time
}

// IsOverdue is computed at read time and never stored.
func (r *RequestRecord) IsOverdue(now time.Time) bool {
	if r == nil || r.Status == RFIStatusClosed || r.DueDate == nil {
		return false
	}
	return r.DueDate.Before(now)
}

// HasThread reports whether the external thread id was assigned.
func (r *RequestRecord) HasThread() bool {
	return r != nil && r.ThreadID != nil && *r.ThreadID != ""
}

// StatusCounts is the dashboard aggregate recomputed from persisted rows.
type StatusCounts struct {
	ByStatus   map[RFIStatus]int `json:"by_status"`
	Overdue    int               `json:"overdue"`
	OpenTriage int               `json:"open_triage"`
}
