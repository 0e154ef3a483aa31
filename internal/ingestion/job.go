// Package ingestion turns provider push notifications into applied record updates.
package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes mailbox scans from single-message work.
type JobKind string

const (
	// JobMailbox lists everything added to a mailbox since its stored cursor.
	JobMailbox JobKind = "mailbox"
	// JobMessage fetches and applies one provider message.
	JobMessage JobKind = "message"
)

// Job is one unit of queued work. Attempt counts completed tries.
type Job struct {
	ID                string    `json:"id"`
	Kind              JobKind   `json:"kind"`
	Mailbox           string    `json:"mailbox,omitempty"`
	HistoryID         uint64    `json:"history_id,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	PushMessageID     string    `json:"push_message_id,omitempty"`
	Attempt           int       `json:"attempt"`
	EnqueuedAt        time.Time `json:"enqueued_at"`

	// lease is the encoded entry a durable queue holds while the job is in flight.
	lease string
}

// NewMailboxJob builds a scan job for mailbox.
func NewMailboxJob(mailbox string, historyID uint64) Job {
	return Job{ID: uuid.NewString(), Kind: JobMailbox, Mailbox: mailbox, HistoryID: historyID}
}

// NewMessageJob builds a fetch job for one provider message.
func NewMessageJob(mailbox, providerMessageID string) Job {
	return Job{ID: uuid.NewString(), Kind: JobMessage, Mailbox: mailbox, ProviderMessageID: providerMessageID}
}

// PayloadRef is the identifier stored with audit rows for this job.
func (j Job) PayloadRef() string {
	if j.ProviderMessageID != "" {
		return j.ProviderMessageID
	}
	if j.PushMessageID != "" {
		return "push:" + j.PushMessageID
	}
	return "job:" + j.ID
}
