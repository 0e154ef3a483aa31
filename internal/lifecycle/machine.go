// Package lifecycle holds the transition table for request records.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

// Trigger is an event that may move a record between statuses.
type Trigger string

const (
	TriggerSend            Trigger = "send"
	TriggerConfirmDelivery Trigger = "confirm_delivery"
	TriggerReceiveResponse Trigger = "receive_response"
	TriggerFollowUp        Trigger = "follow_up"
	TriggerClose           Trigger = "close"
)

// AllTriggers lists every trigger the table knows about.
var AllTriggers = []Trigger{
	TriggerSend,
	TriggerConfirmDelivery,
	TriggerReceiveResponse,
	TriggerFollowUp,
	TriggerClose,
}

// ErrStateConflict is matched by every *StateConflictError.
var ErrStateConflict = errors.New("state conflict")

// StateConflictError reports a trigger the current status does not accept.
type StateConflictError struct {
	From    domain.RFIStatus
	Trigger Trigger
	Reason  string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("state conflict: %s from %s: %s", e.Trigger, e.From, e.Reason)
	}
	return fmt.Sprintf("state conflict: %s from %s", e.Trigger, e.From)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

var allowedTransitions = map[domain.RFIStatus]map[Trigger]domain.RFIStatus{
	// A draft was never dispatched, so there is nothing to close.
	domain.RFIStatusDraft: {
		TriggerSend: domain.RFIStatusSent,
	},
	domain.RFIStatusSent: {
		TriggerConfirmDelivery: domain.RFIStatusWaitingResponse,
		TriggerClose:           domain.RFIStatusClosed,
	},
	domain.RFIStatusWaitingResponse: {
		TriggerReceiveResponse: domain.RFIStatusAnswered,
		TriggerClose:           domain.RFIStatusClosed,
	},
	domain.RFIStatusAnswered: {
		TriggerFollowUp: domain.RFIStatusWaitingResponse,
		TriggerClose:    domain.RFIStatusClosed,
	},
	domain.RFIStatusClosed: {},
}

// Transition describes a status change that was applied.
type Transition struct {
	From    domain.RFIStatus
	To      domain.RFIStatus
	Trigger Trigger
	At      time.Time
}

// Next looks up the target status for trigger without touching any record.
func Next(from domain.RFIStatus, trigger Trigger) (domain.RFIStatus, error) {
	targets, ok := allowedTransitions[from]
	if !ok {
		return from, &StateConflictError{From: from, Trigger: trigger, Reason: "unknown status"}
	}
	to, ok := targets[trigger]
	if !ok {
		return from, &StateConflictError{From: from, Trigger: trigger}
	}
	return to, nil
}

// CanApply reports whether trigger is accepted by status.
func CanApply(from domain.RFIStatus, trigger Trigger) bool {
	_, err := Next(from, trigger)
	return err == nil
}

// Apply moves record along the table. On error the record is left untouched.
func Apply(record *domain.RequestRecord, trigger Trigger, now time.Time) (Transition, error) {
	if record == nil {
		return Transition{}, errors.New("lifecycle: nil record")
	}
	to, err := Next(record.Status, trigger)
	if err != nil {
		return Transition{}, err
	}
	if trigger == TriggerSend && !record.HasThread() {
		return Transition{}, &StateConflictError{From: record.Status, Trigger: trigger, Reason: "thread id not assigned"}
	}

	from := record.Status
	record.Status = to
	record.UpdatedAt = now
	switch to {
	case domain.RFIStatusSent:
		if record.SentAt == nil {
			sentAt := now
			record.SentAt = &sentAt
		}
	case domain.RFIStatusClosed:
		closedAt := now
		record.ClosedAt = &closedAt
	}
	return Transition{From: from, To: to, Trigger: trigger, At: now}, nil
}

// IsTerminal reports whether no trigger leaves status.
func IsTerminal(status domain.RFIStatus) bool {
	return len(allowedTransitions[status]) == 0
}

// Allowed returns the triggers accepted by status, in table order.
func Allowed(status domain.RFIStatus) []Trigger {
	var out []Trigger
	for _, trigger := range AllTriggers {
		if CanApply(status, trigger) {
			out = append(out, trigger)
		}
	}
	return out
}
