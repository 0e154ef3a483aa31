package domain

import "time"

// EventDirection describes which way a logged event flowed.
type EventDirection string

const (
	DirectionOutbound     EventDirection = "outbound"
	DirectionInbound      EventDirection = "inbound"
	DirectionNotification EventDirection = "notification"
)

// EventStage names the pipeline step that produced a log row.
type EventStage string

const (
	StageSend       EventStage = "send"
	StageReceive    EventStage = "receive"
	StageFetch      EventStage = "fetch"
	StageParse      EventStage = "parse"
	StageResolve    EventStage = "resolve"
	StagePersist    EventStage = "persist"
	StageNotify     EventStage = "notify"
	StageDeadLetter EventStage = "dead_letter"
)

// EventOutcome is the result of a stage.
type EventOutcome string

const (
	OutcomeSuccess   EventOutcome = "success"
	OutcomeFailed    EventOutcome = "failed"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeUnmatched EventOutcome = "unmatched"
	OutcomeRetrying  EventOutcome = "retrying"
)

// EmailEventLog is an immutable audit trail entry.
type EmailEventLog struct {
	ID                string
	RFIID             *string
	Direction         EventDirection
	Stage             EventStage
	Outcome           EventOutcome
	ExternalMessageID string
	ThreadID          string
	PayloadRef        string
	ErrorCode         string
	ErrorMessage      string
	Attempt           int
	CreatedAt         time.Time
}
