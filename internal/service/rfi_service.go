package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/events"
	"github.com/spec-kit/rfi-sync-service/internal/lifecycle"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
	"github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// maxPersistRetries bounds re-reads when a status compare-and-set loses.
const maxPersistRetries = 3

// Actor identifies who asked for an operation.
type Actor struct {
	ID    string
	Email string
	Name  string
}

// Sender is the mailbox identity outbound messages are sent from.
type Sender struct {
	Address       string
	Name          string
	MessageDomain string
}

// RFIService coordinates request record workflows.
type RFIService struct {
	repos      repository.Repositories
	transport  transport.Client
	audit      *audit.Trail
	dispatcher events.Dispatcher
	sender     Sender
	prefix     string
	logger     *zap.Logger
	now        func() time.Time
}

// RFIDependencies bundles what the service needs.
type RFIDependencies struct {
	Repos          repository.Repositories
	Transport      transport.Client
	Audit          *audit.Trail
	Dispatcher     events.Dispatcher
	Sender         Sender
	SequencePrefix string
	Logger         *zap.Logger
	Now            func() time.Time
}

// RFICreateInput describes a new draft.
type RFICreateInput struct {
	ProjectID      string
	Subject        string
	Question       string
	Category       string
	Priority       domain.RFIPriority
	RecipientEmail string
	RecipientName  string
	DueDate        *time.Time
}

// RFIListFilter describes list filters.
type RFIListFilter struct {
	ProjectID *string
	Statuses  []domain.RFIStatus
	Overdue   *bool
	Limit     int
	Offset    int
}

// RFIDetail is a record with its conversation and read-time flags.
type RFIDetail struct {
	Record    *domain.RequestRecord
	Responses []domain.ResponseEntry
	Overdue   bool
	Allowed   []lifecycle.Trigger
}

// NewRFIService constructs the service.
func NewRFIService(deps RFIDependencies) *RFIService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	prefix := strings.ToUpper(strings.TrimSpace(deps.SequencePrefix))
	if prefix == "" {
		prefix = "RFI"
	}
	return &RFIService{
		repos:      deps.Repos,
		transport:  deps.Transport,
		audit:      deps.Audit,
		dispatcher: deps.Dispatcher,
		sender:     deps.Sender,
		prefix:     prefix,
		logger:     logger.Named("rfi_service"),
		now:        now,
	}
}

// Create stores a draft with the next sequence number of its project.
// Sequence numbers carry a project code, so they never repeat across projects.
func (s *RFIService) Create(ctx context.Context, actor Actor, input RFICreateInput) (*domain.RequestRecord, error) {
	record := &domain.RequestRecord{
		ProjectID:      strings.TrimSpace(input.ProjectID),
		Subject:        strings.TrimSpace(input.Subject),
		Question:       strings.TrimSpace(input.Question),
		Category:       strings.TrimSpace(input.Category),
		Priority:       input.Priority,
		RecipientEmail: strings.ToLower(strings.TrimSpace(input.RecipientEmail)),
		RecipientName:  strings.TrimSpace(input.RecipientName),
		DueDate:        input.DueDate,
		Status:         domain.RFIStatusDraft,
		CreatedBy:      actor.ID,
	}
	if record.Priority == "" {
		record.Priority = domain.RFIPriorityMedium
	}
	if err := s.create(ctx, record); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.Event{
		Type:    events.EventRFICreated,
		RFIID:   record.ID,
		ActorID: actor.ID,
		Payload: events.RFICreatedPayload{
			ProjectID:      record.ProjectID,
			SequenceNumber: record.SequenceNumber,
			Subject:        record.Subject,
		},
	})
	return record, nil
}

func (s *RFIService) create(ctx context.Context, record *domain.RequestRecord) error {
	if record.ProjectID == "" || record.Subject == "" || record.RecipientEmail == "" {
		return errorutil.NewValidationError("project_id, subject and recipient_email are required", nil)
	}
	seq, err := s.repos.RFIs.NextSequence(ctx, record.ProjectID, repository.ProjectSequencePrefix(s.prefix, record.ProjectID), s.now().Year())
	if err != nil {
		return fmt.Errorf("allocate sequence number: %w", err)
	}
	record.SequenceNumber = seq
	if err := s.repos.RFIs.Create(ctx, record); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// List returns records matching filter.
func (s *RFIService) List(ctx context.Context, filter RFIListFilter) ([]domain.RequestRecord, error) {
	return s.repos.RFIs.ListWithFilter(ctx, repository.RFIFilter{
		ProjectID: filter.ProjectID,
		Statuses:  filter.Statuses,
		Overdue:   filter.Overdue,
		Now:       s.now(),
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
}

// Get returns a record with its responses and computed overdue flag.
func (s *RFIService) Get(ctx context.Context, id string) (*RFIDetail, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	responses, err := s.repos.Responses.ListByRFI(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return &RFIDetail{
		Record:    record,
		Responses: responses,
		Overdue:   record.IsOverdue(s.now()),
		Allowed:   lifecycle.Allowed(record.Status),
	}, nil
}

// Send dispatches a draft. The thread id returned by the provider is assigned
// in the same write that moves the record to sent.
func (s *RFIService) Send(ctx context.Context, actor Actor, id string) (*domain.RequestRecord, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := lifecycle.Next(record.Status, lifecycle.TriggerSend); err != nil {
		return nil, errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerSend), err)
	}

	messageID := transport.NewMessageID(s.sender.MessageDomain)
	res, err := s.transport.Send(ctx, transport.OutboundMessage{
		MessageID:      messageID,
		From:           s.sender.Address,
		FromName:       s.sender.Name,
		To:             record.RecipientEmail,
		ToName:         record.RecipientName,
		Subject:        parser.ComposeSubject(record.SequenceNumber, record.Subject),
		Body:           record.Question,
		SequenceNumber: record.SequenceNumber,
	})
	if err != nil {
		return nil, s.sendFailed(ctx, record, messageID, err)
	}

	next := *record
	next.ThreadID = &res.ThreadID
	transition, err := lifecycle.Apply(&next, lifecycle.TriggerSend, s.now())
	if err != nil {
		return nil, errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerSend), err)
	}
	ex := &repository.Exchange{
		Claim:  &repository.MessageClaim{MessageID: res.ExternalMessageID, RFIID: record.ID, Kind: domain.MessageClaimRoot},
		Thread: &repository.ThreadAssignment{RFIID: record.ID, ThreadID: res.ThreadID, RootMessageID: res.ExternalMessageID},
		Status: &repository.StatusChange{RFIID: record.ID, From: transition.From, To: transition.To, At: transition.At},
		Events: []*domain.EmailEventLog{s.audit.Observe(audit.Entry{
			RFIID:             record.ID,
			Direction:         domain.DirectionOutbound,
			Stage:             domain.StageSend,
			Outcome:           domain.OutcomeSuccess,
			ExternalMessageID: res.ExternalMessageID,
			ThreadID:          res.ThreadID,
			PayloadRef:        "provider:" + res.ProviderMessageID,
		})},
		At: transition.At,
	}
	if err := s.repos.Exchanges.Persist(ctx, ex); err != nil {
		if errors.Is(err, repository.ErrStatusChanged) || errors.Is(err, repository.ErrThreadAssigned) {
			// The message is out but another writer moved the record first.
			s.logger.Warn("record changed while sending",
				zap.String("rfi_id", record.ID),
				zap.String("message_id", res.ExternalMessageID),
				zap.Error(err))
			_ = s.audit.Record(ctx, audit.Entry{
				RFIID:             record.ID,
				Direction:         domain.DirectionOutbound,
				Stage:             domain.StagePersist,
				Outcome:           domain.OutcomeFailed,
				ExternalMessageID: res.ExternalMessageID,
				ThreadID:          res.ThreadID,
				ErrorCode:         errorutil.CodeStateConflict,
				Err:               err,
			})
			return nil, errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerSend), err)
		}
		return nil, fmt.Errorf("persist send of %s: %w", record.ID, err)
	}

	s.logger.Info("record sent",
		zap.String("rfi_id", record.ID),
		zap.String("sequence_number", record.SequenceNumber),
		zap.String("thread_id", res.ThreadID),
		zap.String("message_id", res.ExternalMessageID))
	s.publishStatus(ctx, actor, record.ID, transition)
	return s.load(ctx, record.ID)
}

// SendFollowUp sends a further question on the record's thread. From answered
// the record moves back to waiting_response; from sent or waiting_response the
// status is kept.
func (s *RFIService) SendFollowUp(ctx context.Context, actor Actor, id, body string) (*domain.ResponseEntry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errorutil.NewValidationError("body is required", map[string]any{"body": "required"})
	}
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := followUpAllowed(record); err != nil {
		return nil, err
	}

	root := *record.RootMessageID
	messageID := transport.NewMessageID(s.sender.MessageDomain)
	res, err := s.transport.Send(ctx, transport.OutboundMessage{
		MessageID:      messageID,
		From:           s.sender.Address,
		FromName:       s.sender.Name,
		To:             record.RecipientEmail,
		ToName:         record.RecipientName,
		Subject:        parser.ReplySubject(parser.ComposeSubject(record.SequenceNumber, record.Subject)),
		Body:           body,
		SequenceNumber: record.SequenceNumber,
		ThreadID:       *record.ThreadID,
		InReplyTo:      root,
		References:     []string{root},
	})
	if err != nil {
		return nil, s.sendFailed(ctx, record, messageID, err)
	}

	externalID := res.ExternalMessageID
	for try := 0; try < maxPersistRetries; try++ {
		if try > 0 {
			if record, err = s.load(ctx, id); err != nil {
				return nil, err
			}
		}
		now := s.now()
		entry := &domain.ResponseEntry{
			RFIID:             record.ID,
			Origin:            domain.ResponseOriginInternal,
			ExternalMessageID: &externalID,
			AuthorEmail:       s.sender.Address,
			AuthorName:        actor.Name,
			Body:              body,
			CreatedAt:         now,
		}
		ex := &repository.Exchange{
			Claim:    &repository.MessageClaim{MessageID: externalID, RFIID: record.ID, Kind: domain.MessageClaimFollowUp},
			Response: entry,
			Events: []*domain.EmailEventLog{s.audit.Observe(audit.Entry{
				RFIID:             record.ID,
				Direction:         domain.DirectionOutbound,
				Stage:             domain.StageSend,
				Outcome:           domain.OutcomeSuccess,
				ExternalMessageID: externalID,
				ThreadID:          res.ThreadID,
				PayloadRef:        "provider:" + res.ProviderMessageID + " follow_up",
			})},
			At: now,
		}
		var transition *lifecycle.Transition
		if record.Status == domain.RFIStatusAnswered {
			next := *record
			tr, err := lifecycle.Apply(&next, lifecycle.TriggerFollowUp, now)
			if err != nil {
				return nil, errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerFollowUp), err)
			}
			transition = &tr
			ex.Status = &repository.StatusChange{RFIID: record.ID, From: tr.From, To: tr.To, At: tr.At}
		}

		err := s.repos.Exchanges.Persist(ctx, ex)
		if errors.Is(err, repository.ErrStatusChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persist follow-up of %s: %w", record.ID, err)
		}
		s.logger.Info("follow-up sent",
			zap.String("rfi_id", record.ID),
			zap.String("message_id", externalID),
			zap.String("status", string(record.Status)))
		if transition != nil {
			s.publishStatus(ctx, actor, record.ID, *transition)
		}
		return entry, nil
	}
	return nil, fmt.Errorf("persist follow-up of %s: %w", id, repository.ErrStatusChanged)
}

func followUpAllowed(record *domain.RequestRecord) error {
	switch record.Status {
	case domain.RFIStatusSent, domain.RFIStatusWaitingResponse, domain.RFIStatusAnswered:
	default:
		_, err := lifecycle.Next(record.Status, lifecycle.TriggerFollowUp)
		return errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerFollowUp), err)
	}
	if !record.HasThread() || record.RootMessageID == nil {
		return errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerFollowUp), errors.New("record has no thread"))
	}
	return nil
}

// Close moves a dispatched record to closed. A lost race re-reads and re-evaluates.
func (s *RFIService) Close(ctx context.Context, actor Actor, id string) (*domain.RequestRecord, error) {
	for try := 0; try < maxPersistRetries; try++ {
		record, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := *record
		transition, err := lifecycle.Apply(&next, lifecycle.TriggerClose, s.now())
		if err != nil {
			return nil, errorutil.NewStateConflict(string(record.Status), string(lifecycle.TriggerClose), err)
		}
		err = s.repos.Exchanges.Persist(ctx, &repository.Exchange{
			Status: &repository.StatusChange{RFIID: id, From: transition.From, To: transition.To, At: transition.At},
			At:     transition.At,
		})
		if errors.Is(err, repository.ErrStatusChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("close %s: %w", id, err)
		}
		s.logger.Info("record closed", zap.String("rfi_id", id), zap.String("from_status", string(transition.From)))
		s.publishStatus(ctx, actor, id, transition)
		return &next, nil
	}
	return nil, fmt.Errorf("close %s: %w", id, repository.ErrStatusChanged)
}

// Reopen creates and sends a new record from a closed one. The closed record is not modified.
func (s *RFIService) Reopen(ctx context.Context, actor Actor, id string, question string) (*domain.RequestRecord, error) {
	closed, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if closed.Status != domain.RFIStatusClosed {
		return nil, errorutil.NewStateConflict(string(closed.Status), "reopen", nil)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		question = closed.Question
	}
	origin := closed.ID
	record := &domain.RequestRecord{
		ProjectID:      closed.ProjectID,
		Subject:        closed.Subject,
		Question:       question,
		Category:       closed.Category,
		Priority:       closed.Priority,
		RecipientEmail: closed.RecipientEmail,
		RecipientName:  closed.RecipientName,
		DueDate:        closed.DueDate,
		Status:         domain.RFIStatusDraft,
		CreatedBy:      actor.ID,
		ReopenedFromID: &origin,
	}
	if err := s.create(ctx, record); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.Event{
		Type:    events.EventRFICreated,
		RFIID:   record.ID,
		ActorID: actor.ID,
		Payload: events.RFICreatedPayload{
			ProjectID:      record.ProjectID,
			SequenceNumber: record.SequenceNumber,
			Subject:        record.Subject,
			ReopenedFromID: &origin,
		},
	})
	s.logger.Info("record reopened", zap.String("rfi_id", record.ID), zap.String("reopened_from_id", origin))
	return s.Send(ctx, actor, record.ID)
}

// AddNote stores an internal note. Notes never move the lifecycle.
func (s *RFIService) AddNote(ctx context.Context, actor Actor, id, body string) (*domain.ResponseEntry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errorutil.NewValidationError("body is required", map[string]any{"body": "required"})
	}
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	entry := &domain.ResponseEntry{
		RFIID:       id,
		Origin:      domain.ResponseOriginInternal,
		AuthorEmail: actor.Email,
		AuthorName:  actor.Name,
		Body:        body,
		CreatedAt:   s.now(),
	}
	if err := s.repos.Responses.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	return entry, nil
}

// Events returns the audit trail of a record, oldest first.
func (s *RFIService) Events(ctx context.Context, id string, limit int) ([]domain.EmailEventLog, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ForRecord(ctx, id, limit)
}

// Dashboard recomputes status counts from persisted rows.
func (s *RFIService) Dashboard(ctx context.Context) (domain.StatusCounts, error) {
	return s.repos.RFIs.CountByStatus(ctx, s.now())
}

func (s *RFIService) load(ctx context.Context, id string) (*domain.RequestRecord, error) {
	record, err := s.repos.RFIs.GetByID(ctx, id)
	if repository.IsNotFound(err) {
		return nil, errorutil.NewNotFound("rfi", map[string]any{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return record, nil
}

func (s *RFIService) sendFailed(ctx context.Context, record *domain.RequestRecord, messageID string, err error) error {
	permanent := transport.IsPermanent(err)
	code := errorutil.CodeTransportUnavailable
	if permanent {
		code = errorutil.CodeTransport
	}
	_ = s.audit.Record(ctx, audit.Entry{
		RFIID:             record.ID,
		Direction:         domain.DirectionOutbound,
		Stage:             domain.StageSend,
		Outcome:           domain.OutcomeFailed,
		ExternalMessageID: messageID,
		ErrorCode:         code,
		Err:               err,
	})
	s.logger.Warn("send failed", zap.String("rfi_id", record.ID), zap.Bool("permanent", permanent), zap.Error(err))
	return errorutil.NewTransportError(permanent, err)
}

func (s *RFIService) publishStatus(ctx context.Context, actor Actor, id string, tr lifecycle.Transition) {
	s.publishEvent(ctx, events.Event{
		Type:      events.EventRFIStatusChanged,
		RFIID:     id,
		ActorID:   actor.ID,
		Timestamp: tr.At,
		Payload: events.StatusChangedPayload{
			OldStatus: tr.From,
			NewStatus: tr.To,
			Trigger:   string(tr.Trigger),
		},
	})
}

func (s *RFIService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}
