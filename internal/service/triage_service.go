package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/ingestion"
	"github.com/spec-kit/rfi-sync-service/internal/lifecycle"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
	"github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// MessageApplier is the part of the ingestion pipeline operators drive by hand.
type MessageApplier interface {
	Apply(ctx context.Context, msg parser.ParsedMessage, record *domain.RequestRecord, opts ingestion.ApplyOptions) (ingestion.Outcome, error)
	Submit(ctx context.Context, job ingestion.Job) error
}

// TriageService lets operators resolve held messages.
type TriageService struct {
	triage    repository.TriageRepository
	rfis      repository.RFIRepository
	claims    repository.ClaimRepository
	transport transport.Client
	pipeline  MessageApplier
	logger    *zap.Logger
	now       func() time.Time
}

// TriageDependencies bundles what the service needs.
type TriageDependencies struct {
	Repos     repository.Repositories
	Transport transport.Client
	Pipeline  MessageApplier
	Logger    *zap.Logger
	Now       func() time.Time
}

// TriageListFilter describes list filters. A nil Status lists open items.
type TriageListFilter struct {
	Status *domain.TriageStatus
	Reason *domain.TriageReason
	Limit  int
	Offset int
}

// NewTriageService constructs the service.
func NewTriageService(deps TriageDependencies) *TriageService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TriageService{
		triage:    deps.Repos.Triage,
		rfis:      deps.Repos.RFIs,
		claims:    deps.Repos.Claims,
		transport: deps.Transport,
		pipeline:  deps.Pipeline,
		logger:    logger.Named("triage_service"),
		now:       now,
	}
}

// List returns triage items.
func (s *TriageService) List(ctx context.Context, filter TriageListFilter) ([]domain.TriageItem, error) {
	status := filter.Status
	if status == nil {
		open := domain.TriageStatusOpen
		status = &open
	}
	return s.triage.List(ctx, repository.TriageFilter{
		Status: status,
		Reason: filter.Reason,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// Get returns one item.
func (s *TriageService) Get(ctx context.Context, id string) (*domain.TriageItem, error) {
	item, err := s.triage.GetByID(ctx, id)
	if repository.IsNotFound(err) {
		return nil, errorutil.NewNotFound("triage item", map[string]any{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("load triage item %s: %w", id, err)
	}
	return item, nil
}

// Link applies the held message to rfiID as a response. The claim, entry,
// transition, notification and resolution commit together.
func (s *TriageService) Link(ctx context.Context, actor Actor, id, rfiID string) (*domain.TriageItem, error) {
	item, err := s.openItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.ProviderMessageID == "" {
		return nil, errorutil.NewValidationError("triage item has no provider message to link", map[string]any{"id": id})
	}
	record, err := s.rfis.GetByID(ctx, rfiID)
	if repository.IsNotFound(err) {
		return nil, errorutil.NewNotFound("rfi", map[string]any{"id": rfiID})
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", rfiID, err)
	}

	raw, err := s.transport.FetchMessage(ctx, item.ProviderMessageID)
	if err != nil {
		return nil, errorutil.NewTransportError(transport.IsPermanent(err), err)
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return nil, errorutil.NewParseError("held message cannot be parsed", err)
	}

	_, err = s.pipeline.Apply(ctx, msg, record, ingestion.ApplyOptions{
		PayloadRef:      "triage:" + id,
		ResolveTriageID: id,
	})
	var conflict *lifecycle.StateConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		return nil, errorutil.NewStateConflict(string(conflict.From), string(conflict.Trigger), err)
	case errors.Is(err, repository.ErrTriageResolved):
		return nil, errorutil.NewConflict("triage item already resolved", map[string]any{"id": id})
	case errors.Is(err, ingestion.ErrDuplicateEvent):
		// Already applied through another path; close the item if it went to this record.
		claim, cerr := s.claims.Get(ctx, msg.MessageID)
		if cerr != nil {
			return nil, fmt.Errorf("load claim %s: %w", msg.MessageID, cerr)
		}
		if claim.RFIID != rfiID {
			return nil, errorutil.NewConflict("message already linked to another record", map[string]any{
				"message_id": msg.MessageID,
				"rfi_id":     claim.RFIID,
			})
		}
		if _, err := s.triage.Resolve(ctx, id, domain.TriageStatusLinked, &rfiID, s.now()); err != nil {
			return nil, fmt.Errorf("resolve triage item %s: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("link triage item %s: %w", id, err)
	}

	s.logger.Info("triage item linked",
		zap.String("triage_id", id),
		zap.String("rfi_id", rfiID),
		zap.String("actor_id", actor.ID),
		zap.String("message_id", msg.MessageID))
	return s.Get(ctx, id)
}

// Requeue resolves the item and hands its message back to the pipeline.
// If the queue refuses the job the item is held again.
func (s *TriageService) Requeue(ctx context.Context, actor Actor, id string) (*domain.TriageItem, error) {
	item, err := s.openItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.ProviderMessageID == "" {
		return nil, errorutil.NewValidationError("triage item has no provider message to requeue", map[string]any{"id": id})
	}
	if err := s.resolve(ctx, id, domain.TriageStatusRequeued, nil); err != nil {
		return nil, err
	}

	job := ingestion.NewMessageJob(item.Mailbox, item.ProviderMessageID)
	if err := s.pipeline.Submit(ctx, job); err != nil {
		held := *item
		held.ID = ""
		held.Status = domain.TriageStatusOpen
		held.ResolvedAt = nil
		held.ResolvedRFIID = nil
		if _, herr := s.triage.Create(ctx, &held); herr != nil {
			s.logger.Error("re-hold after failed requeue", zap.String("triage_id", id), zap.Error(herr))
		}
		if errors.Is(err, ingestion.ErrQueueFull) {
			return nil, errorutil.NewServiceUnavailable("ingestion queue is full", map[string]any{"id": id})
		}
		return nil, fmt.Errorf("requeue triage item %s: %w", id, err)
	}
	s.logger.Info("triage item requeued", zap.String("triage_id", id), zap.String("job_id", job.ID), zap.String("actor_id", actor.ID))
	return s.Get(ctx, id)
}

// Dismiss closes the item without touching any record.
func (s *TriageService) Dismiss(ctx context.Context, actor Actor, id string) (*domain.TriageItem, error) {
	if _, err := s.openItem(ctx, id); err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, id, domain.TriageStatusDismissed, nil); err != nil {
		return nil, err
	}
	s.logger.Info("triage item dismissed", zap.String("triage_id", id), zap.String("actor_id", actor.ID))
	return s.Get(ctx, id)
}

// CountOpen feeds the dashboard.
func (s *TriageService) CountOpen(ctx context.Context) (int, error) {
	return s.triage.CountOpen(ctx)
}

func (s *TriageService) openItem(ctx context.Context, id string) (*domain.TriageItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.TriageStatusOpen {
		return nil, errorutil.NewConflict("triage item already resolved", map[string]any{"id": id, "status": item.Status})
	}
	return item, nil
}

func (s *TriageService) resolve(ctx context.Context, id string, status domain.TriageStatus, rfiID *string) error {
	ok, err := s.triage.Resolve(ctx, id, status, rfiID, s.now())
	if err != nil {
		return fmt.Errorf("resolve triage item %s: %w", id, err)
	}
	if !ok {
		return errorutil.NewConflict("triage item already resolved", map[string]any{"id": id})
	}
	return nil
}
