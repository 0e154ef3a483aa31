package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/correlation"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/events"
	"github.com/spec-kit/rfi-sync-service/internal/lifecycle"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
	"github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// ErrDuplicateEvent means the message was already applied. It is acknowledged, not retried.
var ErrDuplicateEvent = errors.New("event already processed")

// maxStatusRetries bounds re-reads after a lost compare-and-set.
const maxStatusRetries = 3

// Outcome summarizes what processing a job did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeTriaged   Outcome = "triaged"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeScanned   Outcome = "scanned"
)

// Config bounds the pipeline.
type Config struct {
	Workers        int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryCeiling   time.Duration
	Mailbox        string
	SequenceHeader string
	// RecoverInterval is how often expired job leases are checked.
	RecoverInterval time.Duration
}

// Dependencies wires the pipeline to storage and the provider.
type Dependencies struct {
	Repos     repository.Repositories
	Transport transport.Client
	Resolver  *correlation.Resolver
	Audit     *audit.Trail
	Queue     Queue
	Dedup     Deduper
	Events    events.Dispatcher
	Logger    *zap.Logger
	Now       func() time.Time
}

// Receipt acknowledges an accepted delivery.
type Receipt struct {
	JobID     string
	Duplicate bool
}

// ApplyOptions carries per-call context into Apply.
type ApplyOptions struct {
	Attempt    int
	PayloadRef string
	// ResolveTriageID links an open triage item in the same transaction.
	ResolveTriageID string
}

// Pipeline accepts deliveries, queues jobs and applies messages to records.
type Pipeline struct {
	cfg       Config
	repos     repository.Repositories
	transport transport.Client
	resolver  *correlation.Resolver
	audit     *audit.Trail
	queue     Queue
	dedup     Deduper
	events    events.Dispatcher
	logger    *zap.Logger
	now       func() time.Time
	policy    transport.RetryPolicy

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPipeline creates a pipeline. Start launches its workers.
func NewPipeline(cfg Config, deps Dependencies) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SequenceHeader == "" {
		cfg.SequenceHeader = transport.SequenceHeader
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = time.Minute
	}
	cfg.Mailbox = strings.ToLower(strings.TrimSpace(cfg.Mailbox))
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	dedup := deps.Dedup
	if dedup == nil {
		dedup = NewMemoryDeduper(24 * time.Hour)
	}
	dispatcher := deps.Events
	if dispatcher == nil {
		dispatcher = events.NewInMemoryDispatcher(logger)
	}
	return &Pipeline{
		cfg:       cfg,
		repos:     deps.Repos,
		transport: deps.Transport,
		resolver:  deps.Resolver,
		audit:     deps.Audit,
		queue:     deps.Queue,
		dedup:     dedup,
		events:    dispatcher,
		logger:    logger.Named("ingestion"),
		now:       now,
		policy:    transport.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Base: cfg.RetryBase, Ceiling: cfg.RetryCeiling},
	}
}

// Accept deduplicates a push delivery and queues its job.
// ErrQueueFull means the caller should ask the provider to redeliver.
func (p *Pipeline) Accept(ctx context.Context, d Delivery) (Receipt, error) {
	job, err := d.Job(p.cfg.Mailbox)
	if err != nil {
		p.record(ctx, audit.Entry{
			Direction:  domain.DirectionInbound,
			Stage:      domain.StageReceive,
			Outcome:    domain.OutcomeFailed,
			PayloadRef: "push:" + d.PushMessageID,
			ErrorCode:  errorutil.CodeOf(err),
			Err:        err,
		})
		return Receipt{}, err
	}

	if d.PushMessageID != "" {
		first, err := p.dedup.FirstSeen(ctx, d.PushMessageID)
		if err != nil {
			// Downstream claims keep a redelivery harmless.
			p.logger.Warn("push dedupe unavailable", zap.String("push_message_id", d.PushMessageID), zap.Error(err))
			first = true
		}
		if !first {
			p.record(ctx, audit.Entry{
				Direction:  domain.DirectionInbound,
				Stage:      domain.StageReceive,
				Outcome:    domain.OutcomeDuplicate,
				PayloadRef: job.PayloadRef(),
			})
			return Receipt{Duplicate: true}, nil
		}
	}

	if err := p.Submit(ctx, job); err != nil {
		if d.PushMessageID != "" {
			if ferr := p.dedup.Forget(ctx, d.PushMessageID); ferr != nil {
				p.logger.Warn("release push dedupe key", zap.String("push_message_id", d.PushMessageID), zap.Error(ferr))
			}
		}
		p.record(ctx, audit.Entry{
			Direction:  domain.DirectionInbound,
			Stage:      domain.StageReceive,
			Outcome:    domain.OutcomeFailed,
			PayloadRef: job.PayloadRef(),
			ErrorCode:  errorutil.CodeServiceUnavailable,
			Err:        err,
		})
		return Receipt{}, err
	}

	p.record(ctx, audit.Entry{
		Direction:  domain.DirectionInbound,
		Stage:      domain.StageReceive,
		Outcome:    domain.OutcomeSuccess,
		PayloadRef: job.PayloadRef(),
	})
	return Receipt{JobID: job.ID}, nil
}

// Submit queues job without blocking.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = p.now()
	ok, err := p.queue.TryEnqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if !ok {
		return ErrQueueFull
	}
	return nil
}

// Process runs one job to completion. A returned error is worth retrying.
func (p *Pipeline) Process(ctx context.Context, job Job) (Outcome, error) {
	switch job.Kind {
	case JobMailbox:
		return p.scanMailbox(ctx, job)
	case JobMessage:
		return p.processMessage(ctx, job)
	default:
		p.logger.Warn("dropping job of unknown kind", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		return OutcomeIgnored, nil
	}
}

func (p *Pipeline) scanMailbox(ctx context.Context, job Job) (Outcome, error) {
	current := ""
	cursor, err := p.repos.Cursors.Get(ctx, job.Mailbox)
	switch {
	case err == nil:
		current = strconv.FormatUint(cursor.HistoryID, 10)
	case !repository.IsNotFound(err):
		return "", fmt.Errorf("load cursor for %s: %w", job.Mailbox, err)
	}

	ids, next, err := p.transport.ListSince(ctx, current)
	if err != nil {
		p.record(ctx, audit.Entry{
			Direction:  domain.DirectionInbound,
			Stage:      domain.StageFetch,
			Outcome:    failedOrRetrying(err),
			PayloadRef: job.PayloadRef(),
			ErrorCode:  transportCode(err),
			Err:        err,
			Attempt:    job.Attempt,
		})
		if transport.IsPermanent(err) {
			p.hold(ctx, &domain.TriageItem{
				Reason:  domain.TriageReasonFetchFailed,
				Mailbox: job.Mailbox,
				Detail:  "history listing failed: " + err.Error(),
			})
			return OutcomeTriaged, nil
		}
		return "", fmt.Errorf("list mailbox %s: %w", job.Mailbox, err)
	}

	for _, id := range ids {
		child := NewMessageJob(job.Mailbox, id)
		child.PushMessageID = job.PushMessageID
		if err := p.Submit(ctx, child); err != nil {
			return "", fmt.Errorf("fan out %s: %w", id, err)
		}
	}

	if historyID, err := strconv.ParseUint(next, 10, 64); err == nil {
		moved, err := p.repos.Cursors.Advance(ctx, job.Mailbox, historyID, p.now())
		if err != nil {
			return "", fmt.Errorf("advance cursor for %s: %w", job.Mailbox, err)
		}
		if !moved {
			p.logger.Debug("cursor not advanced", zap.String("mailbox", job.Mailbox), zap.Uint64("history_id", historyID))
		}
	}

	p.record(ctx, audit.Entry{
		Direction:  domain.DirectionInbound,
		Stage:      domain.StageFetch,
		Outcome:    domain.OutcomeSuccess,
		PayloadRef: job.PayloadRef(),
		Attempt:    job.Attempt,
	})
	p.logger.Debug("mailbox scanned", zap.String("mailbox", job.Mailbox), zap.Int("messages", len(ids)), zap.String("cursor", next))
	return OutcomeScanned, nil
}

func (p *Pipeline) processMessage(ctx context.Context, job Job) (Outcome, error) {
	raw, err := p.transport.FetchMessage(ctx, job.ProviderMessageID)
	if err != nil {
		p.record(ctx, audit.Entry{
			Direction:  domain.DirectionInbound,
			Stage:      domain.StageFetch,
			Outcome:    failedOrRetrying(err),
			PayloadRef: job.PayloadRef(),
			ErrorCode:  transportCode(err),
			Err:        err,
			Attempt:    job.Attempt,
		})
		if transport.IsPermanent(err) {
			p.hold(ctx, &domain.TriageItem{
				Reason:            domain.TriageReasonFetchFailed,
				Mailbox:           job.Mailbox,
				ProviderMessageID: job.ProviderMessageID,
				Detail:            err.Error(),
			})
			return OutcomeTriaged, nil
		}
		return "", fmt.Errorf("fetch %s: %w", job.ProviderMessageID, err)
	}

	msg, err := parser.ParseWithHeader(raw, p.cfg.SequenceHeader)
	if err != nil {
		p.record(ctx, audit.Entry{
			Direction:  domain.DirectionInbound,
			Stage:      domain.StageParse,
			Outcome:    domain.OutcomeFailed,
			ThreadID:   raw.ThreadID,
			PayloadRef: job.PayloadRef(),
			ErrorCode:  errorutil.CodeParse,
			Err:        err,
			Attempt:    job.Attempt,
		})
		p.hold(ctx, &domain.TriageItem{
			Reason:            domain.TriageReasonParseError,
			Mailbox:           job.Mailbox,
			ProviderMessageID: job.ProviderMessageID,
			ThreadID:          raw.ThreadID,
			Detail:            err.Error(),
		})
		return OutcomeTriaged, nil
	}

	return p.route(ctx, job, msg)
}

// route sends a parsed message to delivery confirmation, the duplicate path, triage or Apply.
func (p *Pipeline) route(ctx context.Context, job Job, msg parser.ParsedMessage) (Outcome, error) {
	if p.isOwnCopy(msg) {
		return p.handleOwnCopy(ctx, job, msg)
	}

	dup, err := p.resolver.IsDuplicate(ctx, msg.MessageID)
	if err != nil {
		return "", err
	}
	if dup {
		p.record(ctx, audit.Entry{
			Direction:         domain.DirectionInbound,
			Stage:             domain.StageResolve,
			Outcome:           domain.OutcomeDuplicate,
			ExternalMessageID: msg.MessageID,
			ThreadID:          msg.ThreadID,
			PayloadRef:        job.PayloadRef(),
			Attempt:           job.Attempt,
		})
		return OutcomeDuplicate, nil
	}

	res, err := p.resolver.Resolve(ctx, msg)
	if err != nil {
		var miss *correlation.MissError
		if !errors.As(err, &miss) {
			return "", err
		}
		p.record(ctx, audit.Entry{
			Direction:         domain.DirectionInbound,
			Stage:             domain.StageResolve,
			Outcome:           domain.OutcomeUnmatched,
			ExternalMessageID: msg.MessageID,
			ThreadID:          msg.ThreadID,
			PayloadRef:        job.PayloadRef(),
			ErrorCode:         errorutil.CodeCorrelationMiss,
			Err:               err,
			Attempt:           job.Attempt,
		})
		p.hold(ctx, triageFor(job.Mailbox, msg, miss.Reason, nil, miss.Detail))
		return OutcomeTriaged, nil
	}

	p.record(ctx, audit.Entry{
		RFIID:             res.Record.ID,
		Direction:         domain.DirectionInbound,
		Stage:             domain.StageResolve,
		Outcome:           domain.OutcomeSuccess,
		ExternalMessageID: msg.MessageID,
		ThreadID:          msg.ThreadID,
		PayloadRef:        job.PayloadRef() + " matched_by=" + string(res.MatchedBy),
		Attempt:           job.Attempt,
	})

	outcome, err := p.Apply(ctx, msg, res.Record, ApplyOptions{Attempt: job.Attempt, PayloadRef: job.PayloadRef()})
	if errors.Is(err, ErrDuplicateEvent) {
		return OutcomeDuplicate, nil
	}
	return outcome, err
}

// Apply records msg as a response on record, moving the record to answered.
// Closed and draft records are held for triage instead; with ResolveTriageID
// set they are rejected with a *lifecycle.StateConflictError.
func (p *Pipeline) Apply(ctx context.Context, msg parser.ParsedMessage, record *domain.RequestRecord, opts ApplyOptions) (Outcome, error) {
	for try := 0; try < maxStatusRetries; try++ {
		if try > 0 {
			fresh, err := p.repos.RFIs.GetByID(ctx, record.ID)
			if err != nil {
				return "", fmt.Errorf("reload record %s: %w", record.ID, err)
			}
			record = fresh
		}

		to, triggers, err := replyTransition(record.Status)
		if err != nil {
			if opts.ResolveTriageID != "" {
				return "", err
			}
			reason := domain.TriageReasonRecordClosed
			if record.Status == domain.RFIStatusDraft {
				reason = domain.TriageReasonRecordDraft
			}
			p.record(ctx, audit.Entry{
				RFIID:             record.ID,
				Direction:         domain.DirectionInbound,
				Stage:             domain.StageResolve,
				Outcome:           domain.OutcomeUnmatched,
				ExternalMessageID: msg.MessageID,
				ThreadID:          msg.ThreadID,
				PayloadRef:        opts.PayloadRef,
				ErrorCode:         errorutil.CodeStateConflict,
				Err:               err,
				Attempt:           opts.Attempt,
			})
			candidate := record.ID
			p.hold(ctx, triageFor("", msg, reason, &candidate, err.Error()))
			return OutcomeTriaged, nil
		}

		ex := p.responseExchange(msg, record, to, opts)
		err = p.repos.Exchanges.Persist(ctx, ex)
		switch {
		case err == nil:
			p.logger.Info("response applied",
				zap.String("rfi_id", record.ID),
				zap.String("message_id", msg.MessageID),
				zap.String("from_status", string(record.Status)),
				zap.String("to_status", string(to)),
				zap.Strings("triggers", triggerNames(triggers)))
			p.publishResponse(ctx, record, ex, triggers)
			return OutcomeApplied, nil
		case errors.Is(err, repository.ErrAlreadyClaimed):
			p.record(ctx, audit.Entry{
				RFIID:             record.ID,
				Direction:         domain.DirectionInbound,
				Stage:             domain.StagePersist,
				Outcome:           domain.OutcomeDuplicate,
				ExternalMessageID: msg.MessageID,
				ThreadID:          msg.ThreadID,
				PayloadRef:        opts.PayloadRef,
				Attempt:           opts.Attempt,
			})
			return OutcomeDuplicate, ErrDuplicateEvent
		case errors.Is(err, repository.ErrStatusChanged):
			p.logger.Debug("status changed during apply; re-reading", zap.String("rfi_id", record.ID), zap.Int("try", try+1))
			continue
		case errors.Is(err, repository.ErrTriageResolved):
			return "", err
		default:
			p.record(ctx, audit.Entry{
				RFIID:             record.ID,
				Direction:         domain.DirectionInbound,
				Stage:             domain.StagePersist,
				Outcome:           domain.OutcomeFailed,
				ExternalMessageID: msg.MessageID,
				PayloadRef:        opts.PayloadRef,
				ErrorCode:         errorutil.CodeInternal,
				Err:               err,
				Attempt:           opts.Attempt,
			})
			return "", fmt.Errorf("persist response %s: %w", msg.MessageID, err)
		}
	}
	return "", fmt.Errorf("apply %s to %s: %w", msg.MessageID, record.ID, repository.ErrStatusChanged)
}

func (p *Pipeline) responseExchange(msg parser.ParsedMessage, record *domain.RequestRecord, to domain.RFIStatus, opts ApplyOptions) *repository.Exchange {
	now := p.now()
	messageID := msg.MessageID
	createdAt := msg.ReceivedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &repository.Exchange{
		Claim: &repository.MessageClaim{MessageID: messageID, RFIID: record.ID, Kind: domain.MessageClaimResponse},
		Response: &domain.ResponseEntry{
			RFIID:             record.ID,
			Origin:            domain.ResponseOriginExternal,
			ExternalMessageID: &messageID,
			AuthorEmail:       msg.From,
			AuthorName:        msg.FromName,
			Body:              msg.BodyText,
			Attachments:       msg.Attachments,
			CreatedAt:         createdAt,
		},
		Status: &repository.StatusChange{RFIID: record.ID, From: record.Status, To: to, At: now},
		Notification: &domain.Notification{
			RFIID:     record.ID,
			EventType: domain.NotificationResponseReceived,
			DedupeKey: messageID,
			Payload: map[string]any{
				"sequence_number": record.SequenceNumber,
				"subject":         record.Subject,
				"project_id":      record.ProjectID,
				"author_email":    msg.From,
				"message_id":      messageID,
				"attachments":     len(msg.Attachments),
			},
		},
		Events: []*domain.EmailEventLog{p.audit.Observe(audit.Entry{
			RFIID:             record.ID,
			Direction:         domain.DirectionInbound,
			Stage:             domain.StagePersist,
			Outcome:           domain.OutcomeSuccess,
			ExternalMessageID: messageID,
			ThreadID:          msg.ThreadID,
			PayloadRef:        opts.PayloadRef,
			Attempt:           opts.Attempt,
		})},
		ResolveTriageID: opts.ResolveTriageID,
		At:              now,
	}
}

func (p *Pipeline) publishResponse(ctx context.Context, record *domain.RequestRecord, ex *repository.Exchange, triggers []lifecycle.Trigger) {
	if ex.Status.From != ex.Status.To {
		_ = p.events.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Type:      events.EventRFIStatusChanged,
			RFIID:     record.ID,
			Timestamp: ex.Status.At,
			Payload: events.StatusChangedPayload{
				OldStatus: ex.Status.From,
				NewStatus: ex.Status.To,
				Trigger:   strings.Join(triggerNames(triggers), ","),
			},
		})
	}
	_ = p.events.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventResponseReceived,
		RFIID:     record.ID,
		Timestamp: ex.At,
		Payload: events.ResponseReceivedPayload{
			ResponseID:  ex.Response.ID,
			MessageID:   *ex.Response.ExternalMessageID,
			AuthorEmail: ex.Response.AuthorEmail,
			BodyPreview: preview(ex.Response.Body, 140),
		},
	})
}

func (p *Pipeline) isOwnCopy(msg parser.ParsedMessage) bool {
	return p.cfg.Mailbox != "" && msg.From == p.cfg.Mailbox
}

// handleOwnCopy treats a copy of a message this service sent as proof of delivery.
func (p *Pipeline) handleOwnCopy(ctx context.Context, job Job, msg parser.ParsedMessage) (Outcome, error) {
	entry := audit.Entry{
		Direction:         domain.DirectionOutbound,
		Stage:             domain.StageResolve,
		ExternalMessageID: msg.MessageID,
		ThreadID:          msg.ThreadID,
		PayloadRef:        job.PayloadRef(),
	}
	claim, err := p.repos.Claims.Get(ctx, msg.MessageID)
	if repository.IsNotFound(err) {
		p.logger.Debug("ignoring outbound message not sent by this service", zap.String("message_id", msg.MessageID))
		entry.Outcome = domain.OutcomeUnmatched
		entry.PayloadRef += " not_sent_by_service"
		p.record(ctx, entry)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("load claim %s: %w", msg.MessageID, err)
	}
	entry.RFIID = claim.RFIID
	if claim.Kind != domain.MessageClaimRoot {
		entry.Outcome = domain.OutcomeDuplicate
		p.record(ctx, entry)
		return OutcomeIgnored, nil
	}
	record, err := p.repos.RFIs.GetByID(ctx, claim.RFIID)
	if err != nil {
		return "", fmt.Errorf("load record %s: %w", claim.RFIID, err)
	}
	confirmed, err := p.ConfirmDelivery(ctx, record, job.PayloadRef())
	if err != nil {
		return "", err
	}
	if !confirmed {
		entry.Outcome = domain.OutcomeDuplicate
		p.record(ctx, entry)
		return OutcomeIgnored, nil
	}
	return OutcomeConfirmed, nil
}

// ConfirmDelivery moves a sent record to waiting_response. It reports false
// when the record is no longer in sent.
func (p *Pipeline) ConfirmDelivery(ctx context.Context, record *domain.RequestRecord, payloadRef string) (bool, error) {
	next := *record
	transition, err := lifecycle.Apply(&next, lifecycle.TriggerConfirmDelivery, p.now())
	if err != nil {
		return false, nil
	}
	root := ""
	if record.RootMessageID != nil {
		root = *record.RootMessageID
	}
	threadID := ""
	if record.ThreadID != nil {
		threadID = *record.ThreadID
	}
	ex := &repository.Exchange{
		Status: &repository.StatusChange{RFIID: record.ID, From: transition.From, To: transition.To, At: transition.At},
		Events: []*domain.EmailEventLog{p.audit.Observe(audit.Entry{
			RFIID:             record.ID,
			Direction:         domain.DirectionOutbound,
			Stage:             domain.StageSend,
			Outcome:           domain.OutcomeSuccess,
			ExternalMessageID: root,
			ThreadID:          threadID,
			PayloadRef:        payloadRef + " delivery_confirmed",
		})},
		At: transition.At,
	}
	if err := p.repos.Exchanges.Persist(ctx, ex); err != nil {
		if errors.Is(err, repository.ErrStatusChanged) {
			return false, nil
		}
		return false, fmt.Errorf("confirm delivery of %s: %w", record.ID, err)
	}
	p.logger.Info("delivery confirmed", zap.String("rfi_id", record.ID), zap.String("thread_id", threadID))
	_ = p.events.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventRFIStatusChanged,
		RFIID:     record.ID,
		Timestamp: transition.At,
		Payload: events.StatusChangedPayload{
			OldStatus: transition.From,
			NewStatus: transition.To,
			Trigger:   string(lifecycle.TriggerConfirmDelivery),
		},
	})
	return true, nil
}

// hold stores a triage item and announces it. Duplicate open items are skipped.
func (p *Pipeline) hold(ctx context.Context, item *domain.TriageItem) {
	created, err := p.repos.Triage.Create(ctx, item)
	if err != nil {
		p.logger.Error("store triage item", zap.String("reason", string(item.Reason)), zap.String("provider_message_id", item.ProviderMessageID), zap.Error(err))
		return
	}
	if !created {
		return
	}
	p.logger.Info("message held for triage",
		zap.String("triage_id", item.ID),
		zap.String("reason", string(item.Reason)),
		zap.String("provider_message_id", item.ProviderMessageID))
	_ = p.events.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventMessageTriaged,
		Timestamp: p.now(),
		Payload: events.MessageTriagedPayload{
			TriageID:          item.ID,
			Reason:            item.Reason,
			ProviderMessageID: item.ProviderMessageID,
		},
	})
}

func (p *Pipeline) record(ctx context.Context, entry audit.Entry) {
	_ = p.audit.Record(ctx, entry)
}

// replyTransition returns the status an inbound reply moves a record to.
// A reply to a sent record implies delivery, so both triggers apply in one step.
func replyTransition(status domain.RFIStatus) (domain.RFIStatus, []lifecycle.Trigger, error) {
	switch status {
	case domain.RFIStatusAnswered:
		return status, nil, nil
	case domain.RFIStatusSent:
		mid, err := lifecycle.Next(status, lifecycle.TriggerConfirmDelivery)
		if err != nil {
			return "", nil, err
		}
		to, err := lifecycle.Next(mid, lifecycle.TriggerReceiveResponse)
		if err != nil {
			return "", nil, err
		}
		return to, []lifecycle.Trigger{lifecycle.TriggerConfirmDelivery, lifecycle.TriggerReceiveResponse}, nil
	default:
		to, err := lifecycle.Next(status, lifecycle.TriggerReceiveResponse)
		if err != nil {
			return "", nil, err
		}
		return to, []lifecycle.Trigger{lifecycle.TriggerReceiveResponse}, nil
	}
}

func triageFor(mailbox string, msg parser.ParsedMessage, reason domain.TriageReason, candidate *string, detail string) *domain.TriageItem {
	return &domain.TriageItem{
		Reason:            reason,
		Mailbox:           mailbox,
		ProviderMessageID: msg.ProviderMessageID,
		ExternalMessageID: msg.MessageID,
		ThreadID:          msg.ThreadID,
		FromAddress:       msg.From,
		Subject:           msg.Subject,
		SequenceNumber:    msg.SequenceNumber,
		CandidateRFIID:    candidate,
		Detail:            detail,
	}
}

func failedOrRetrying(err error) domain.EventOutcome {
	if transport.IsPermanent(err) {
		return domain.OutcomeFailed
	}
	return domain.OutcomeRetrying
}

func transportCode(err error) string {
	if transport.IsPermanent(err) {
		return errorutil.CodeTransport
	}
	return errorutil.CodeTransportUnavailable
}

func triggerNames(triggers []lifecycle.Trigger) []string {
	out := make([]string, len(triggers))
	for i, t := range triggers {
		out[i] = string(t)
	}
	return out
}

func preview(body string, n int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= n {
		return body
	}
	return string(runes[:n]) + "…"
}
