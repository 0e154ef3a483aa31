package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

var (
	// ErrAlreadyClaimed means another writer owns the external message id.
	ErrAlreadyClaimed = errors.New("external message id already claimed")
	// ErrStatusChanged means a compare-and-set status update lost a race.
	ErrStatusChanged = errors.New("record status changed concurrently")
	// ErrThreadAssigned means the record already has a thread id.
	ErrThreadAssigned = errors.New("thread id already assigned")
	// ErrTriageResolved means the triage item was no longer open.
	ErrTriageResolved = errors.New("triage item already resolved")
)

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// RFIFilter captures list parameters.
type RFIFilter struct {
	ProjectID *string
	Statuses  []domain.RFIStatus
	Overdue   *bool
	Now       time.Time
	Limit     int
	Offset    int
}

// RFIRepository encapsulates request record persistence.
type RFIRepository interface {
	Create(ctx context.Context, record *domain.RequestRecord) error
	GetByID(ctx context.Context, id string) (*domain.RequestRecord, error)
	GetByThreadID(ctx context.Context, threadID string) (*domain.RequestRecord, error)
	// FindBySequence matches across projects; more than one result is ambiguous.
	FindBySequence(ctx context.Context, sequence string) ([]domain.RequestRecord, error)
	ListWithFilter(ctx context.Context, filter RFIFilter) ([]domain.RequestRecord, error)
	// ListOpenDueBefore returns non-closed records with a due date before t.
	ListOpenDueBefore(ctx context.Context, t time.Time, limit int) ([]domain.RequestRecord, error)
	// ListSentBefore returns records still in sent whose sent_at is before t.
	ListSentBefore(ctx context.Context, t time.Time, limit int) ([]domain.RequestRecord, error)
	NextSequence(ctx context.Context, projectID, prefix string, year int) (string, error)
	CountByStatus(ctx context.Context, now time.Time) (domain.StatusCounts, error)
}

// MessageClaim maps an external message id to the record that owns it.
type MessageClaim struct {
	MessageID string
	RFIID     string
	Kind      domain.MessageClaimKind
	CreatedAt time.Time
}

// ClaimRepository reads the shared external message id registry.
type ClaimRepository interface {
	Get(ctx context.Context, messageID string) (*MessageClaim, error)
	// FindFirst returns the claim of the first id that has one.
	FindFirst(ctx context.Context, messageIDs []string) (*MessageClaim, error)
}

// ResponseRepository stores conversation entries.
type ResponseRepository interface {
	Create(ctx context.Context, entry *domain.ResponseEntry) error
	ListByRFI(ctx context.Context, rfiID string) ([]domain.ResponseEntry, error)
}

// EmailEventRepository is append-only.
type EmailEventRepository interface {
	Append(ctx context.Context, event *domain.EmailEventLog) error
	ListByRFI(ctx context.Context, rfiID string, limit int) ([]domain.EmailEventLog, error)
	ListByOutcome(ctx context.Context, outcome domain.EventOutcome, limit int) ([]domain.EmailEventLog, error)
}

// TriageFilter captures triage list parameters.
type TriageFilter struct {
	Status *domain.TriageStatus
	Reason *domain.TriageReason
	Limit  int
	Offset int
}

// TriageRepository stores messages held for operators.
type TriageRepository interface {
	// Create returns false when an open item for the same message and reason exists.
	Create(ctx context.Context, item *domain.TriageItem) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.TriageItem, error)
	List(ctx context.Context, filter TriageFilter) ([]domain.TriageItem, error)
	// Resolve moves an open item to status; false when it was no longer open.
	Resolve(ctx context.Context, id string, status domain.TriageStatus, rfiID *string, at time.Time) (bool, error)
	CountOpen(ctx context.Context) (int, error)
}

// NotificationRepository is the notification outbox.
type NotificationRepository interface {
	// Insert returns false when (rfi_id, event_type, dedupe_key) already exists.
	Insert(ctx context.Context, n *domain.Notification) (bool, error)
	// ClaimDue leases up to limit pending rows due at now by pushing next_attempt_at forward.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Notification, error)
	// MarkChannelDelivered records that one channel accepted the row, so retries skip it.
	MarkChannelDelivered(ctx context.Context, id, channel string) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, final bool) error
	ListByRFI(ctx context.Context, rfiID string) ([]domain.Notification, error)
}

// CursorRepository stores per-mailbox history positions.
type CursorRepository interface {
	Get(ctx context.Context, mailbox string) (*domain.MailboxCursor, error)
	// Advance only moves forward; it returns false for stale positions.
	Advance(ctx context.Context, mailbox string, historyID uint64, at time.Time) (bool, error)
}

// StatusChange is a compare-and-set status update.
type StatusChange struct {
	RFIID string
	From  domain.RFIStatus
	To    domain.RFIStatus
	At    time.Time
}

// ThreadAssignment sets the thread and root message once, at send time.
type ThreadAssignment struct {
	RFIID         string
	ThreadID      string
	RootMessageID string
}

// Exchange bundles the writes for one message that commit or roll back together.
type Exchange struct {
	Claim        *MessageClaim
	Thread       *ThreadAssignment
	Response     *domain.ResponseEntry
	Status       *StatusChange
	Events       []*domain.EmailEventLog
	Notification *domain.Notification
	Triage       *domain.TriageItem
	// ResolveTriageID closes the triage item in the same unit.
	ResolveTriageID string
	At              time.Time
}

func (ex *Exchange) at() time.Time {
	if ex.At.IsZero() {
		return time.Now().UTC()
	}
	return ex.At
}

// ExchangeRepository commits an Exchange atomically.
// A lost claim yields ErrAlreadyClaimed and a lost status race ErrStatusChanged;
// nothing is written in either case.
type ExchangeRepository interface {
	Persist(ctx context.Context, ex *Exchange) error
}

// Repositories groups every store the services need.
type Repositories struct {
	RFIs          RFIRepository
	Claims        ClaimRepository
	Responses     ResponseRepository
	Events        EmailEventRepository
	Triage        TriageRepository
	Notifications NotificationRepository
	Cursors       CursorRepository
	Exchanges     ExchangeRepository
}

// NewPostgresRepositories wires every pgx-backed repository to pool.
func NewPostgresRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		RFIs:          NewRFIRepository(pool),
		Claims:        NewClaimRepository(pool),
		Responses:     NewResponseRepository(pool),
		Events:        NewEmailEventRepository(pool),
		Triage:        NewTriageRepository(pool),
		Notifications: NewNotificationRepository(pool),
		Cursors:       NewCursorRepository(pool),
		Exchanges:     NewExchangeRepository(pool),
	}
}
