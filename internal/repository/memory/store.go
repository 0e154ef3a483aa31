// Package memory provides in-process implementations of every repository.
// It backs the service when no Postgres DSN is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
)

// Store holds all tables behind one mutex so Persist is atomic.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	rfis          map[string]domain.RequestRecord
	sequences     map[string]int
	claims        map[string]repository.MessageClaim
	responses     []domain.ResponseEntry
	events        []domain.EmailEventLog
	triage        map[string]domain.TriageItem
	notifications map[string]domain.Notification
	cursors       map[string]domain.MailboxCursor
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		rfis:          make(map[string]domain.RequestRecord),
		sequences:     make(map[string]int),
		claims:        make(map[string]repository.MessageClaim),
		triage:        make(map[string]domain.TriageItem),
		notifications: make(map[string]domain.Notification),
		cursors:       make(map[string]domain.MailboxCursor),
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() repository.Repositories {
	return repository.Repositories{
		RFIs:          rfiRepo{s},
		Claims:        claimRepo{s},
		Responses:     responseRepo{s},
		Events:        eventRepo{s},
		Triage:        triageRepo{s},
		Notifications: notificationRepo{s},
		Cursors:       cursorRepo{s},
		Exchanges:     exchangeRepo{s},
	}
}

type rfiRepo struct{ s *Store }

func (r rfiRepo) Create(_ context.Context, record *domain.RequestRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rfis {
		if existing.ProjectID == record.ProjectID && existing.SequenceNumber == record.SequenceNumber {
			return fmt.Errorf("duplicate sequence number %s in project %s", record.SequenceNumber, record.ProjectID)
		}
	}
	now := s.now()
	record.ID = uuid.NewString()
	record.CreatedAt = now
	record.UpdatedAt = now
	s.rfis[record.ID] = *record
	return nil
}

func (r rfiRepo) GetByID(_ context.Context, id string) (*domain.RequestRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.rfis[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &record, nil
}

func (r rfiRepo) GetByThreadID(_ context.Context, threadID string) (*domain.RequestRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.rfis {
		if record.ThreadID != nil && *record.ThreadID == threadID {
			out := record
			return &out, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r rfiRepo) FindBySequence(_ context.Context, sequence string) ([]domain.RequestRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RequestRecord
	for _, record := range s.rfis {
		if record.SequenceNumber == sequence {
			out = append(out, record)
		}
	}
	sortRecords(out, false)
	return out, nil
}

func (r rfiRepo) ListWithFilter(_ context.Context, filter repository.RFIFilter) ([]domain.RequestRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := filter.Now
	if now.IsZero() {
		now = s.now()
	}
	statuses := make(map[domain.RFIStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}
	var out []domain.RequestRecord
	for _, record := range s.rfis {
		if filter.ProjectID != nil && record.ProjectID != *filter.ProjectID {
			continue
		}
		if len(statuses) > 0 && !statuses[record.Status] {
			continue
		}
		if filter.Overdue != nil && record.IsOverdue(now) != *filter.Overdue {
			continue
		}
		out = append(out, record)
	}
	sortRecords(out, true)
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return page(out, filter.Offset, limit), nil
}

func (r rfiRepo) ListOpenDueBefore(_ context.Context, t time.Time, limit int) ([]domain.RequestRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RequestRecord
	for _, record := range s.rfis {
		if record.Status == domain.RFIStatusClosed || record.Status == domain.RFIStatusDraft || record.DueDate == nil {
			continue
		}
		if record.DueDate.Before(t) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return page(out, 0, limit), nil
}

func (r rfiRepo) ListSentBefore(_ context.Context, t time.Time, limit int) ([]domain.RequestRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RequestRecord
	for _, record := range s.rfis {
		if record.Status == domain.RFIStatusSent && record.SentAt != nil && record.SentAt.Before(t) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(*out[j].SentAt) })
	return page(out, 0, limit), nil
}

func (r rfiRepo) NextSequence(_ context.Context, projectID, prefix string, year int) (string, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%d", projectID, year)
	s.sequences[key]++
	return repository.FormatSequence(prefix, year, s.sequences[key]), nil
}

func (r rfiRepo) CountByStatus(_ context.Context, now time.Time) (domain.StatusCounts, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := domain.StatusCounts{ByStatus: make(map[domain.RFIStatus]int, len(domain.AllRFIStatuses))}
	for _, status := range domain.AllRFIStatuses {
		counts.ByStatus[status] = 0
	}
	for _, record := range s.rfis {
		counts.ByStatus[record.Status]++
		if record.IsOverdue(now) {
			counts.Overdue++
		}
	}
	for _, item := range s.triage {
		if item.Status == domain.TriageStatusOpen {
			counts.OpenTriage++
		}
	}
	return counts, nil
}

type claimRepo struct{ s *Store }

func (r claimRepo) Get(_ context.Context, messageID string) (*repository.MessageClaim, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[messageID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &claim, nil
}

func (r claimRepo) FindFirst(_ context.Context, messageIDs []string) (*repository.MessageClaim, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if claim, ok := s.claims[id]; ok {
			return &claim, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type responseRepo struct{ s *Store }

func (r responseRepo) Create(_ context.Context, entry *domain.ResponseEntry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rfis[entry.RFIID]; !ok {
		return pgx.ErrNoRows
	}
	s.insertResponseLocked(entry)
	return nil
}

func (r responseRepo) ListByRFI(_ context.Context, rfiID string) ([]domain.ResponseEntry, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ResponseEntry
	for _, entry := range s.responses {
		if entry.RFIID == rfiID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type eventRepo struct{ s *Store }

func (r eventRepo) Append(_ context.Context, event *domain.EmailEventLog) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(event)
	return nil
}

func (r eventRepo) ListByRFI(_ context.Context, rfiID string, limit int) ([]domain.EmailEventLog, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailEventLog
	for _, event := range s.events {
		if event.RFIID != nil && *event.RFIID == rfiID {
			out = append(out, event)
		}
	}
	return page(out, 0, clamp(limit)), nil
}

func (r eventRepo) ListByOutcome(_ context.Context, outcome domain.EventOutcome, limit int) ([]domain.EmailEventLog, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailEventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Outcome == outcome {
			out = append(out, s.events[i])
		}
	}
	return page(out, 0, clamp(limit)), nil
}

type triageRepo struct{ s *Store }

func (r triageRepo) Create(_ context.Context, item *domain.TriageItem) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTriageLocked(item), nil
}

func (r triageRepo) GetByID(_ context.Context, id string) (*domain.TriageItem, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.triage[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &item, nil
}

func (r triageRepo) List(_ context.Context, filter repository.TriageFilter) ([]domain.TriageItem, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TriageItem
	for _, item := range s.triage {
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		if filter.Reason != nil && item.Reason != *filter.Reason {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return page(out, filter.Offset, limit), nil
}

func (r triageRepo) Resolve(_ context.Context, id string, status domain.TriageStatus, rfiID *string, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveTriageLocked(id, status, rfiID, at), nil
}

func (r triageRepo) CountOpen(_ context.Context) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.triage {
		if item.Status == domain.TriageStatusOpen {
			n++
		}
	}
	return n, nil
}

type notificationRepo struct{ s *Store }

func (r notificationRepo) Insert(_ context.Context, n *domain.Notification) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertNotificationLocked(n), nil
}

func (r notificationRepo) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Notification, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Notification
	for _, n := range s.notifications {
		if n.Status == domain.NotificationPending && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	due = page(due, 0, limit)
	for i := range due {
		due[i].Attempts++
		due[i].NextAttemptAt = now.Add(lease)
		s.notifications[due[i].ID] = due[i]
	}
	return due, nil
}

func (r notificationRepo) MarkChannelDelivered(_ context.Context, id, channel string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if !n.DeliveredTo(channel) {
		n.DeliveredChannels = append(append([]string(nil), n.DeliveredChannels...), channel)
	}
	s.notifications[id] = n
	return nil
}

func (r notificationRepo) MarkDelivered(_ context.Context, id string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return pgx.ErrNoRows
	}
	n.Status = domain.NotificationDelivered
	n.DeliveredAt = &at
	n.LastError = ""
	s.notifications[id] = n
	return nil
}

func (r notificationRepo) MarkFailed(_ context.Context, id string, lastErr string, nextAttempt time.Time, final bool) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return pgx.ErrNoRows
	}
	n.LastError = lastErr
	n.NextAttemptAt = nextAttempt
	if final {
		n.Status = domain.NotificationFailed
	}
	s.notifications[id] = n
	return nil
}

func (r notificationRepo) ListByRFI(_ context.Context, rfiID string) ([]domain.Notification, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.notifications {
		if n.RFIID == rfiID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type cursorRepo struct{ s *Store }

func (r cursorRepo) Get(_ context.Context, mailbox string) (*domain.MailboxCursor, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[mailbox]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &cursor, nil
}

func (r cursorRepo) Advance(_ context.Context, mailbox string, historyID uint64, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.cursors[mailbox]; ok && current.HistoryID >= historyID {
		return false, nil
	}
	s.cursors[mailbox] = domain.MailboxCursor{Mailbox: mailbox, HistoryID: historyID, UpdatedAt: at}
	return true, nil
}

type exchangeRepo struct{ s *Store }

func (r exchangeRepo) Persist(_ context.Context, ex *repository.Exchange) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every precondition before the first write.
	if ex.Claim != nil {
		if _, taken := s.claims[ex.Claim.MessageID]; taken {
			return repository.ErrAlreadyClaimed
		}
		if _, ok := s.rfis[ex.Claim.RFIID]; !ok {
			return pgx.ErrNoRows
		}
	}
	if ex.Thread != nil {
		record, ok := s.rfis[ex.Thread.RFIID]
		if !ok {
			return pgx.ErrNoRows
		}
		if record.HasThread() {
			return repository.ErrThreadAssigned
		}
	}
	if ex.Status != nil {
		record, ok := s.rfis[ex.Status.RFIID]
		if !ok {
			return pgx.ErrNoRows
		}
		if record.Status != ex.Status.From {
			return repository.ErrStatusChanged
		}
	}
	if ex.ResolveTriageID != "" {
		item, ok := s.triage[ex.ResolveTriageID]
		if !ok {
			return pgx.ErrNoRows
		}
		if item.Status != domain.TriageStatusOpen {
			return repository.ErrTriageResolved
		}
	}

	at := ex.At
	if at.IsZero() {
		at = s.now()
	}
	if ex.Claim != nil {
		ex.Claim.CreatedAt = at
		s.claims[ex.Claim.MessageID] = *ex.Claim
	}
	if ex.Thread != nil {
		record := s.rfis[ex.Thread.RFIID]
		threadID, rootID := ex.Thread.ThreadID, ex.Thread.RootMessageID
		record.ThreadID = &threadID
		record.RootMessageID = &rootID
		record.UpdatedAt = at
		s.rfis[record.ID] = record
	}
	if ex.Status != nil {
		record := s.rfis[ex.Status.RFIID]
		record.Status = ex.Status.To
		record.UpdatedAt = ex.Status.At
		switch ex.Status.To {
		case domain.RFIStatusSent:
			if record.SentAt == nil {
				sentAt := ex.Status.At
				record.SentAt = &sentAt
			}
		case domain.RFIStatusClosed:
			closedAt := ex.Status.At
			record.ClosedAt = &closedAt
		}
		s.rfis[record.ID] = record
	}
	if ex.Response != nil {
		s.insertResponseLocked(ex.Response)
	}
	if ex.Notification != nil {
		s.insertNotificationLocked(ex.Notification)
	}
	if ex.Triage != nil {
		s.insertTriageLocked(ex.Triage)
	}
	if ex.ResolveTriageID != "" {
		var rfiID *string
		if ex.Claim != nil {
			id := ex.Claim.RFIID
			rfiID = &id
		}
		s.resolveTriageLocked(ex.ResolveTriageID, domain.TriageStatusLinked, rfiID, at)
	}
	for _, event := range ex.Events {
		s.appendEventLocked(event)
	}
	return nil
}

func (s *Store) insertResponseLocked(entry *domain.ResponseEntry) {
	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.responses = append(s.responses, *entry)
}

func (s *Store) appendEventLocked(event *domain.EmailEventLog) {
	event.ID = uuid.NewString()
	if event.Attempt <= 0 {
		event.Attempt = 1
	}
	event.CreatedAt = s.now()
	s.events = append(s.events, *event)
}

func (s *Store) insertTriageLocked(item *domain.TriageItem) bool {
	if item.Status == "" {
		item.Status = domain.TriageStatusOpen
	}
	if item.ProviderMessageID != "" {
		for _, existing := range s.triage {
			if existing.Status == domain.TriageStatusOpen &&
				existing.ProviderMessageID == item.ProviderMessageID &&
				existing.Reason == item.Reason {
				return false
			}
		}
	}
	item.ID = uuid.NewString()
	item.CreatedAt = s.now()
	s.triage[item.ID] = *item
	return true
}

func (s *Store) resolveTriageLocked(id string, status domain.TriageStatus, rfiID *string, at time.Time) bool {
	item, ok := s.triage[id]
	if !ok || item.Status != domain.TriageStatusOpen {
		return false
	}
	item.Status = status
	item.ResolvedRFIID = rfiID
	item.ResolvedAt = &at
	s.triage[id] = item
	return true
}

func (s *Store) insertNotificationLocked(n *domain.Notification) bool {
	for _, existing := range s.notifications {
		if existing.RFIID == n.RFIID && existing.EventType == n.EventType && existing.DedupeKey == n.DedupeKey {
			return false
		}
	}
	n.ID = uuid.NewString()
	if n.Status == "" {
		n.Status = domain.NotificationPending
	}
	n.CreatedAt = s.now()
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = n.CreatedAt
	}
	s.notifications[n.ID] = *n
	return true
}

func sortRecords(records []domain.RequestRecord, newestFirst bool) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.SequenceNumber, b.SequenceNumber) < 0
		}
		if newestFirst {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func clamp(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
