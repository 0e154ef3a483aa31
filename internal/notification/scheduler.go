package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
)

// DeliveryConfirmer applies confirm_delivery to a sent record.
type DeliveryConfirmer interface {
	ConfirmDelivery(ctx context.Context, record *domain.RequestRecord, payloadRef string) (bool, error)
}

// SchedulerConfig controls the periodic scans.
type SchedulerConfig struct {
	Interval             time.Duration
	DueSoonWindow        time.Duration
	DeliveryConfirmAfter time.Duration
	BatchSize            int
}

// ScanResult counts what one scan did.
type ScanResult struct {
	DueSoon   int
	Overdue   int
	Confirmed int
}

// Scheduler raises due_soon and overdue notifications and confirms delivery
// of sent records whose mailbox copy never reached the pipeline.
type Scheduler struct {
	rfis       repository.RFIRepository
	dispatcher *Dispatcher
	transport  transport.Client
	confirmer  DeliveryConfirmer
	cfg        SchedulerConfig
	logger     *zap.Logger
	now        func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewScheduler creates a scheduler. transport and confirmer may be nil to skip the delivery sweep.
func NewScheduler(rfis repository.RFIRepository, dispatcher *Dispatcher, client transport.Client, confirmer DeliveryConfirmer, cfg SchedulerConfig, logger *zap.Logger, now func() time.Time) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DueSoonWindow <= 0 {
		cfg.DueSoonWindow = 48 * time.Hour
	}
	if cfg.DeliveryConfirmAfter <= 0 {
		cfg.DeliveryConfirmAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		rfis:       rfis,
		dispatcher: dispatcher,
		transport:  client,
		confirmer:  confirmer,
		cfg:        cfg,
		logger:     logger.Named("scheduler"),
		now:        now,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs a scan immediately and then on every tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", zap.Duration("interval", s.cfg.Interval))
	go func() {
		defer close(s.done)
		s.runScan(ctx)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runScan(ctx)
			case <-ctx.Done():
				return
			case <-s.stopChan:
				s.logger.Info("scheduler stopped")
				return
			}
		}
	}()
}

// Stop ends the loop and waits for a running scan.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
}

func (s *Scheduler) runScan(ctx context.Context) {
	res, err := s.Scan(ctx)
	if err != nil {
		s.logger.Error("scan failed", zap.Error(err))
		return
	}
	if res.DueSoon+res.Overdue+res.Confirmed > 0 {
		s.logger.Info("scan complete",
			zap.Int("due_soon", res.DueSoon),
			zap.Int("overdue", res.Overdue),
			zap.Int("confirmed", res.Confirmed))
	}
}

// Scan runs one pass. Repeated passes queue each (record, event, due date) once.
func (s *Scheduler) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := s.now()

	records, err := s.rfis.ListOpenDueBefore(ctx, now.Add(s.cfg.DueSoonWindow), s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for i := range records {
		record := &records[i]
		if record.DueDate == nil || record.Status == domain.RFIStatusDraft {
			continue
		}
		event := domain.NotificationDueSoon
		if record.IsOverdue(now) {
			event = domain.NotificationOverdue
		}
		created, err := s.dispatcher.Notify(ctx, event, record, dueKey(*record.DueDate))
		if err != nil {
			return res, err
		}
		if !created {
			continue
		}
		if event == domain.NotificationOverdue {
			res.Overdue++
		} else {
			res.DueSoon++
		}
	}

	if s.transport != nil && s.confirmer != nil {
		confirmed, err := s.sweepDeliveries(ctx, now)
		if err != nil {
			return res, err
		}
		res.Confirmed = confirmed
	}
	return res, nil
}

// sweepDeliveries checks the provider thread of records stuck in sent.
func (s *Scheduler) sweepDeliveries(ctx context.Context, now time.Time) (int, error) {
	records, err := s.rfis.ListSentBefore(ctx, now.Add(-s.cfg.DeliveryConfirmAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for i := range records {
		record := &records[i]
		if !record.HasThread() || record.RootMessageID == nil {
			continue
		}
		msgs, err := s.transport.FetchThread(ctx, *record.ThreadID)
		if err != nil {
			s.logger.Warn("fetch thread for delivery check", zap.String("rfi_id", record.ID), zap.Error(err))
			continue
		}
		if !containsMessage(msgs, *record.RootMessageID) {
			continue
		}
		ok, err := s.confirmer.ConfirmDelivery(ctx, record, "sweep:"+*record.ThreadID)
		if err != nil {
			return confirmed, err
		}
		if ok {
			confirmed++
		}
	}
	return confirmed, nil
}

func containsMessage(msgs []transport.RawMessage, messageID string) bool {
	for _, raw := range msgs {
		parsed, err := parser.Parse(raw)
		if err != nil {
			continue
		}
		if parsed.MessageID == messageID {
			return true
		}
	}
	return false
}

func dueKey(due time.Time) string {
	return due.UTC().Format("2006-01-02T15:04")
}
