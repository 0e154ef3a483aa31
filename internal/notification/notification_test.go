package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/repository/memory"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingChannel struct {
	mu       sync.Mutex
	name     string
	failures int
	got      []Message
}

func (c *recordingChannel) Name() string {
	if c.name == "" {
		return "recording"
	}
	return c.name
}

func (c *recordingChannel) Deliver(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("channel down")
	}
	c.got = append(c.got, msg)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type env struct {
	clock *clock
	repos repository.Repositories
	trail *audit.Trail
}

func newEnv() *env {
	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	store.SetClock(c.Now)
	repos := store.Repositories()
	return &env{clock: c, repos: repos, trail: audit.NewTrail(repos.Events, nil, nil)}
}

func (e *env) record(t *testing.T, status domain.RFIStatus, due *time.Time) *domain.RequestRecord {
	t.Helper()
	record := &domain.RequestRecord{
		ProjectID:      "project-1",
		SequenceNumber: "RFI-2026-0001",
		Subject:        "Door hardware schedule",
		RecipientEmail: "architect@example.com",
		Status:         status,
		DueDate:        due,
	}
	if err := e.repos.RFIs.Create(context.Background(), record); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return record
}

func TestDispatchDueDeliversOnce(t *testing.T) {
	e := newEnv()
	ch := &recordingChannel{}
	d := NewDispatcher(e.repos.Notifications, []Channel{ch}, e.trail, Config{}, nil, e.clock.Now)
	record := e.record(t, domain.RFIStatusAnswered, nil)
	ctx := context.Background()

	created, err := d.Notify(ctx, domain.NotificationResponseReceived, record, "msg-1")
	if err != nil || !created {
		t.Fatalf("expected notification queued, got created=%v err=%v", created, err)
	}
	created, err = d.Notify(ctx, domain.NotificationResponseReceived, record, "msg-1")
	if err != nil || created {
		t.Fatalf("expected duplicate notify to be a no-op, got created=%v err=%v", created, err)
	}

	n, err := d.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 1 || ch.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d (channel saw %d)", n, ch.count())
	}
	if n, _ := d.DispatchDue(ctx); n != 0 {
		t.Fatalf("expected nothing left to deliver, got %d", n)
	}

	rows, _ := e.repos.Notifications.ListByRFI(ctx, record.ID)
	if len(rows) != 1 || rows[0].Status != domain.NotificationDelivered {
		t.Fatalf("expected one delivered row, got %+v", rows)
	}
	if ch.got[0].Title() == "" {
		t.Fatalf("expected a title for %s", ch.got[0].Event)
	}
}

func TestDispatchRetriesThenGivesUp(t *testing.T) {
	e := newEnv()
	ch := &recordingChannel{failures: 10}
	d := NewDispatcher(e.repos.Notifications, []Channel{ch}, e.trail, Config{MaxAttempts: 2, RetryDelay: time.Minute}, nil, e.clock.Now)
	record := e.record(t, domain.RFIStatusAnswered, nil)
	ctx := context.Background()

	if _, err := d.Notify(ctx, domain.NotificationResponseReceived, record, "msg-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n, _ := d.DispatchDue(ctx); n != 0 {
		t.Fatalf("expected failed first attempt, got %d delivered", n)
	}
	rows, _ := e.repos.Notifications.ListByRFI(ctx, record.ID)
	if rows[0].Status != domain.NotificationPending || rows[0].LastError == "" {
		t.Fatalf("expected pending row with error after first failure, got %+v", rows[0])
	}

	// Not due yet.
	if n, _ := d.DispatchDue(ctx); n != 0 {
		t.Fatalf("expected no attempt before retry delay, got %d", n)
	}

	e.clock.Advance(2 * time.Minute)
	if _, err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rows, _ = e.repos.Notifications.ListByRFI(ctx, record.ID)
	if rows[0].Status != domain.NotificationFailed || rows[0].Attempts != 2 {
		t.Fatalf("expected failed after 2 attempts, got status=%s attempts=%d", rows[0].Status, rows[0].Attempts)
	}

	failed, err := e.trail.ByOutcome(ctx, domain.OutcomeFailed, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed audit rows, got %d", len(failed))
	}
	got, _ := e.repos.RFIs.GetByID(ctx, record.ID)
	if got.Status != domain.RFIStatusAnswered {
		t.Fatalf("expected record status untouched, got %s", got.Status)
	}
}

func TestRetryOnlyResendsToFailedChannels(t *testing.T) {
	e := newEnv()
	healthy := &recordingChannel{name: "webhook"}
	flaky := &recordingChannel{name: "fcm", failures: 1}
	d := NewDispatcher(e.repos.Notifications, []Channel{healthy, flaky}, e.trail, Config{MaxAttempts: 3, RetryDelay: time.Minute}, nil, e.clock.Now)
	record := e.record(t, domain.RFIStatusAnswered, nil)
	ctx := context.Background()

	if _, err := d.Notify(ctx, domain.NotificationResponseReceived, record, "msg-7"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n, _ := d.DispatchDue(ctx); n != 0 {
		t.Fatalf("expected first attempt to fail, got %d delivered", n)
	}
	rows, _ := e.repos.Notifications.ListByRFI(ctx, record.ID)
	if len(rows[0].DeliveredChannels) != 1 || rows[0].DeliveredChannels[0] != "webhook" {
		t.Fatalf("expected webhook recorded as delivered, got %v", rows[0].DeliveredChannels)
	}

	e.clock.Advance(2 * time.Minute)
	if n, _ := d.DispatchDue(ctx); n != 1 {
		t.Fatalf("expected retry to deliver, got %d", n)
	}
	if healthy.count() != 1 {
		t.Fatalf("expected webhook to receive the notice once, got %d", healthy.count())
	}
	if flaky.count() != 1 {
		t.Fatalf("expected fcm to receive the notice once, got %d", flaky.count())
	}
	rows, _ = e.repos.Notifications.ListByRFI(ctx, record.ID)
	if rows[0].Status != domain.NotificationDelivered {
		t.Fatalf("expected delivered, got %s", rows[0].Status)
	}
}

func TestSchedulerDueSoonAndOverdue(t *testing.T) {
	e := newEnv()
	ch := &recordingChannel{}
	d := NewDispatcher(e.repos.Notifications, []Channel{ch}, e.trail, Config{}, nil, e.clock.Now)
	s := NewScheduler(e.repos.RFIs, d, nil, nil, SchedulerConfig{DueSoonWindow: 24 * time.Hour}, nil, e.clock.Now)
	ctx := context.Background()

	due := e.clock.Now().Add(6 * time.Hour)
	record := e.record(t, domain.RFIStatusWaitingResponse, &due)

	res, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.DueSoon != 1 || res.Overdue != 0 {
		t.Fatalf("expected one due_soon, got %+v", res)
	}
	if res, _ := s.Scan(ctx); res.DueSoon != 0 {
		t.Fatalf("expected rescan not to re-notify, got %+v", res)
	}

	e.clock.Advance(7 * time.Hour)
	res, err = s.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Overdue != 1 {
		t.Fatalf("expected one overdue, got %+v", res)
	}
	if res, _ := s.Scan(ctx); res.Overdue != 0 {
		t.Fatalf("expected overdue once per due date, got %+v", res)
	}

	rows, _ := e.repos.Notifications.ListByRFI(ctx, record.ID)
	if len(rows) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(rows))
	}
}

func TestSchedulerSkipsClosedRecords(t *testing.T) {
	e := newEnv()
	d := NewDispatcher(e.repos.Notifications, nil, e.trail, Config{}, nil, e.clock.Now)
	s := NewScheduler(e.repos.RFIs, d, nil, nil, SchedulerConfig{}, nil, e.clock.Now)

	past := e.clock.Now().Add(-time.Hour)
	e.record(t, domain.RFIStatusClosed, &past)

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Overdue != 0 || res.DueSoon != 0 {
		t.Fatalf("expected closed record ignored, got %+v", res)
	}
}

type confirmerFunc func(ctx context.Context, record *domain.RequestRecord, ref string) (bool, error)

func (f confirmerFunc) ConfirmDelivery(ctx context.Context, record *domain.RequestRecord, ref string) (bool, error) {
	return f(ctx, record, ref)
}

func TestSchedulerConfirmsDeliveryFromThread(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	mail := transport.NewMemory("rfi@example.com")
	record := e.record(t, domain.RFIStatusDraft, nil)

	messageID := transport.NewMessageID("rfi.test")
	res, err := mail.Send(ctx, transport.OutboundMessage{
		MessageID:      messageID,
		To:             record.RecipientEmail,
		Subject:        parser.ComposeSubject(record.SequenceNumber, record.Subject),
		Body:           "Please confirm.",
		SequenceNumber: record.SequenceNumber,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	err = e.repos.Exchanges.Persist(ctx, &repository.Exchange{
		Claim:  &repository.MessageClaim{MessageID: res.ExternalMessageID, RFIID: record.ID, Kind: domain.MessageClaimRoot},
		Thread: &repository.ThreadAssignment{RFIID: record.ID, ThreadID: res.ThreadID, RootMessageID: res.ExternalMessageID},
		Status: &repository.StatusChange{RFIID: record.ID, From: domain.RFIStatusDraft, To: domain.RFIStatusSent, At: e.clock.Now()},
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	var confirmed []string
	confirmer := confirmerFunc(func(ctx context.Context, r *domain.RequestRecord, ref string) (bool, error) {
		confirmed = append(confirmed, r.ID)
		return true, nil
	})
	d := NewDispatcher(e.repos.Notifications, nil, e.trail, Config{}, nil, e.clock.Now)
	s := NewScheduler(e.repos.RFIs, d, mail, confirmer, SchedulerConfig{DeliveryConfirmAfter: time.Minute}, nil, e.clock.Now)

	if out, _ := s.Scan(ctx); out.Confirmed != 0 {
		t.Fatalf("expected no confirmation before the grace period, got %+v", out)
	}
	e.clock.Advance(2 * time.Minute)
	out, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out.Confirmed != 1 || len(confirmed) != 1 || confirmed[0] != record.ID {
		t.Fatalf("expected record confirmed, got %+v %v", out, confirmed)
	}
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Notification-ID") != "n-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second)
	err := ch.Deliver(context.Background(), Message{
		NotificationID: "n-1",
		RFIID:          "rfi-1",
		Event:          domain.NotificationOverdue,
		Payload:        map[string]any{"sequence_number": "RFI-2026-0001"},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got["event"] != string(domain.NotificationOverdue) || got["rfi_id"] != "rfi-1" {
		t.Fatalf("expected event body, got %v", got)
	}
}

func TestWebhookChannelRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second)
	err := ch.Deliver(context.Background(), Message{NotificationID: "n-1", Event: domain.NotificationDueSoon})
	if err == nil {
		t.Fatalf("expected error for 502")
	}
}

type fakeSender struct {
	sent []*messaging.Message
}

func (f *fakeSender) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	f.sent = append(f.sent, msg)
	return "projects/x/messages/1", nil
}

func TestFCMChannelTopicPerProject(t *testing.T) {
	sender := &fakeSender{}
	ch := &FCMChannel{client: sender, topicPrefix: "rfi-"}
	err := ch.Deliver(context.Background(), Message{
		NotificationID: "n-1",
		RFIID:          "rfi-1",
		Event:          domain.NotificationResponseReceived,
		Payload:        map[string]any{"project_id": "tower-a", "sequence_number": "RFI-2026-0007"},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 push, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.Topic != "rfi-tower-a" {
		t.Fatalf("expected topic rfi-tower-a, got %s", msg.Topic)
	}
	if msg.Data["rfi_id"] != "rfi-1" {
		t.Fatalf("expected rfi_id in data, got %v", msg.Data)
	}
}
