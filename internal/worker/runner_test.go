package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/correlation"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/events"
	"github.com/spec-kit/rfi-sync-service/internal/ingestion"
	"github.com/spec-kit/rfi-sync-service/internal/notification"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository/memory"
	"github.com/spec-kit/rfi-sync-service/internal/service"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
)

const mailbox = "rfi@example.com"

type countingChannel struct {
	mu  sync.Mutex
	got []notification.Message
}

func (c *countingChannel) Name() string { return "counting" }

func (c *countingChannel) Deliver(ctx context.Context, msg notification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	return nil
}

func (c *countingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestRunnerAppliesReplyAndNotifies(t *testing.T) {
	repos := memory.NewStore().Repositories()
	mail := transport.NewMemory(mailbox)
	bus := events.NewInMemoryDispatcher(nil)
	trail := audit.NewTrail(repos.Events, nil, nil)
	queue := ingestion.NewMemoryQueue(8)
	pipeline := ingestion.NewPipeline(ingestion.Config{Mailbox: mailbox, Workers: 2}, ingestion.Dependencies{
		Repos:     repos,
		Transport: mail,
		Resolver:  correlation.NewResolver(repos.RFIs, repos.Claims),
		Audit:     trail,
		Queue:     queue,
		Events:    bus,
	})
	ch := &countingChannel{}
	dispatcher := notification.NewDispatcher(repos.Notifications, []notification.Channel{ch}, trail,
		notification.Config{PollInterval: 20 * time.Millisecond}, nil, nil)
	scheduler := notification.NewScheduler(repos.RFIs, dispatcher, mail, pipeline,
		notification.SchedulerConfig{Interval: time.Hour}, nil, nil)
	rfis := service.NewRFIService(service.RFIDependencies{
		Repos:      repos,
		Transport:  mail,
		Audit:      trail,
		Dispatcher: bus,
		Sender:     service.Sender{Address: mailbox, MessageDomain: "rfi.test"},
	})

	runner := NewRunner(Components{
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Bus:        bus,
	}, nil)
	ctx := context.Background()
	runner.Start(ctx)
	defer runner.Stop()

	actor := service.Actor{ID: "user-1", Email: "pm@example.com"}
	record, err := rfis.Create(ctx, actor, service.RFICreateInput{
		ProjectID:      "tower-a",
		Subject:        "Stair nosing",
		Question:       "Which nosing profile applies?",
		RecipientEmail: "architect@example.com",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	record, err = rfis.Send(ctx, actor, record.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	raw, err := transport.BuildMIME(transport.OutboundMessage{
		MessageID: "<reply-1@example.com>",
		From:      record.RecipientEmail,
		To:        mailbox,
		Subject:   parser.ReplySubject(parser.ComposeSubject(record.SequenceNumber, record.Subject)),
		Body:      "Use profile B.",
		InReplyTo: *record.RootMessageID,
	}, time.Now())
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	providerID := mail.Deliver(*record.ThreadID, raw)
	if err := pipeline.Submit(ctx, ingestion.NewMessageJob(mailbox, providerID)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		current, err := repos.RFIs.GetByID(ctx, record.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if current.Status == domain.RFIStatusAnswered && ch.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	current, _ := repos.RFIs.GetByID(ctx, record.ID)
	t.Fatalf("expected answered with a delivered notification, got status %s and %d deliveries", current.Status, ch.count())
}

func TestRunnerStopWithoutComponents(t *testing.T) {
	runner := NewRunner(Components{}, nil)
	runner.Start(context.Background())
	runner.Stop()
}
