package repository_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/persistence"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/repository/memory"
)

func TestMemoryStoreContract(t *testing.T) {
	exerciseRepositories(t, memory.NewStore().Repositories())
}

func TestProjectSequencePrefix(t *testing.T) {
	if got := repository.ProjectSequencePrefix("rfi", "TWRA"); got != "RFI-TWRA" {
		t.Fatalf("expected short upper-case id kept, got %s", got)
	}
	seen := map[string]string{}
	for _, project := range []string{"project-A", "project-1", "projecta", "PROJECTA", uuid.NewString()} {
		code := repository.ProjectCode(project)
		if other, ok := seen[code]; ok {
			t.Fatalf("expected distinct codes, %s and %s both got %s", other, project, code)
		}
		seen[code] = project
		if repository.ProjectCode(project) != code {
			t.Fatalf("expected stable code for %s", project)
		}
	}
}

// TestPostgresContract runs against a disposable database named by RFI_TEST_POSTGRES_DSN.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("RFI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RFI_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := persistence.RunMigrations(ctx, pool, "../../migrations", zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exerciseRepositories(t, repository.NewPostgresRepositories(pool))
}

func exerciseRepositories(t *testing.T, repos repository.Repositories) {
	t.Helper()
	ctx := context.Background()
	project := "contract-" + uuid.NewString()
	year := time.Now().UTC().Year()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first, err := repos.RFIs.NextSequence(ctx, project, "RFI", year)
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	second, err := repos.RFIs.NextSequence(ctx, project, "RFI", year)
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if first != repository.FormatSequence("RFI", year, 1) || second != repository.FormatSequence("RFI", year, 2) {
		t.Fatalf("expected consecutive sequences, got %s and %s", first, second)
	}

	record := &domain.RequestRecord{
		ProjectID:      project,
		SequenceNumber: first,
		Subject:        "Curtain wall anchors",
		Question:       "Confirm anchor spacing.",
		Priority:       domain.RFIPriorityMedium,
		RecipientEmail: "facade@example.com",
		Status:         domain.RFIStatusDraft,
		CreatedBy:      "user-1",
	}
	if err := repos.RFIs.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repos.RFIs.GetByThreadID(ctx, "thread-"+project); !repository.IsNotFound(err) {
		t.Fatalf("expected not found before send, got %v", err)
	}

	rootID := "<root-" + project + "@rfi.test>"
	threadID := "thread-" + project
	err = repos.Exchanges.Persist(ctx, &repository.Exchange{
		Claim:  &repository.MessageClaim{MessageID: rootID, RFIID: record.ID, Kind: domain.MessageClaimRoot},
		Thread: &repository.ThreadAssignment{RFIID: record.ID, ThreadID: threadID, RootMessageID: rootID},
		Status: &repository.StatusChange{RFIID: record.ID, From: domain.RFIStatusDraft, To: domain.RFIStatusSent, At: now},
		At:     now,
	})
	if err != nil {
		t.Fatalf("persist send: %v", err)
	}
	sent, err := repos.RFIs.GetByThreadID(ctx, threadID)
	if err != nil {
		t.Fatalf("get by thread: %v", err)
	}
	if sent.ID != record.ID || sent.Status != domain.RFIStatusSent || sent.SentAt == nil {
		t.Fatalf("expected sent record with sent_at, got %+v", sent)
	}

	err = repos.Exchanges.Persist(ctx, &repository.Exchange{
		Claim: &repository.MessageClaim{MessageID: rootID, RFIID: record.ID, Kind: domain.MessageClaimResponse},
	})
	if !errors.Is(err, repository.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	err = repos.Exchanges.Persist(ctx, &repository.Exchange{
		Status: &repository.StatusChange{RFIID: record.ID, From: domain.RFIStatusDraft, To: domain.RFIStatusSent, At: now},
	})
	if !errors.Is(err, repository.ErrStatusChanged) {
		t.Fatalf("expected ErrStatusChanged, got %v", err)
	}
	err = repos.Exchanges.Persist(ctx, &repository.Exchange{
		Thread: &repository.ThreadAssignment{RFIID: record.ID, ThreadID: "other", RootMessageID: "<other@rfi.test>"},
	})
	if !errors.Is(err, repository.ErrThreadAssigned) {
		t.Fatalf("expected ErrThreadAssigned, got %v", err)
	}

	replyID := "<reply-" + project + "@example.com>"
	err = repos.Exchanges.Persist(ctx, &repository.Exchange{
		Claim: &repository.MessageClaim{MessageID: replyID, RFIID: record.ID, Kind: domain.MessageClaimResponse},
		Response: &domain.ResponseEntry{
			RFIID:             record.ID,
			Origin:            domain.ResponseOriginExternal,
			ExternalMessageID: &replyID,
			AuthorEmail:       "facade@example.com",
			Body:              "Spacing is 600mm.",
			Attachments:       []domain.Attachment{{FileName: "detail.pdf", MimeType: "application/pdf", SizeBytes: 2048}},
			CreatedAt:         now,
		},
		Status: &repository.StatusChange{RFIID: record.ID, From: domain.RFIStatusSent, To: domain.RFIStatusAnswered, At: now},
		Notification: &domain.Notification{
			RFIID:     record.ID,
			EventType: domain.NotificationResponseReceived,
			DedupeKey: replyID,
			Payload:   map[string]any{"sequence_number": first},
		},
		At: now,
	})
	if err != nil {
		t.Fatalf("persist response: %v", err)
	}
	claim, err := repos.Claims.FindFirst(ctx, []string{"<unknown@x>", replyID})
	if err != nil || claim.RFIID != record.ID {
		t.Fatalf("expected claim for reply, got %+v err=%v", claim, err)
	}
	entries, err := repos.Responses.ListByRFI(ctx, record.ID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(entries) != 1 || len(entries[0].Attachments) != 1 {
		t.Fatalf("expected one entry with one attachment, got %+v", entries)
	}
	inserted, err := repos.Notifications.Insert(ctx, &domain.Notification{
		RFIID:     record.ID,
		EventType: domain.NotificationResponseReceived,
		DedupeKey: replyID,
	})
	if err != nil || inserted {
		t.Fatalf("expected duplicate notification to be skipped, got inserted=%v err=%v", inserted, err)
	}
	notices, err := repos.Notifications.ListByRFI(ctx, record.ID)
	if err != nil || len(notices) != 1 {
		t.Fatalf("expected one notification, got %d err=%v", len(notices), err)
	}
	for i := 0; i < 2; i++ {
		if err := repos.Notifications.MarkChannelDelivered(ctx, notices[0].ID, "webhook"); err != nil {
			t.Fatalf("mark channel delivered: %v", err)
		}
	}
	notices, _ = repos.Notifications.ListByRFI(ctx, record.ID)
	if len(notices[0].DeliveredChannels) != 1 || !notices[0].DeliveredTo("webhook") {
		t.Fatalf("expected webhook recorded once, got %v", notices[0].DeliveredChannels)
	}

	item := &domain.TriageItem{
		Reason:            domain.TriageReasonUnmatched,
		ProviderMessageID: "provider-" + project,
		FromAddress:       "stranger@example.com",
		Subject:           "Hello",
	}
	created, err := repos.Triage.Create(ctx, item)
	if err != nil || !created {
		t.Fatalf("expected triage item created, got %v err=%v", created, err)
	}
	created, err = repos.Triage.Create(ctx, &domain.TriageItem{Reason: domain.TriageReasonUnmatched, ProviderMessageID: "provider-" + project})
	if err != nil || created {
		t.Fatalf("expected duplicate open triage item to be skipped, got %v err=%v", created, err)
	}
	resolved, err := repos.Triage.Resolve(ctx, item.ID, domain.TriageStatusDismissed, nil, now)
	if err != nil || !resolved {
		t.Fatalf("expected resolve, got %v err=%v", resolved, err)
	}
	resolved, err = repos.Triage.Resolve(ctx, item.ID, domain.TriageStatusDismissed, nil, now)
	if err != nil || resolved {
		t.Fatalf("expected second resolve to be refused, got %v err=%v", resolved, err)
	}
	err = repos.Exchanges.Persist(ctx, &repository.Exchange{ResolveTriageID: item.ID})
	if !errors.Is(err, repository.ErrTriageResolved) {
		t.Fatalf("expected ErrTriageResolved, got %v", err)
	}

	mailbox := project + "@example.com"
	if ok, err := repos.Cursors.Advance(ctx, mailbox, 10, now); err != nil || !ok {
		t.Fatalf("expected cursor advance, got %v err=%v", ok, err)
	}
	if ok, err := repos.Cursors.Advance(ctx, mailbox, 5, now); err != nil || ok {
		t.Fatalf("expected stale cursor refused, got %v err=%v", ok, err)
	}
	cursor, err := repos.Cursors.Get(ctx, mailbox)
	if err != nil || cursor.HistoryID != 10 {
		t.Fatalf("expected cursor at 10, got %+v err=%v", cursor, err)
	}

	counts, err := repos.RFIs.CountByStatus(ctx, now)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.ByStatus[domain.RFIStatusAnswered] < 1 {
		t.Fatalf("expected at least one answered record, got %+v", counts.ByStatus)
	}
}
