package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/correlation"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/ingestion"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/repository/memory"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
	"github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

const mailbox = "rfi@example.com"

var operator = Actor{ID: "user-1", Email: "pm@example.com", Name: "Project Manager"}

type harness struct {
	repos    repository.Repositories
	mail     *transport.Memory
	queue    *ingestion.MemoryQueue
	pipeline *ingestion.Pipeline
	rfis     *RFIService
	triage   *TriageService
}

func newHarness(t *testing.T, queueCapacity int) *harness {
	t.Helper()
	repos := memory.NewStore().Repositories()
	mail := transport.NewMemory(mailbox)
	trail := audit.NewTrail(repos.Events, nil, nil)
	queue := ingestion.NewMemoryQueue(queueCapacity)
	pipeline := ingestion.NewPipeline(ingestion.Config{Mailbox: mailbox}, ingestion.Dependencies{
		Repos:     repos,
		Transport: mail,
		Resolver:  correlation.NewResolver(repos.RFIs, repos.Claims),
		Audit:     trail,
		Queue:     queue,
	})
	return &harness{
		repos:    repos,
		mail:     mail,
		queue:    queue,
		pipeline: pipeline,
		rfis: NewRFIService(RFIDependencies{
			Repos:          repos,
			Transport:      mail,
			Audit:          trail,
			Sender:         Sender{Address: mailbox, Name: "RFI Desk", MessageDomain: "rfi.test"},
			SequencePrefix: "RFI",
		}),
		triage: NewTriageService(TriageDependencies{
			Repos:     repos,
			Transport: mail,
			Pipeline:  pipeline,
		}),
	}
}

func (h *harness) draft(t *testing.T) *domain.RequestRecord {
	t.Helper()
	record, err := h.rfis.Create(context.Background(), operator, RFICreateInput{
		ProjectID:      "tower-a",
		Subject:        "Slab edge detail",
		Question:       "Please confirm the slab edge detail at level 3.",
		RecipientEmail: "Engineer@Example.com",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return record
}

func (h *harness) sent(t *testing.T) *domain.RequestRecord {
	t.Helper()
	record, err := h.rfis.Send(context.Background(), operator, h.draft(t).ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return record
}

func (h *harness) setStatus(t *testing.T, record *domain.RequestRecord, to domain.RFIStatus) {
	t.Helper()
	err := h.repos.Exchanges.Persist(context.Background(), &repository.Exchange{
		Status: &repository.StatusChange{RFIID: record.ID, From: record.Status, To: to, At: time.Now()},
	})
	if err != nil {
		t.Fatalf("set status %s: %v", to, err)
	}
	record.Status = to
}

func (h *harness) status(t *testing.T, id string) domain.RFIStatus {
	t.Helper()
	record, err := h.repos.RFIs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return record.Status
}

func codeOf(err error) string {
	return errorutil.ToDomainError(err).Code
}

func TestCreateAssignsSequence(t *testing.T) {
	h := newHarness(t, 4)
	first := h.draft(t)
	second := h.draft(t)
	year := time.Now().UTC().Year()
	prefix := repository.ProjectSequencePrefix("RFI", "tower-a")
	if first.SequenceNumber != repository.FormatSequence(prefix, year, 1) || second.SequenceNumber != repository.FormatSequence(prefix, year, 2) {
		t.Fatalf("expected consecutive sequence numbers, got %s and %s", first.SequenceNumber, second.SequenceNumber)
	}
	if first.Status != domain.RFIStatusDraft || first.RecipientEmail != "engineer@example.com" {
		t.Fatalf("expected normalized draft, got %+v", first)
	}
}

func TestSubjectSequenceResolvesAcrossProjects(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	var records []*domain.RequestRecord
	for _, project := range []string{"project-A", "project-1"} {
		draft, err := h.rfis.Create(ctx, operator, RFICreateInput{
			ProjectID:      project,
			Subject:        "Stair nosing",
			Question:       "Confirm nosing profile.",
			RecipientEmail: "engineer@example.com",
		})
		if err != nil {
			t.Fatalf("create in %s: %v", project, err)
		}
		record, err := h.rfis.Send(ctx, operator, draft.ID)
		if err != nil {
			t.Fatalf("send in %s: %v", project, err)
		}
		records = append(records, record)
	}
	if records[0].SequenceNumber == records[1].SequenceNumber {
		t.Fatalf("expected distinct sequence numbers across projects, got %s twice", records[0].SequenceNumber)
	}

	target := records[1]
	raw, err := transport.BuildMIME(transport.OutboundMessage{
		MessageID: transport.NewMessageID("outside.test"),
		From:      "engineer@example.com",
		To:        mailbox,
		Subject:   "Re: " + target.SequenceNumber + " Stair nosing",
		Body:      "Profile B.",
	}, time.Now())
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	providerID := h.mail.Deliver("", raw)

	outcome, err := h.pipeline.Process(ctx, ingestion.NewMessageJob(mailbox, providerID))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != ingestion.OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	if got := h.status(t, target.ID); got != domain.RFIStatusAnswered {
		t.Fatalf("expected answered, got %s", got)
	}
	if got := h.status(t, records[0].ID); got != domain.RFIStatusSent {
		t.Fatalf("expected other project untouched, got %s", got)
	}
	open := domain.TriageStatusOpen
	items, _ := h.repos.Triage.List(ctx, repository.TriageFilter{Status: &open})
	if len(items) != 0 {
		t.Fatalf("expected nothing held, got %d", len(items))
	}
}

func TestCreateRequiresFields(t *testing.T) {
	h := newHarness(t, 4)
	_, err := h.rfis.Create(context.Background(), operator, RFICreateInput{ProjectID: "tower-a"})
	if codeOf(err) != errorutil.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCloseFromDraftRejected(t *testing.T) {
	h := newHarness(t, 4)
	record := h.draft(t)
	_, err := h.rfis.Close(context.Background(), operator, record.ID)
	if codeOf(err) != errorutil.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if got := h.status(t, record.ID); got != domain.RFIStatusDraft {
		t.Fatalf("expected status draft, got %s", got)
	}
}

func TestSendAssignsThreadAndClaim(t *testing.T) {
	h := newHarness(t, 4)
	record := h.sent(t)
	if record.Status != domain.RFIStatusSent || !record.HasThread() || record.RootMessageID == nil || record.SentAt == nil {
		t.Fatalf("expected sent record with thread, got %+v", record)
	}
	sent := h.mail.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Subject, record.SequenceNumber) {
		t.Fatalf("expected one message carrying the sequence number, got %+v", sent)
	}
	claim, err := h.repos.Claims.Get(context.Background(), *record.RootMessageID)
	if err != nil || claim.RFIID != record.ID || claim.Kind != domain.MessageClaimRoot {
		t.Fatalf("expected root claim, got %+v err=%v", claim, err)
	}

	_, err = h.rfis.Send(context.Background(), operator, record.ID)
	if codeOf(err) != errorutil.CodeStateConflict {
		t.Fatalf("expected second send to conflict, got %v", err)
	}
	if len(h.mail.Sent()) != 1 {
		t.Fatalf("expected no second message")
	}
}

func TestSendTransportFailureLeavesDraft(t *testing.T) {
	h := newHarness(t, 4)
	record := h.draft(t)
	h.mail.FailNext(transport.Permanent("send", 400, errors.New("invalid recipient")))

	_, err := h.rfis.Send(context.Background(), operator, record.ID)
	if codeOf(err) != errorutil.CodeTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := h.status(t, record.ID); got != domain.RFIStatusDraft {
		t.Fatalf("expected draft, got %s", got)
	}
	events, err := h.rfis.Events(context.Background(), record.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != domain.OutcomeFailed || events[0].ErrorCode != errorutil.CodeTransport {
		t.Fatalf("expected one failed send event, got %+v", events)
	}
}

func TestFollowUpAfterAnsweredReturnsToWaiting(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	record := h.sent(t)
	h.setStatus(t, record, domain.RFIStatusAnswered)

	entry, err := h.rfis.SendFollowUp(ctx, operator, record.ID, "One more question about the embed plates.")
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if got := h.status(t, record.ID); got != domain.RFIStatusWaitingResponse {
		t.Fatalf("expected waiting_response, got %s", got)
	}
	if entry.Origin != domain.ResponseOriginInternal || entry.ExternalMessageID == nil {
		t.Fatalf("expected internal entry with message id, got %+v", entry)
	}
	sent := h.mail.Sent()
	if len(sent) != 2 || sent[1].InReplyTo != *record.RootMessageID || sent[1].ThreadID != *record.ThreadID {
		t.Fatalf("expected follow-up threaded on the root message, got %+v", sent)
	}
	claim, err := h.repos.Claims.Get(ctx, *entry.ExternalMessageID)
	if err != nil || claim.Kind != domain.MessageClaimFollowUp {
		t.Fatalf("expected follow_up claim, got %+v err=%v", claim, err)
	}
}

func TestFollowUpWhileWaitingKeepsStatus(t *testing.T) {
	h := newHarness(t, 4)
	record := h.sent(t)
	h.setStatus(t, record, domain.RFIStatusWaitingResponse)

	if _, err := h.rfis.SendFollowUp(context.Background(), operator, record.ID, "Any update?"); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if got := h.status(t, record.ID); got != domain.RFIStatusWaitingResponse {
		t.Fatalf("expected waiting_response, got %s", got)
	}
}

func TestFollowUpRejectedForDraftAndClosed(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	draft := h.draft(t)
	if _, err := h.rfis.SendFollowUp(ctx, operator, draft.ID, "hello"); codeOf(err) != errorutil.CodeStateConflict {
		t.Fatalf("expected conflict for draft, got %v", err)
	}
	record := h.sent(t)
	if _, err := h.rfis.Close(ctx, operator, record.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.rfis.SendFollowUp(ctx, operator, record.ID, "hello"); codeOf(err) != errorutil.CodeStateConflict {
		t.Fatalf("expected conflict for closed, got %v", err)
	}
}

func TestReopenCreatesNewSentRecord(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	record := h.sent(t)
	if _, err := h.rfis.Reopen(ctx, operator, record.ID, ""); codeOf(err) != errorutil.CodeStateConflict {
		t.Fatalf("expected reopen of open record to conflict, got %v", err)
	}
	closed, err := h.rfis.Close(ctx, operator, record.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.ClosedAt == nil {
		t.Fatalf("expected closed_at set")
	}

	reopened, err := h.rfis.Reopen(ctx, operator, record.ID, "The detail changed; please review again.")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.ID == record.ID || reopened.Status != domain.RFIStatusSent {
		t.Fatalf("expected a new sent record, got %+v", reopened)
	}
	if reopened.ReopenedFromID == nil || *reopened.ReopenedFromID != record.ID {
		t.Fatalf("expected reopened_from_id %s, got %v", record.ID, reopened.ReopenedFromID)
	}
	if reopened.SequenceNumber == record.SequenceNumber || *reopened.ThreadID == *record.ThreadID {
		t.Fatalf("expected new sequence and thread")
	}
	if got := h.status(t, record.ID); got != domain.RFIStatusClosed {
		t.Fatalf("expected original to stay closed, got %s", got)
	}
}

func TestAddNoteKeepsStatus(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	record := h.sent(t)
	note, err := h.rfis.AddNote(ctx, operator, record.ID, "Called the engineer, reply expected Friday.")
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	if note.ExternalMessageID != nil || note.Origin != domain.ResponseOriginInternal {
		t.Fatalf("expected internal note without external id, got %+v", note)
	}
	detail, err := h.rfis.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Record.Status != domain.RFIStatusSent || len(detail.Responses) != 1 {
		t.Fatalf("expected sent with one entry, got %s with %d", detail.Record.Status, len(detail.Responses))
	}
}

func TestGetUnknownRecord(t *testing.T) {
	h := newHarness(t, 4)
	if _, err := h.rfis.Get(context.Background(), "missing"); codeOf(err) != errorutil.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDashboardCounts(t *testing.T) {
	h := newHarness(t, 4)
	h.draft(t)
	h.sent(t)
	counts, err := h.rfis.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if counts.ByStatus[domain.RFIStatusDraft] != 1 || counts.ByStatus[domain.RFIStatusSent] != 1 {
		t.Fatalf("expected one draft and one sent, got %+v", counts.ByStatus)
	}
}

// heldReply lands a reply without thread or sequence in the mailbox and holds it for triage.
func (h *harness) heldReply(t *testing.T, from string) *domain.TriageItem {
	t.Helper()
	messageID := transport.NewMessageID("outside.test")
	raw, err := transport.BuildMIME(transport.OutboundMessage{
		MessageID: messageID,
		From:      from,
		To:        mailbox,
		Subject:   "Re: that detail",
		Body:      "Detail is fine as drawn.",
	}, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	providerID := h.mail.Deliver("", raw)
	item := &domain.TriageItem{
		Reason:            domain.TriageReasonUnmatched,
		Mailbox:           mailbox,
		ProviderMessageID: providerID,
		ExternalMessageID: messageID,
		FromAddress:       from,
	}
	if _, err := h.repos.Triage.Create(context.Background(), item); err != nil {
		t.Fatalf("hold: %v", err)
	}
	return item
}

func TestLinkAppliesHeldMessage(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	record := h.sent(t)
	item := h.heldReply(t, "engineer@example.com")

	linked, err := h.triage.Link(ctx, operator, item.ID, record.ID)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if linked.Status != domain.TriageStatusLinked || linked.ResolvedRFIID == nil || *linked.ResolvedRFIID != record.ID {
		t.Fatalf("expected linked item, got %+v", linked)
	}
	if got := h.status(t, record.ID); got != domain.RFIStatusAnswered {
		t.Fatalf("expected answered, got %s", got)
	}
	entries, _ := h.repos.Responses.ListByRFI(ctx, record.ID)
	if len(entries) != 1 || entries[0].Origin != domain.ResponseOriginExternal {
		t.Fatalf("expected one external entry, got %+v", entries)
	}
	if _, err := h.triage.Link(ctx, operator, item.ID, record.ID); codeOf(err) != errorutil.CodeConflict {
		t.Fatalf("expected second link to conflict, got %v", err)
	}
}

func TestLinkToClosedRecordConflicts(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	record := h.sent(t)
	if _, err := h.rfis.Close(ctx, operator, record.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	item := h.heldReply(t, "engineer@example.com")

	_, err := h.triage.Link(ctx, operator, item.ID, record.ID)
	if codeOf(err) != errorutil.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	still, _ := h.triage.Get(ctx, item.ID)
	if still.Status != domain.TriageStatusOpen {
		t.Fatalf("expected item to stay open, got %s", still.Status)
	}
	entries, _ := h.repos.Responses.ListByRFI(ctx, record.ID)
	if len(entries) != 0 {
		t.Fatalf("expected no entries on closed record, got %d", len(entries))
	}
}

func TestRequeueSubmitsJob(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	item := h.heldReply(t, "someone@example.com")

	requeued, err := h.triage.Requeue(ctx, operator, item.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != domain.TriageStatusRequeued {
		t.Fatalf("expected requeued, got %s", requeued.Status)
	}
	if depth := h.queue.Depth(ctx); depth != 1 {
		t.Fatalf("expected one queued job, got %d", depth)
	}

	// Queue is now full.
	second := h.heldReply(t, "other@example.com")
	_, err = h.triage.Requeue(ctx, operator, second.ID)
	if codeOf(err) != errorutil.CodeServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	open, _ := h.triage.CountOpen(ctx)
	if open != 1 {
		t.Fatalf("expected refused item held again, got %d open", open)
	}
}

func TestDismissOnce(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	item := h.heldReply(t, "spam@example.com")

	dismissed, err := h.triage.Dismiss(ctx, operator, item.ID)
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if dismissed.Status != domain.TriageStatusDismissed {
		t.Fatalf("expected dismissed, got %s", dismissed.Status)
	}
	if _, err := h.triage.Dismiss(ctx, operator, item.ID); codeOf(err) != errorutil.CodeConflict {
		t.Fatalf("expected conflict on second dismiss, got %v", err)
	}
	items, err := h.triage.List(ctx, TriageListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no open items, got %d", len(items))
	}
}
