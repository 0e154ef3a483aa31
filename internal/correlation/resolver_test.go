package correlation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/parser"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/repository/memory"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
)

func seedRecord(t *testing.T, repos repository.Repositories, project, sequence, thread, root string) *domain.RequestRecord {
	t.Helper()
	ctx := context.Background()
	record := &domain.RequestRecord{
		ProjectID:      project,
		SequenceNumber: sequence,
		Subject:        "Rebar spacing at grid C",
		RecipientEmail: "architect@example.com",
		Status:         domain.RFIStatusDraft,
	}
	if err := repos.RFIs.Create(ctx, record); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if thread == "" {
		return record
	}
	err := repos.Exchanges.Persist(ctx, &repository.Exchange{
		Claim:  &repository.MessageClaim{MessageID: root, RFIID: record.ID, Kind: domain.MessageClaimRoot},
		Thread: &repository.ThreadAssignment{RFIID: record.ID, ThreadID: thread, RootMessageID: root},
		Status: &repository.StatusChange{RFIID: record.ID, From: domain.RFIStatusDraft, To: domain.RFIStatusSent, At: time.Now()},
	})
	if err != nil {
		t.Fatalf("persist send: %v", err)
	}
	return record
}

func TestResolveOrder(t *testing.T) {
	repos := memory.NewStore().Repositories()
	byThread := seedRecord(t, repos, "p1", "RFI-2026-00001", "thread-1", "root-1@rfi.test")
	byHeader := seedRecord(t, repos, "p1", "RFI-2026-00002", "thread-2", "root-2@rfi.test")
	bySeq := seedRecord(t, repos, "p1", "RFI-2026-00003", "", "")
	resolver := NewResolver(repos.RFIs, repos.Claims)
	ctx := context.Background()
	seq := "RFI-2026-00003"

	cases := []struct {
		name   string
		msg    parser.ParsedMessage
		wantID string
		method MatchMethod
	}{
		{"thread wins", parser.ParsedMessage{ThreadID: "thread-1", InReplyTo: []string{"root-2@rfi.test"}, SequenceNumber: &seq}, byThread.ID, MatchedByThread},
		{"unknown thread falls back to headers", parser.ParsedMessage{ThreadID: "forwarded", References: []string{"other@x", "root-2@rfi.test"}}, byHeader.ID, MatchedByReplyHeader},
		{"sequence last", parser.ParsedMessage{ThreadID: "new-thread", SequenceNumber: &seq}, bySeq.ID, MatchedBySequence},
	}
	for _, tc := range cases {
		res, err := resolver.Resolve(ctx, tc.msg)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if res.Record.ID != tc.wantID || res.MatchedBy != tc.method {
			t.Fatalf("%s: expected %s via %s, got %s via %s", tc.name, tc.wantID, tc.method, res.Record.ID, res.MatchedBy)
		}
	}
}

func TestResolveMisses(t *testing.T) {
	repos := memory.NewStore().Repositories()
	seedRecord(t, repos, "p1", "RFI-2026-00007", "", "")
	seedRecord(t, repos, "p2", "RFI-2026-00007", "", "")
	resolver := NewResolver(repos.RFIs, repos.Claims)
	ctx := context.Background()

	ambiguous := "RFI-2026-00007"
	unknown := "RFI-2026-00999"
	cases := []struct {
		name   string
		msg    parser.ParsedMessage
		reason domain.TriageReason
	}{
		{"no identifiers", parser.ParsedMessage{ThreadID: "t-x"}, domain.TriageReasonUnmatched},
		{"unknown sequence", parser.ParsedMessage{SequenceNumber: &unknown}, domain.TriageReasonUnmatched},
		{"ambiguous sequence", parser.ParsedMessage{SequenceNumber: &ambiguous}, domain.TriageReasonAmbiguousSequence},
	}
	for _, tc := range cases {
		_, err := resolver.Resolve(ctx, tc.msg)
		if !errors.Is(err, ErrUnmatched) {
			t.Fatalf("%s: expected ErrUnmatched, got %v", tc.name, err)
		}
		var miss *MissError
		if !errors.As(err, &miss) || miss.Reason != tc.reason {
			t.Fatalf("%s: expected reason %s, got %v", tc.name, tc.reason, err)
		}
	}
}

func TestSubjectRoundTripResolvesOriginatingRecord(t *testing.T) {
	repos := memory.NewStore().Repositories()
	record := seedRecord(t, repos, "p1", "RFI-2026-00042", "", "")
	resolver := NewResolver(repos.RFIs, repos.Claims)

	raw, err := transport.BuildMIME(transport.OutboundMessage{
		MessageID: "fresh@elsewhere.test",
		From:      "architect@example.com",
		To:        "rfi@example.com",
		Subject:   parser.ReplySubject(parser.ComposeSubject(record.SequenceNumber, record.Subject)),
		Body:      "See attached detail.",
	}, time.Now())
	if err != nil {
		t.Fatalf("build mime: %v", err)
	}
	msg, err := parser.Parse(transport.RawMessage{ProviderMessageID: "p-1", ThreadID: "unrelated", Raw: raw})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res, err := resolver.Resolve(context.Background(), msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Record.ID != record.ID || res.MatchedBy != MatchedBySequence {
		t.Fatalf("expected %s by sequence, got %s by %s", record.ID, res.Record.ID, res.MatchedBy)
	}
}

func TestIsDuplicate(t *testing.T) {
	repos := memory.NewStore().Repositories()
	seedRecord(t, repos, "p1", "RFI-2026-00001", "thread-1", "root-1@rfi.test")
	resolver := NewResolver(repos.RFIs, repos.Claims)
	ctx := context.Background()

	dup, err := resolver.IsDuplicate(ctx, "root-1@rfi.test")
	if err != nil || !dup {
		t.Fatalf("expected claimed id to be duplicate, got %v %v", dup, err)
	}
	dup, err = resolver.IsDuplicate(ctx, "new@rfi.test")
	if err != nil || dup {
		t.Fatalf("expected unclaimed id to be new, got %v %v", dup, err)
	}
}
