package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spec-kit/rfi-sync-service/internal/transport"
)

func raw(lines ...string) transport.RawMessage {
	return transport.RawMessage{
		ProviderMessageID: "msg-9",
		ThreadID:          "thread-3",
		Raw:               []byte(strings.Join(lines, "\r\n")),
	}
}

func TestParseReplyPrefersHeaderSequence(t *testing.T) {
	msg, err := Parse(raw(
		"From: Ana Architect <Ana@Example.com>",
		"To: rfi@example.com",
		"Subject: Re: [RFI-2024-00042] Slab openings",
		"Message-ID: <reply-1@mail.example.com>",
		"In-Reply-To: <root-1@rfi.example.com>",
		"References: <root-1@rfi.example.com>",
		"X-RFI-Sequence: RFI-2024-00042",
		"Date: Tue, 05 Mar 2024 10:00:00 +0000",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Openings are fine.",
		"",
		"On Mon, Mar 4, 2024 at 9:00 AM RFI Desk <rfi@example.com> wrote:",
		"> Please confirm the slab openings.",
	))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageID != "reply-1@mail.example.com" {
		t.Fatalf("unexpected message id %q", msg.MessageID)
	}
	if msg.From != "ana@example.com" || msg.FromName != "Ana Architect" {
		t.Fatalf("unexpected sender %q %q", msg.From, msg.FromName)
	}
	if !msg.IsReply || len(msg.InReplyTo) != 1 || msg.InReplyTo[0] != "root-1@rfi.example.com" {
		t.Fatalf("expected reply linkage, got %+v", msg.InReplyTo)
	}
	if msg.SequenceNumber == nil || *msg.SequenceNumber != "RFI-2024-00042" || msg.SequenceSource != SequenceFromHeader {
		t.Fatalf("expected header sequence, got %v/%s", msg.SequenceNumber, msg.SequenceSource)
	}
	if msg.BodyText != "Openings are fine." {
		t.Fatalf("expected quoted history trimmed, got %q", msg.BodyText)
	}
	if !msg.ReceivedAt.Equal(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %s", msg.ReceivedAt)
	}
	if msg.ThreadID != "thread-3" || msg.ProviderMessageID != "msg-9" {
		t.Fatalf("expected provider ids carried through")
	}
}

func TestParseFallsBackToSubjectSequence(t *testing.T) {
	msg, err := Parse(raw(
		"From: gc@example.com",
		"Subject: RE: FW: ACME-2023-00310 door hardware",
		"Message-ID: <x@y>",
		"",
		"See attached.",
	))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.SequenceNumber == nil || *msg.SequenceNumber != "ACME-2023-00310" || msg.SequenceSource != SequenceFromSubject {
		t.Fatalf("expected subject sequence, got %v/%s", msg.SequenceNumber, msg.SequenceSource)
	}
}

func TestExtractProjectCodedSequence(t *testing.T) {
	cases := map[string]string{
		"Re: [RFI-TWRA-2026-00012] Anchors":  "RFI-TWRA-2026-00012",
		"Re: RFI-1K9Z3QX-2026-00001 anchors": "RFI-1K9Z3QX-2026-00001",
		"Re: [RFI-2026-00003] Anchors":       "RFI-2026-00003",
		"Re: anchors 2026-00003":             "",
	}
	for subject, want := range cases {
		if got := ExtractSequence(subject); got != want {
			t.Fatalf("%q: expected %q, got %q", subject, want, got)
		}
	}
}

func TestParseIgnoresMalformedHeaderSequence(t *testing.T) {
	msg, err := Parse(raw(
		"From: gc@example.com",
		"Subject: hello",
		"Message-ID: <x@y>",
		"X-RFI-Sequence: not-a-sequence",
		"",
		"body",
	))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.SequenceNumber != nil || msg.SequenceSource != SequenceNone {
		t.Fatalf("expected no sequence, got source %s", msg.SequenceSource)
	}
}

func TestParseHTMLOnlyAndAttachments(t *testing.T) {
	msg, err := Parse(raw(
		"From: gc@example.com",
		"Subject: Re: [RFI-2024-00001] Detail",
		"Message-ID: <html-1@y>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>Use detail&nbsp;5 &amp; 6</p><br>Thanks</body></html>",
		"--b1",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="detail.pdf"`,
		"",
		"PDFDATA",
		"--b1--",
		"",
	))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(msg.BodyText, "Use detail") || !strings.Contains(msg.BodyText, "5 & 6") || strings.Contains(msg.BodyText, "<p>") {
		t.Fatalf("expected html reduced to text, got %q", msg.BodyText)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].FileName != "detail.pdf" || msg.Attachments[0].MimeType != "application/pdf" {
		t.Fatalf("unexpected attachments %+v", msg.Attachments)
	}
	if msg.Attachments[0].StorageRef != "provider://msg-9/detail.pdf" {
		t.Fatalf("unexpected storage ref %q", msg.Attachments[0].StorageRef)
	}
}

func TestHTMLToText(t *testing.T) {
	cases := map[string]string{
		`<p><a title="x > y" href="#">See detail 5</a></p>`:                                       "See detail 5",
		`<html><head><title>Mail</title><style>p{color:red}</style></head><body>Hi</body></html>`: "Hi",
		`<div>Line one<br/>Line <b>two</b></div><script>alert("x")</script>`:                      "Line one\nLine two",
		`<p>A &amp; B&nbsp;C</p>`: "A & B C",
	}
	for in, want := range cases {
		if got := HTMLToText(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestTrimQuotedKeepsProseFromLine(t *testing.T) {
	body := "Checked with the supplier.\nFrom: the mill report, the bars are grade 60.\nRegards"
	if got := TrimQuoted(body); got != body {
		t.Fatalf("expected prose kept, got %q", got)
	}
	forwarded := "See below.\n\nFrom: Site Office <site@example.com>\nSent: Monday\nSubject: RFI\n\nold text"
	if got := TrimQuoted(forwarded); got != "See below." {
		t.Fatalf("expected forwarded header block trimmed, got %q", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]transport.RawMessage{
		"empty":     {ProviderMessageID: "m"},
		"no sender": raw("Subject: hi", "Message-ID: <a@b>", "", "x"),
	}
	for name, in := range cases {
		if _, err := Parse(in); !errors.Is(err, ErrParse) {
			t.Fatalf("%s: expected parse error, got %v", name, err)
		}
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	subject := ComposeSubject("RFI-2024-00077", "Curtain wall anchors")
	reply := ReplySubject(subject)
	if got := ExtractSequence(reply); got != "RFI-2024-00077" {
		t.Fatalf("expected sequence recovered from %q, got %q", reply, got)
	}
	if ComposeSubject("RFI-2024-00077", subject) != subject {
		t.Fatalf("expected compose to be idempotent")
	}
	if ReplySubject(reply) != reply {
		t.Fatalf("expected single Re: prefix")
	}
}

func TestReplyIDsOrder(t *testing.T) {
	p := ParsedMessage{InReplyTo: []string{"c"}, References: []string{"a", "b", "c"}}
	got := p.ReplyIDs()
	if strings.Join(got, ",") != "c,b,a" {
		t.Fatalf("expected c,b,a got %v", got)
	}
}
