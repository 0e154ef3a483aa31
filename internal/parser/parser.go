// Package parser turns raw provider messages into the fields correlation needs.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
)

// SequenceSource records where a sequence number was found.
type SequenceSource string

const (
	SequenceFromHeader  SequenceSource = "header"
	SequenceFromSubject SequenceSource = "subject"
	SequenceNone        SequenceSource = "none"
)

var (
	sequencePattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]{0,9}(?:-[A-Z0-9]{1,10})?-\d{4}-\d{5}\b`)
	sequenceExact   = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}(?:-[A-Z0-9]{1,10})?-\d{4}-\d{5}$`)
	replyPrefix     = regexp.MustCompile(`(?i)^\s*(re|aw|sv|antw)\s*:`)
)

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("parse error")

// ParseError reports a payload that cannot be interpreted as a message.
type ParseError struct {
	ProviderMessageID string
	Reason            string
	Err               error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.ProviderMessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.ProviderMessageID, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ParsedMessage is the normalized view of one inbound or outbound message.
type ParsedMessage struct {
	MessageID         string
	ProviderMessageID string
	ThreadID          string
	From              string
	FromName          string
	Subject           string
	BodyText          string
	IsReply           bool
	InReplyTo         []string
	References        []string
	SequenceNumber    *string
	SequenceSource    SequenceSource
	Attachments       []domain.Attachment
	LabelIDs          []string
	ReceivedAt        time.Time
}

// ReplyIDs returns In-Reply-To followed by References, newest reference first, without duplicates.
func (p ParsedMessage) ReplyIDs() []string {
	seen := make(map[string]struct{}, len(p.InReplyTo)+len(p.References))
	out := make([]string, 0, len(p.InReplyTo)+len(p.References))
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range p.InReplyTo {
		add(id)
	}
	for i := len(p.References) - 1; i >= 0; i-- {
		add(p.References[i])
	}
	return out
}

// Parse reads raw using the default sequence header.
func Parse(raw transport.RawMessage) (ParsedMessage, error) {
	return ParseWithHeader(raw, transport.SequenceHeader)
}

// ParseWithHeader reads raw, looking for the sequence number in header first.
func ParseWithHeader(raw transport.RawMessage, header string) (ParsedMessage, error) {
	if len(bytes.TrimSpace(raw.Raw)) == 0 {
		return ParsedMessage{}, &ParseError{ProviderMessageID: raw.ProviderMessageID, Reason: "empty payload"}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ParsedMessage{}, &ParseError{ProviderMessageID: raw.ProviderMessageID, Reason: "invalid message", Err: err}
	}
	defer mr.Close()

	out := ParsedMessage{
		ProviderMessageID: raw.ProviderMessageID,
		ThreadID:          raw.ThreadID,
		LabelIDs:          raw.LabelIDs,
		ReceivedAt:        raw.ReceivedAt,
		SequenceSource:    SequenceNone,
	}

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return ParsedMessage{}, &ParseError{ProviderMessageID: raw.ProviderMessageID, Reason: "missing or invalid sender", Err: err}
	}
	out.From = strings.ToLower(from[0].Address)
	out.FromName = from[0].Name

	out.MessageID, err = mr.Header.MessageID()
	if err != nil || out.MessageID == "" {
		if raw.ProviderMessageID == "" {
			return ParsedMessage{}, &ParseError{Reason: "missing message id", Err: err}
		}
		out.MessageID = raw.ProviderMessageID + "@provider.invalid"
	}
	out.MessageID = transport.NormalizeMessageID(out.MessageID)

	if out.Subject, err = mr.Header.Subject(); err != nil {
		out.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		out.ReceivedAt = date.UTC()
	}
	if out.InReplyTo, err = mr.Header.MsgIDList("In-Reply-To"); err != nil {
		out.InReplyTo = nil
	}
	if out.References, err = mr.Header.MsgIDList("References"); err != nil {
		out.References = nil
	}
	out.IsReply = len(out.InReplyTo) > 0 || len(out.References) > 0 || replyPrefix.MatchString(out.Subject)

	if seq := strings.TrimSpace(mr.Header.Get(header)); seq != "" && sequenceExact.MatchString(seq) {
		out.SequenceNumber = &seq
		out.SequenceSource = SequenceFromHeader
	} else if seq := ExtractSequence(out.Subject); seq != "" {
		out.SequenceNumber = &seq
		out.SequenceSource = SequenceFromSubject
	}

	plain, html, attachments, err := readParts(mr, raw.ProviderMessageID)
	if err != nil {
		return ParsedMessage{}, err
	}
	body := plain
	if strings.TrimSpace(body) == "" && html != "" {
		body = HTMLToText(html)
	}
	out.BodyText = TrimQuoted(body)
	out.Attachments = attachments
	return out, nil
}

func readParts(mr *mail.Reader, providerID string) (string, string, []domain.Attachment, error) {
	var plain, html strings.Builder
	var attachments []domain.Attachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return "", "", nil, &ParseError{ProviderMessageID: providerID, Reason: "unreadable part", Err: err}
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", "", nil, &ParseError{ProviderMessageID: providerID, Reason: "unreadable body", Err: err}
			}
			switch contentType {
			case "text/html":
				html.Write(data)
			case "text/plain", "":
				plain.Write(data)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			ref := ""
			if providerID != "" {
				ref = "provider://" + providerID + "/" + filename
			}
			attachments = append(attachments, domain.Attachment{
				FileName:   filename,
				MimeType:   contentType,
				SizeBytes:  size,
				StorageRef: ref,
			})
		}
	}
	return plain.String(), html.String(), attachments, nil
}

// ExtractSequence returns the first sequence number found in s, or "".
func ExtractSequence(s string) string {
	return sequencePattern.FindString(s)
}

// ComposeSubject tags subject with the sequence number so replies carry it back.
func ComposeSubject(sequence, subject string) string {
	subject = strings.TrimSpace(subject)
	if sequence == "" || strings.Contains(subject, sequence) {
		return subject
	}
	return fmt.Sprintf("[%s] %s", sequence, subject)
}

// ReplySubject prefixes subject with "Re: " once.
func ReplySubject(subject string) string {
	if replyPrefix.MatchString(subject) {
		return subject
	}
	return "Re: " + subject
}
