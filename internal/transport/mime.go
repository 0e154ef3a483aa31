package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// NewMessageID returns a fresh RFC 5322 id, without angle brackets, under domain.
func NewMessageID(domain string) string {
	if strings.TrimSpace(domain) == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

// BuildMIME renders msg as a single-part text/plain RFC 5322 message.
func BuildMIME(msg OutboundMessage, date time.Time) ([]byte, error) {
	if strings.TrimSpace(msg.To) == "" {
		return nil, Permanent("build", 0, fmt.Errorf("recipient required"))
	}
	if strings.TrimSpace(msg.MessageID) == "" {
		return nil, Permanent("build", 0, fmt.Errorf("message id required"))
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.ToName, Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(NormalizeMessageID(msg.MessageID))
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{NormalizeMessageID(msg.InReplyTo)})
		refs := make([]string, 0, len(msg.References))
		for _, ref := range msg.References {
			if ref = NormalizeMessageID(ref); ref != "" {
				refs = append(refs, ref)
			}
		}
		if len(refs) == 0 {
			refs = append(refs, NormalizeMessageID(msg.InReplyTo))
		}
		h.SetMsgIDList("References", refs)
	}
	if msg.SequenceNumber != "" {
		h.Set(SequenceHeader, msg.SequenceNumber)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write mime body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}
