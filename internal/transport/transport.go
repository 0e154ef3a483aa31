// Package transport sends and fetches mail through an external provider.
package transport

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// SequenceHeader carries the record sequence number on every outbound message.
const SequenceHeader = "X-RFI-Sequence"

// OutboundMessage is a message the service asks the provider to deliver.
type OutboundMessage struct {
	MessageID      string
	From           string
	FromName       string
	To             string
	ToName         string
	Subject        string
	Body           string
	SequenceNumber string
	ThreadID       string
	InReplyTo      string
	References     []string
}

// SendResult identifies the delivered message on the provider side.
type SendResult struct {
	ExternalMessageID string
	ProviderMessageID string
	ThreadID          string
}

// RawMessage is an RFC 5322 payload plus the provider's own identifiers.
type RawMessage struct {
	ProviderMessageID string
	ThreadID          string
	Raw               []byte
	LabelIDs          []string
	ReceivedAt        time.Time
}

// Client is implemented by every mail provider backend.
type Client interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
	// FetchThread returns the thread messages ordered oldest to newest.
	FetchThread(ctx context.Context, threadID string) ([]RawMessage, error)
	FetchMessage(ctx context.Context, providerMessageID string) (RawMessage, error)
	// ListSince returns provider message ids added after cursor and the cursor to store next.
	ListSince(ctx context.Context, cursor string) ([]string, string, error)
}

// NormalizeMessageID strips angle brackets and whitespace so ids compare exactly.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// CursorAfter reports whether candidate is strictly newer than current.
// Non-numeric cursors compare lexically.
func CursorAfter(candidate, current string) bool {
	if current == "" {
		return candidate != ""
	}
	c, errC := strconv.ParseUint(candidate, 10, 64)
	p, errP := strconv.ParseUint(current, 10, 64)
	if errC == nil && errP == nil {
		return c > p
	}
	return candidate > current
}
