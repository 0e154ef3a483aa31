package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process mail provider. Sent messages and delivered replies share one
// mailbox history, as a provider mailbox would.
type Memory struct {
	mu       sync.Mutex
	sender   string
	now      func() time.Time
	seq      int
	messages map[string]RawMessage
	threads  map[string][]string
	history  []string
	sent     []OutboundMessage
	failures []error
}

// NewMemory creates an empty mailbox owned by sender.
func NewMemory(sender string) *Memory {
	return &Memory{
		sender:   sender,
		now:      time.Now,
		messages: make(map[string]RawMessage),
		threads:  make(map[string][]string),
	}
}

// FailNext queues errors returned by the next calls, in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Sent returns the messages handed to Send.
func (m *Memory) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMessage(nil), m.sent...)
}

func (m *Memory) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, Transient("send", 0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked(); err != nil {
		return SendResult{}, err
	}
	if msg.From == "" {
		msg.From = m.sender
	}
	raw, err := BuildMIME(msg, m.now())
	if err != nil {
		return SendResult{}, err
	}
	threadID := msg.ThreadID
	if threadID != "" {
		if _, ok := m.threads[threadID]; !ok {
			return SendResult{}, Permanent("send", 404, fmt.Errorf("thread %s not found", threadID))
		}
	} else {
		m.seq++
		threadID = "thread-" + strconv.Itoa(m.seq)
	}
	providerID := m.storeLocked(threadID, raw, []string{"SENT"})
	m.sent = append(m.sent, msg)
	return SendResult{
		ExternalMessageID: NormalizeMessageID(msg.MessageID),
		ProviderMessageID: providerID,
		ThreadID:          threadID,
	}, nil
}

// Deliver simulates an inbound message landing in the mailbox and returns its provider id.
// An empty threadID starts a new thread.
func (m *Memory) Deliver(threadID string, raw []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threadID == "" {
		m.seq++
		threadID = "thread-" + strconv.Itoa(m.seq)
	}
	return m.storeLocked(threadID, raw, []string{"INBOX"})
}

// Cursor returns the current history position.
func (m *Memory) Cursor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(len(m.history))
}

func (m *Memory) FetchThread(ctx context.Context, threadID string) ([]RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked(); err != nil {
		return nil, err
	}
	ids, ok := m.threads[threadID]
	if !ok {
		return nil, Permanent("fetch_thread", 404, fmt.Errorf("thread %s not found", threadID))
	}
	out := make([]RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRaw(m.messages[id]))
	}
	return out, nil
}

func (m *Memory) FetchMessage(ctx context.Context, providerMessageID string) (RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked(); err != nil {
		return RawMessage{}, err
	}
	msg, ok := m.messages[providerMessageID]
	if !ok {
		return RawMessage{}, Permanent("fetch_message", 404, fmt.Errorf("message %s not found", providerMessageID))
	}
	return copyRaw(msg), nil
}

func (m *Memory) ListSince(ctx context.Context, cursor string) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailureLocked(); err != nil {
		return nil, "", err
	}
	start := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, "", Permanent("list_since", 0, fmt.Errorf("invalid history cursor %q", cursor))
		}
		start = parsed
	}
	if start > len(m.history) {
		start = len(m.history)
	}
	ids := append([]string(nil), m.history[start:]...)
	return ids, strconv.Itoa(len(m.history)), nil
}

func (m *Memory) storeLocked(threadID string, raw []byte, labels []string) string {
	m.seq++
	providerID := "msg-" + strconv.Itoa(m.seq)
	m.messages[providerID] = RawMessage{
		ProviderMessageID: providerID,
		ThreadID:          threadID,
		Raw:               append([]byte(nil), raw...),
		LabelIDs:          labels,
		ReceivedAt:        m.now().UTC(),
	}
	m.threads[threadID] = append(m.threads[threadID], providerID)
	m.history = append(m.history, providerID)
	return providerID
}

func (m *Memory) popFailureLocked() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func copyRaw(msg RawMessage) RawMessage {
	msg.Raw = append([]byte(nil), msg.Raw...)
	msg.LabelIDs = append([]string(nil), msg.LabelIDs...)
	return msg
}
