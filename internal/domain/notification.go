package domain

import "time"

// NotificationEvent enumerates what stakeholders are told about.
type NotificationEvent string

const (
	NotificationResponseReceived NotificationEvent = "response_received"
	NotificationDueSoon          NotificationEvent = "due_soon"
	NotificationOverdue          NotificationEvent = "overdue"
)

// NotificationStatus tracks outbox delivery.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is an outbox row. (RFIID, EventType, DedupeKey) is unique.
type Notification struct {
	ID            string
	RFIID         string
	EventType     NotificationEvent
	DedupeKey     string
	Payload       map[string]any
	Status        NotificationStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	DeliveredAt   *time.Time

	// DeliveredChannels names the channels that already accepted this row.
	DeliveredChannels []string
}

// DeliveredTo reports whether channel already accepted the notification.
func (n *Notification) DeliveredTo(channel string) bool {
	for _, c := range n.DeliveredChannels {
		if c == channel {
			return true
		}
	}
	return false
}

// MailboxCursor is the last provider history position processed for a mailbox.
type MailboxCursor struct {
	Mailbox   string
	HistoryID uint64
	UpdatedAt time.Time
}
