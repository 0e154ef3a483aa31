package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

// Message is what a channel delivers for one outbox row.
type Message struct {
	NotificationID string                   `json:"notification_id"`
	RFIID          string                   `json:"rfi_id"`
	Event          domain.NotificationEvent `json:"event"`
	Payload        map[string]any           `json:"payload"`
	CreatedAt      time.Time                `json:"created_at"`
}

// Title is a short human line for push and log channels.
func (m Message) Title() string {
	seq, _ := m.Payload["sequence_number"].(string)
	switch m.Event {
	case domain.NotificationResponseReceived:
		return fmt.Sprintf("%s: response received", seq)
	case domain.NotificationDueSoon:
		return fmt.Sprintf("%s: due soon", seq)
	case domain.NotificationOverdue:
		return fmt.Sprintf("%s: overdue", seq)
	}
	return seq
}

// Channel delivers a message to one kind of stakeholder endpoint.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("notify")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(ctx context.Context, msg Message) error {
	c.logger.Info(string(msg.Event),
		zap.String("rfi_id", msg.RFIID),
		zap.String("notification_id", msg.NotificationID),
		zap.String("title", msg.Title()),
		zap.Any("payload", msg.Payload))
	return nil
}

// WebhookChannel posts the message as JSON to a stakeholder URL.
type WebhookChannel struct {
	url     string
	timeout time.Duration
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{url: url, timeout: timeout}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, msg Message) error {
	agent := fiber.Post(c.url)
	agent.Set("X-Notification-Id", msg.NotificationID)
	agent.JSON(msg)
	agent.Timeout(c.timeout)
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("webhook post: %w", errs[0])
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("webhook responded %d: %s", code, strings.TrimSpace(string(body)))
	}
	return nil
}

// fcmSender is the subset of *messaging.Client the channel uses.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMChannel pushes to a Firebase topic per project.
type FCMChannel struct {
	client      fcmSender
	topicPrefix string
}

// NewFCMChannel initializes a Firebase app from credentialsFile.
func NewFCMChannel(ctx context.Context, credentialsFile, topicPrefix string) (*FCMChannel, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return &FCMChannel{client: client, topicPrefix: topicPrefix}, nil
}

func (c *FCMChannel) Name() string { return "fcm" }

func (c *FCMChannel) Deliver(ctx context.Context, msg Message) error {
	project, _ := msg.Payload["project_id"].(string)
	if project == "" {
		return fmt.Errorf("fcm: notification %s has no project", msg.NotificationID)
	}
	data := map[string]string{
		"rfi_id":          msg.RFIID,
		"event":           string(msg.Event),
		"notification_id": msg.NotificationID,
	}
	for k, v := range msg.Payload {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}
	subject, _ := msg.Payload["subject"].(string)
	_, err := c.client.Send(ctx, &messaging.Message{
		Topic: c.topicPrefix + project,
		Notification: &messaging.Notification{
			Title: msg.Title(),
			Body:  subject,
		},
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
