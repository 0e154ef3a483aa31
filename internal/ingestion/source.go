package ingestion

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Acceptor is what producers hand deliveries to. *Pipeline implements it.
type Acceptor interface {
	Accept(ctx context.Context, d Delivery) (Receipt, error)
}

// EventSource produces deliveries until ctx is done.
type EventSource interface {
	Name() string
	Run(ctx context.Context, sink Acceptor) error
}

// PubSubSource pulls provider notifications from a subscription.
type PubSubSource struct {
	client       *pubsub.Client
	subscription string
	outstanding  int
	logger       *zap.Logger
}

// PubSubOptions configures NewPubSubSource.
type PubSubOptions struct {
	ProjectID       string
	Subscription    string
	CredentialsFile string
	MaxOutstanding  int
}

// NewPubSubSource connects to Pub/Sub.
func NewPubSubSource(ctx context.Context, opts PubSubOptions, logger *zap.Logger) (*PubSubSource, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSource{
		client:       client,
		subscription: opts.Subscription,
		outstanding:  opts.MaxOutstanding,
		logger:       logger.Named("pubsub"),
	}, nil
}

func (s *PubSubSource) Name() string { return "pubsub:" + s.subscription }

// Run receives until ctx is cancelled. Messages are acked once queued or known
// duplicates, and nacked when the queue is full so Pub/Sub redelivers them.
func (s *PubSubSource) Run(ctx context.Context, sink Acceptor) error {
	sub := s.client.Subscription(s.subscription)
	if s.outstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = s.outstanding
		sub.ReceiveSettings.NumGoroutines = 1
	}
	s.logger.Info("listening", zap.String("subscription", s.subscription))

	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		receipt, err := sink.Accept(ctx, Delivery{
			PushMessageID: msg.ID,
			Data:          msg.Data,
			PublishTime:   msg.PublishTime,
		})
		switch {
		case errors.Is(err, ErrQueueFull):
			s.logger.Warn("queue full; nacking", zap.String("message_id", msg.ID))
			msg.Nack()
		case err != nil:
			// Undecodable data will never succeed; the receipt audit row keeps it visible.
			s.logger.Warn("dropping undecodable notification", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
		default:
			s.logger.Debug("notification accepted",
				zap.String("message_id", msg.ID),
				zap.String("job_id", receipt.JobID),
				zap.Bool("duplicate", receipt.Duplicate))
			msg.Ack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive %s: %w", s.subscription, err)
	}
	return nil
}

// Close releases the client.
func (s *PubSubSource) Close() error {
	return s.client.Close()
}
