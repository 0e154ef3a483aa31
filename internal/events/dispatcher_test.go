package events

import (
	"context"
	"errors"
	"testing"
)

func TestPublishContinuesAfterHandlerError(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	var calls []string
	d.Subscribe(EventResponseReceived, func(ctx context.Context, e Event) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	d.Subscribe(EventResponseReceived, func(ctx context.Context, e Event) error {
		calls = append(calls, "second:"+e.RFIID)
		return nil
	})
	d.Subscribe(EventRFICreated, func(ctx context.Context, e Event) error {
		calls = append(calls, "unrelated")
		return nil
	})

	if err := d.Publish(context.Background(), Event{Type: EventResponseReceived, RFIID: "r1"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(calls) != 2 || calls[1] != "second:r1" {
		t.Fatalf("expected both handlers in order, got %v", calls)
	}
}
