package events_test

import (
	"context"
	"testing"

	"github.com/michiel/ratchet-sub006/internal/events"
)

func TestNopPublisher_NeverErrors(t *testing.T) {
	var p events.Publisher = events.NopPublisher{}
	if err := p.Publish(context.Background(), events.Event{Kind: events.KindJobQueued}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestNewRedisPublisher_RejectsMissingAddr(t *testing.T) {
	if _, err := events.NewRedisPublisher(events.Config{}, nil); err == nil {
		t.Fatalf("expected an error for a missing redis addr")
	}
}
