package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/velora-app/chatsync/internal/bus"
)

// Envelope wraps a bus event for UI consumers with a stable event id.
type Envelope struct {
	EventID    string
	Kind       string
	OccurredAt time.Time
	Payload    any
}

// Watch streams bus events under a namespace prefix into envelopes
// until ctx is cancelled. The returned channel closes on cancellation.
func Watch(ctx context.Context, b *bus.Bus, namespace string, bufSize int) <-chan Envelope {
	ch, unsub := b.Subscribe(namespace, bufSize)
	out := make(chan Envelope, bufSize)

	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				env := Envelope{
					EventID:    uuid.New().String(),
					Kind:       evt.Kind,
					OccurredAt: evt.Timestamp,
					Payload:    evt.Payload,
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
