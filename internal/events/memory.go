package events

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process Channel for tests and single-instance runs.
// Handler errors requeue the event, so delivery is at-least-once like the
// broker-backed implementation.
type MemoryChannel struct {
	events    chan TransferFailedEvent
	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryChannel creates a channel with the given buffer size.
func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryChannel{
		events: make(chan TransferFailedEvent, buffer),
		done:   make(chan struct{}),
	}
}

func (m *MemoryChannel) PublishTransferFailed(ctx context.Context, event TransferFailedEvent) error {
	select {
	case <-m.done:
		return context.Canceled
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return context.Canceled
	case m.events <- event:
		return nil
	}
}

func (m *MemoryChannel) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case event := <-m.events:
			if err := handler(ctx, event); err != nil {
				// Requeue without blocking the consumer; drop only if the
				// buffer is saturated with failing events.
				select {
				case m.events <- event:
				default:
				}
			}
		}
	}
}

func (m *MemoryChannel) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}
