package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryChannel_DeliversPublishedEvents(t *testing.T) {
	ch := NewMemoryChannel(4)
	defer ch.Close()

	event := TransferFailedEvent{
		TransferGroupID: uuid.New(),
		FailedLeg:       FailedLegDeposit,
		Reason:          "destination account closed",
	}
	require.NoError(t, ch.PublishTransferFailed(context.Background(), event))

	received := make(chan TransferFailedEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = ch.Consume(ctx, func(ctx context.Context, e TransferFailedEvent) error {
			received <- e
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryChannel_RedeliversOnHandlerError(t *testing.T) {
	ch := NewMemoryChannel(4)
	defer ch.Close()

	require.NoError(t, ch.PublishTransferFailed(context.Background(), TransferFailedEvent{
		TransferGroupID: uuid.New(),
		FailedLeg:       FailedLegDeposit,
	}))

	var deliveries atomic.Int64
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = ch.Consume(ctx, func(ctx context.Context, e TransferFailedEvent) error {
			if deliveries.Add(1) == 1 {
				return errors.New("transient failure")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
		assert.GreaterOrEqual(t, deliveries.Load(), int64(2), "failed delivery must be retried")
	case <-time.After(2 * time.Second):
		t.Fatal("event was not redelivered after a handler error")
	}
}

func TestMemoryChannel_PublishAfterClose(t *testing.T) {
	ch := NewMemoryChannel(1)
	require.NoError(t, ch.Close())

	err := ch.PublishTransferFailed(context.Background(), TransferFailedEvent{TransferGroupID: uuid.New()})
	assert.Error(t, err)
}
