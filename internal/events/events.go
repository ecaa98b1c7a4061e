package events

import (
	"context"

	"github.com/google/uuid"
)

// FailedLegDeposit marks a deposit-side settlement failure.
const FailedLegDeposit = "DEPOSIT"

// TransferFailedEvent signals that a leg of a transfer group could not be
// applied. Consumers must treat delivery as at-least-once: duplicates are
// expected, ordering across groups is not guaranteed, publication is never
// lost once acknowledged.
type TransferFailedEvent struct {
	TransferGroupID uuid.UUID `json:"transfer_group_id"`
	FailedLeg       string    `json:"failed_leg"`
	Reason          string    `json:"reason,omitempty"`
}

// Handler processes one delivered event. Returning an error requeues the
// event for redelivery.
type Handler func(ctx context.Context, event TransferFailedEvent) error

// Channel carries failure events from the deposit settler to the
// compensation handler.
type Channel interface {
	PublishTransferFailed(ctx context.Context, event TransferFailedEvent) error
	// Consume blocks delivering events to handler until ctx is canceled.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
