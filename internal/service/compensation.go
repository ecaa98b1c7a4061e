package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/events"
	"github.com/paymint/transfer-engine/internal/models"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/paymint/transfer-engine/internal/repository"
	"go.uber.org/zap"
)

// CompensationService reverses the debit of a transfer group whose deposit
// leg failed, by crediting the source account back and recording a REFUNDED
// leg. It is safe against duplicate event delivery: a group that already has
// a resolution leg is left untouched.
type CompensationService struct {
	store QueryStore
}

func NewCompensationService(store QueryStore) *CompensationService {
	return &CompensationService{store: store}
}

// OnTransferFailed consumes one failure event. The event channel is
// at-least-once, so this must be idempotent; the partial unique index on
// resolution legs backstops the in-transaction existence check.
func (s *CompensationService) OnTransferFailed(ctx context.Context, event events.TransferFailedEvent) error {
	var refunded bool

	err := s.store.RunInTx(ctx, func(q *repository.Queries) error {
		withdrawal, err := q.GetWithdrawalByGroup(ctx, event.TransferGroupID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: group %s", models.ErrTransferNotFound, event.TransferGroupID)
			}
			return fmt.Errorf("load withdrawal for group: %w", err)
		}

		// Duplicate delivery, or the deposit actually landed before the
		// failure event was processed. Either way: do not touch balances.
		if _, err := q.GetResolutionByGroup(ctx, event.TransferGroupID); err == nil {
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check group resolution: %w", err)
		}

		source, err := q.GetAccountForUpdate(ctx, withdrawal.FromAccountID)
		if err != nil {
			return fmt.Errorf("lock source account for refund: %w", err)
		}

		balance, err := q.CreditAccountBalance(ctx, source.ID, withdrawal.AmountMicros)
		if err != nil {
			return err
		}

		// Roles swapped relative to the withdrawal: money flows back from
		// the never-credited destination side to the source.
		refund := models.Transfer{
			ID:                 uuid.New(),
			GroupID:            withdrawal.GroupID,
			OwnerID:            withdrawal.OwnerID,
			Type:               domain.TransferTypeRefunded,
			FromAccountID:      withdrawal.ToAccountID,
			ToAccountID:        withdrawal.FromAccountID,
			FromCurrency:       withdrawal.ToCurrency,
			ToCurrency:         withdrawal.FromCurrency,
			Rate:               withdrawal.Rate,
			AmountMicros:       withdrawal.AmountMicros,
			BalanceAfterMicros: balance,
		}
		if err := q.InsertTransfer(ctx, &refund); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		// A compensation that cannot complete leaves debited money in limbo.
		observability.IncrementCompensation("failed")
		zap.L().Error("CRITICAL: compensation failed for transfer group",
			zap.String("transfer_group_id", event.TransferGroupID.String()),
			zap.String("failed_leg", event.FailedLeg),
			zap.Error(err),
		)
		return err
	}

	if !refunded {
		observability.IncrementCompensation("duplicate")
		return nil
	}

	observability.IncrementCompensation("refunded")
	observability.IncrementTransferLeg(domain.TransferTypeRefunded)
	zap.L().Warn("transfer group refunded after deposit failure",
		zap.String("transfer_group_id", event.TransferGroupID.String()),
		zap.String("reason", event.Reason),
	)
	return nil
}
