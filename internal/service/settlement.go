package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/events"
	"github.com/paymint/transfer-engine/internal/models"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/paymint/transfer-engine/internal/repository"
	"go.uber.org/zap"
)

// SettlementService applies the deposit leg of a transfer group. It never
// retries in place: any failure is converted into a TransferFailedEvent and
// the group stays pending until compensation credits the source back.
type SettlementService struct {
	store   QueryStore
	channel events.Channel
}

func NewSettlementService(store QueryStore, channel events.Channel) *SettlementService {
	return &SettlementService{
		store:   store,
		channel: channel,
	}
}

// Settle locks the destination account, credits withdrawalAmount ÷ rate and
// records the DEPOSIT leg sharing the withdrawal's group id.
func (s *SettlementService) Settle(ctx context.Context, withdrawal models.Transfer) error {
	start := time.Now()

	err := s.settle(ctx, withdrawal)
	if err == nil {
		observability.ObserveSettlement("success", time.Since(start))
		observability.IncrementTransferLeg(domain.TransferTypeDeposit)
		return nil
	}

	observability.ObserveSettlement("failure", time.Since(start))
	zap.L().Error("deposit settlement failed, publishing compensation event",
		zap.String("transfer_group_id", withdrawal.GroupID.String()),
		zap.Error(err),
	)

	// The withdrawal leg stays committed. Publish with a fresh context so a
	// canceled settlement context cannot swallow the failure event.
	event := events.TransferFailedEvent{
		TransferGroupID: withdrawal.GroupID,
		FailedLeg:       events.FailedLegDeposit,
		Reason:          err.Error(),
	}
	if pubErr := s.channel.PublishTransferFailed(context.WithoutCancel(ctx), event); pubErr != nil {
		zap.L().Error("CRITICAL: failed to publish transfer failed event; group stuck pending until sweep",
			zap.String("transfer_group_id", withdrawal.GroupID.String()),
			zap.Error(pubErr),
		)
	}
	return err
}

func (s *SettlementService) settle(ctx context.Context, withdrawal models.Transfer) error {
	return s.store.RunInTx(ctx, func(q *repository.Queries) error {
		// The sweeper may re-submit a group that already settled.
		if _, err := q.GetResolutionByGroup(ctx, withdrawal.GroupID); err == nil {
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check group resolution: %w", err)
		}

		dest, err := q.GetAccountForUpdate(ctx, withdrawal.ToAccountID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrAccountNotFound
			}
			return fmt.Errorf("lock destination account: %w", err)
		}
		if dest.Status != domain.AccountStatusActive {
			return models.ErrAccountInactive
		}

		credited := domain.UnapplyRate(withdrawal.AmountMicros, withdrawal.Rate)
		if credited <= 0 {
			return fmt.Errorf("credited amount rounds to zero at rate %s", withdrawal.Rate)
		}

		balance, err := q.CreditAccountBalance(ctx, dest.ID, credited)
		if err != nil {
			return err
		}

		deposit := models.Transfer{
			ID:                 uuid.New(),
			GroupID:            withdrawal.GroupID,
			OwnerID:            withdrawal.OwnerID,
			Type:               domain.TransferTypeDeposit,
			FromAccountID:      withdrawal.FromAccountID,
			ToAccountID:        withdrawal.ToAccountID,
			FromCurrency:       withdrawal.FromCurrency,
			ToCurrency:         withdrawal.ToCurrency,
			Rate:               withdrawal.Rate,
			AmountMicros:       credited,
			BalanceAfterMicros: balance,
		}
		if err := q.InsertTransfer(ctx, &deposit); err != nil {
			return err
		}

		// A payment wrapping this group completes with the deposit.
		if payment, err := q.GetPaymentByGroup(ctx, withdrawal.GroupID); err == nil {
			rows, err := q.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentStatusCompleted)
			if err != nil {
				return err
			}
			if err := requireExactlyOne(rows, "complete payment"); err != nil {
				return err
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("load payment for group: %w", err)
		}

		zap.L().Info("deposit settled",
			zap.String("transfer_group_id", withdrawal.GroupID.String()),
			zap.Int64("credited_micros", credited),
		)
		return nil
	})
}
