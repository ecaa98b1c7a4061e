package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paymint/transfer-engine/internal/domain"
	"github.com/paymint/transfer-engine/internal/models"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/paymint/transfer-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// PaymentService handles the explicit refund flow for payments. Cancelling a
// settled payment moves money back from the destination to the source, which
// is the one path that must hold both account locks; they are always taken
// in ascending account-number order.
type PaymentService struct {
	store QueryStore
}

func NewPaymentService(store QueryStore) *PaymentService {
	return &PaymentService{store: store}
}

// CancelPaymentRequest carries the payment-cancellation inbound contract.
type CancelPaymentRequest struct {
	PaymentID  uuid.UUID
	Credential string
}

// Cancel refunds a payment's transfer group and transitions the payment to
// CANCELLED. CANCELLED is reachable only through this flow.
func (s *PaymentService) Cancel(ctx context.Context, requesterID uuid.UUID, req CancelPaymentRequest) (*models.Transfer, error) {
	var refund models.Transfer
	var legInserted bool

	err := s.store.RunInTx(ctx, func(q *repository.Queries) error {
		payment, err := q.GetPaymentForUpdate(ctx, req.PaymentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrPaymentNotFound
			}
			return fmt.Errorf("lock payment: %w", err)
		}
		if payment.Status == domain.PaymentStatusCancelled {
			return models.ErrAlreadyRefunded
		}

		withdrawal, err := q.GetWithdrawalByGroup(ctx, payment.GroupID)
		if err != nil {
			return fmt.Errorf("load withdrawal for payment group: %w", err)
		}

		resolution, err := q.GetResolutionByGroup(ctx, payment.GroupID)
		settled := err == nil && resolution.Type == domain.TransferTypeDeposit
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check group resolution: %w", err)
		}
		if err == nil && resolution.Type == domain.TransferTypeRefunded {
			// Compensation already returned the money. The cancel flow only
			// acknowledges it: the payment moves to its terminal status and
			// the existing refund leg is returned, with no money movement.
			source, err := q.GetAccountForUpdate(ctx, withdrawal.FromAccountID)
			if err != nil {
				return fmt.Errorf("lock source account: %w", err)
			}
			if source.OwnerID != requesterID {
				return models.ErrUnauthorized
			}
			if bcrypt.CompareHashAndPassword([]byte(source.CredentialHash), []byte(req.Credential)) != nil {
				return models.ErrInvalidCredential
			}
			rows, err := q.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentStatusCancelled)
			if err != nil {
				return err
			}
			if err := requireExactlyOne(rows, "cancel payment"); err != nil {
				return err
			}
			refund = resolution
			return nil
		}

		// Both legs' accounts are locked in ascending account-number order:
		// the refund debits the destination and credits the source.
		locked, err := q.LockAccountPair(ctx, withdrawal.FromAccountID, withdrawal.ToAccountID)
		if err != nil {
			return fmt.Errorf("lock account pair: %w", err)
		}
		var source, dest models.Account
		for _, a := range locked {
			switch a.ID {
			case withdrawal.FromAccountID:
				source = a
			case withdrawal.ToAccountID:
				dest = a
			}
		}

		if source.OwnerID != requesterID {
			return models.ErrUnauthorized
		}
		if bcrypt.CompareHashAndPassword([]byte(source.CredentialHash), []byte(req.Credential)) != nil {
			return models.ErrInvalidCredential
		}

		// A pending group is resolved in place by its REFUNDED leg. A settled
		// group already has its DEPOSIT resolution, so the refund becomes a
		// reversal group of its own: a WITHDRAWAL debiting the destination
		// followed by the REFUNDED leg crediting the source.
		refundGroup := withdrawal.GroupID
		refundRate := withdrawal.Rate
		if settled {
			refundGroup = uuid.New()
			refundRate = decimal.NewFromInt(1).DivRound(withdrawal.Rate, domain.RateDivisionScale)

			// The guard fails if the destination already spent the credit.
			destBalance, err := q.DebitAccountBalance(ctx, dest.ID, resolution.AmountMicros)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("destination balance too low to cancel payment %s: %w",
						payment.ID, models.ErrInsufficientBalance)
				}
				return fmt.Errorf("debit destination for refund: %w", err)
			}

			reversal := models.Transfer{
				ID:                 uuid.New(),
				GroupID:            refundGroup,
				OwnerID:            withdrawal.OwnerID,
				Type:               domain.TransferTypeWithdrawal,
				FromAccountID:      withdrawal.ToAccountID,
				ToAccountID:        withdrawal.FromAccountID,
				FromCurrency:       withdrawal.ToCurrency,
				ToCurrency:         withdrawal.FromCurrency,
				Rate:               refundRate,
				AmountMicros:       resolution.AmountMicros,
				BalanceAfterMicros: destBalance,
			}
			if err := q.InsertTransfer(ctx, &reversal); err != nil {
				return err
			}
		}

		balance, err := q.CreditAccountBalance(ctx, source.ID, withdrawal.AmountMicros)
		if err != nil {
			return err
		}

		refund = models.Transfer{
			ID:                 uuid.New(),
			GroupID:            refundGroup,
			OwnerID:            withdrawal.OwnerID,
			Type:               domain.TransferTypeRefunded,
			FromAccountID:      withdrawal.ToAccountID,
			ToAccountID:        withdrawal.FromAccountID,
			FromCurrency:       withdrawal.ToCurrency,
			ToCurrency:         withdrawal.FromCurrency,
			Rate:               refundRate,
			AmountMicros:       withdrawal.AmountMicros,
			BalanceAfterMicros: balance,
		}
		if err := q.InsertTransfer(ctx, &refund); err != nil {
			return err
		}
		legInserted = true

		rows, err := q.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentStatusCancelled)
		if err != nil {
			return err
		}
		return requireExactlyOne(rows, "cancel payment")
	})
	if err != nil {
		return nil, err
	}

	// The compensated branch returns an already-counted refund leg.
	if legInserted {
		observability.IncrementTransferLeg(domain.TransferTypeRefunded)
	}
	zap.L().Info("payment cancelled and refunded",
		zap.String("payment_id", req.PaymentID.String()),
		zap.String("transfer_group_id", refund.GroupID.String()),
	)
	return &refund, nil
}
