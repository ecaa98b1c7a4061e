package worker

import (
	"context"
	"sync"
	"time"

	"github.com/paymint/transfer-engine/internal/events"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/paymint/transfer-engine/internal/repository"
	"go.uber.org/zap"
)

// SweeperStore is the data access needed by the pending sweeper.
type SweeperStore interface {
	Queries() *repository.Queries
}

// PendingSweeper bounds the saga inconsistency window. It periodically
// exports the number of pending transfer groups and publishes a failure
// event for any group stuck pending longer than maxAge, so compensation
// eventually refunds groups whose settlement task was lost.
type PendingSweeper struct {
	store    SweeperStore
	channel  events.Channel
	interval time.Duration
	maxAge   time.Duration
	batch    int32
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPendingSweeper constructs a sweeper with sane defaults.
func NewPendingSweeper(store SweeperStore, channel events.Channel) *PendingSweeper {
	return &PendingSweeper{
		store:    store,
		channel:  channel,
		interval: 30 * time.Second,
		maxAge:   5 * time.Minute,
		batch:    100,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the sweep interval.
func (w *PendingSweeper) WithInterval(interval time.Duration) *PendingSweeper {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithMaxAge updates the age after which a pending group is force-failed.
func (w *PendingSweeper) WithMaxAge(maxAge time.Duration) *PendingSweeper {
	if maxAge > 0 {
		w.maxAge = maxAge
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *PendingSweeper) Start(ctx context.Context) {
	zap.L().Info("pending sweeper starting",
		zap.Duration("interval", w.interval),
		zap.Duration("max_age", w.maxAge),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("pending sweeper context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("pending sweeper stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running sweep loop.
func (w *PendingSweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the sweeper in a goroutine and returns a stop function.
func (w *PendingSweeper) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *PendingSweeper) runOnce(ctx context.Context) {
	queries := w.store.Queries()

	pending, err := queries.CountPendingGroups(ctx)
	if err != nil {
		observability.IncrementWorkerRun("sweeper", "failed")
		zap.L().Error("count pending groups failed", zap.Error(err))
		return
	}
	observability.SetPendingGroups(pending)

	cutoff := time.Now().Add(-w.maxAge)
	stale, err := queries.ListStalePendingWithdrawals(ctx, cutoff, w.batch)
	if err != nil {
		observability.IncrementWorkerRun("sweeper", "failed")
		zap.L().Error("list stale pending withdrawals failed", zap.Error(err))
		return
	}

	for _, withdrawal := range stale {
		event := events.TransferFailedEvent{
			TransferGroupID: withdrawal.GroupID,
			FailedLeg:       events.FailedLegDeposit,
			Reason:          "settlement overdue",
		}
		if err := w.channel.PublishTransferFailed(ctx, event); err != nil {
			observability.IncrementWorkerRun("sweeper", "failed")
			zap.L().Error("publish overdue settlement event failed",
				zap.String("transfer_group_id", withdrawal.GroupID.String()),
				zap.Error(err),
			)
			return
		}
		zap.L().Warn("pending group overdue, compensation requested",
			zap.String("transfer_group_id", withdrawal.GroupID.String()),
			zap.Time("debited_at", withdrawal.CreatedAt),
		)
	}

	observability.IncrementWorkerRun("sweeper", "success")
}
