package worker

import (
	"context"
	"sync"

	"github.com/paymint/transfer-engine/internal/models"
	"github.com/paymint/transfer-engine/internal/observability"
	"go.uber.org/zap"
)

// Settler applies the deposit leg for one committed withdrawal.
type Settler interface {
	Settle(ctx context.Context, withdrawal models.Transfer) error
}

// SettlementPool runs deposit settlement on a bounded set of goroutines
// behind a bounded queue. When the queue is full, Submit runs the task on
// the calling goroutine instead of dropping it: overflow slows producers
// down, it never loses a committed withdrawal.
type SettlementPool struct {
	settler   Settler
	tasks     chan models.Transfer
	workers   int
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSettlementPool creates a pool with the given worker count and queue size.
func NewSettlementPool(settler Settler, workers, queueSize int) *SettlementPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 8
	}
	return &SettlementPool{
		settler: settler,
		tasks:   make(chan models.Transfer, queueSize),
		workers: workers,
	}
}

// Start launches the worker goroutines. Settlement outlives individual
// request contexts, so workers run on a context derived from ctx only for
// shutdown.
func (p *SettlementPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.baseCtx, p.cancel = context.WithCancel(ctx)
		zap.L().Info("settlement pool starting", zap.Int("workers", p.workers), zap.Int("queue", cap(p.tasks)))
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run()
		}
	})
}

func (p *SettlementPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case withdrawal := <-p.tasks:
			p.settle(withdrawal)
		}
	}
}

// Submit schedules one withdrawal for settlement. Safe to call from the
// request path after the withdrawal commits.
func (p *SettlementPool) Submit(withdrawal models.Transfer) {
	select {
	case p.tasks <- withdrawal:
	default:
		// Queue full: run on the caller for backpressure.
		observability.IncrementPoolOverflow()
		zap.L().Warn("settlement queue full, running on caller",
			zap.String("transfer_group_id", withdrawal.GroupID.String()),
		)
		p.settle(withdrawal)
	}
}

func (p *SettlementPool) settle(withdrawal models.Transfer) {
	ctx := p.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.settler.Settle(ctx, withdrawal); err != nil {
		observability.IncrementWorkerRun("settlement", "failed")
		return
	}
	observability.IncrementWorkerRun("settlement", "success")
}

// Stop drains queued tasks and waits for in-flight settlements to finish.
func (p *SettlementPool) Stop() {
	p.stopOnce.Do(func() {
		// Drain what is already queued before cancelling the workers.
		for {
			select {
			case withdrawal := <-p.tasks:
				p.settle(withdrawal)
				continue
			default:
			}
			break
		}
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}
