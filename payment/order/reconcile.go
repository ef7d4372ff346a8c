package order

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paygate/payment/chain"
	"paygate/payment/db"
	"paygate/payment/metrics"
)

// BalanceReader reports token balances. *chain.Client satisfies it.
type BalanceReader interface {
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

type EngineOptions struct {
	// Lookback bounds the create_time of scanned orders. Must not be shorter than the order TTL.
	Lookback      time.Duration
	Concurrency   int
	TokenDecimals int32
}

// Engine is one reconciliation pass over unpaid orders: expire, detect payment, collect.
type Engine struct {
	store     db.Store
	chain     BalanceReader
	collector *Collector
	notifier  *Notifier
	opts      EngineOptions
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewEngine(store db.Store, reader BalanceReader, collector *Collector, notifier *Notifier, opts EngineOptions, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Engine{
		store:     store,
		chain:     reader,
		collector: collector,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.Named("reconcile"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Report summarizes one pass.
type Report struct {
	Scanned   int `json:"scanned"`
	Paid      int `json:"paid"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Collected int `json:"collected"`
}

type outcome int

const (
	outcomePending outcome = iota
	outcomePaid
	outcomeExpired
	outcomeFailed
	outcomeSkipped
)

// Run reconciles every unpaid order created within the lookback window. Errors on a single
// order are logged and counted; only failing to list the batch aborts the pass.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	now := e.now()

	orders, err := e.store.ListUnpaidSince(ctx, now.Add(-e.opts.Lookback))
	if err != nil {
		e.logger.Error("failed to load unpaid orders", zap.Error(err))
		e.metrics.ReconcilePass(time.Since(start), err)
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report = Report{Scanned: len(orders)}
	)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for _, o := range orders {
		g.Go(func() error {
			result, collected := e.reconcile(ctx, o, now)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case outcomePaid:
				report.Paid++
			case outcomeExpired:
				report.Expired++
			case outcomeFailed:
				report.Failed++
			case outcomePending:
				report.Pending++
			}
			if collected {
				report.Collected++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.ReconcilePass(time.Since(start), nil)
	if report.Paid+report.Expired+report.Failed > 0 {
		e.logger.Info("reconciliation pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("paid", report.Paid),
			zap.Int("expired", report.Expired),
			zap.Int("failed", report.Failed),
			zap.Int("collected", report.Collected),
			zap.Duration("took", time.Since(start)))
	} else {
		e.logger.Debug("reconciliation pass finished", zap.Int("scanned", report.Scanned))
	}
	return report, nil
}

func (e *Engine) reconcile(ctx context.Context, order *db.Order, now time.Time) (outcome, bool) {
	logger := e.logger.With(zap.String("order_no", order.OrderNo))

	// expiry wins over any balance that may have arrived
	if order.Overdue(now) {
		_, err := e.store.Update(ctx, order.OrderNo, func(o *db.Order) error {
			return o.MarkExpired(now)
		})
		if errors.Is(err, db.ErrAlreadySettled) {
			return outcomeSkipped, false
		}
		if err != nil {
			logger.Error("failed to expire order", zap.Error(err))
			return outcomeFailed, false
		}
		e.metrics.Transition(string(db.StatusExpired))
		logger.Info("order expired")
		return outcomeExpired, false
	}

	raw, err := e.chain.TokenBalance(ctx, common.HexToAddress(order.Address))
	if err != nil {
		// an unknown balance is not a zero balance, try again next pass
		logger.Warn("balance query failed", zap.String("address", order.Address), zap.Error(err))
		return outcomeFailed, false
	}
	balance := chain.ToDecimal(raw, e.opts.TokenDecimals)
	if balance.LessThan(order.Amount) {
		return outcomePending, false
	}

	paid, err := e.store.Update(ctx, order.OrderNo, func(o *db.Order) error {
		return o.MarkPaid(balance, now)
	})
	if errors.Is(err, db.ErrAlreadySettled) {
		return outcomeSkipped, false
	}
	if err != nil {
		logger.Error("failed to mark order paid", zap.Error(err))
		return outcomeFailed, false
	}
	e.metrics.Transition(string(db.StatusPaid))
	logger.Info("order paid",
		zap.String("amount", order.Amount.String()),
		zap.String("paid_amount", balance.String()))

	if err := e.notifier.Notify(ctx, paid); err != nil {
		logger.Warn("payment callback failed", zap.Error(err))
	}

	if !e.collector.Enabled() {
		return outcomePaid, false
	}
	// best effort: a failed sweep leaves the order paid and can be retried by hand
	if _, err := e.collector.collect(ctx, paid); err != nil {
		return outcomePaid, false
	}
	return outcomePaid, true
}
