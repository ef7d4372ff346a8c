package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/payment/apperr"
	"paygate/payment/chain"
	"paygate/payment/db"
	"paygate/payment/secret"
	"paygate/payment/sweep"
)

var (
	ErrNotPaid            = apperr.Validation("only paid orders can be collected")
	ErrCollectionDisabled = apperr.Validation("collection address not configured")
)

// Sweeper moves a paid order's deposit to the collection address. *sweep.Sweeper satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context, req sweep.Request) (sweep.Result, error)
}

// CollectResult is the outcome of one collection attempt, shared by the reconciler,
// the admin endpoint and the CLI.
type CollectResult struct {
	Success bool            `json:"success"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

type Collector struct {
	store    db.Store
	box      *secret.Box
	sweeper  Sweeper // nil when no collection address is configured
	decimals int32
	logger   *zap.Logger
	now      func() time.Time
}

func NewCollector(store db.Store, box *secret.Box, sweeper Sweeper, tokenDecimals int32, logger *zap.Logger) *Collector {
	return &Collector{
		store:    store,
		box:      box,
		sweeper:  sweeper,
		decimals: tokenDecimals,
		logger:   logger.Named("collect"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Collector) Enabled() bool {
	return c != nil && c.sweeper != nil
}

// Collect sweeps a paid order on demand. The returned error is nil only on success.
func (c *Collector) Collect(ctx context.Context, orderNo string) (CollectResult, error) {
	order, err := c.store.Get(ctx, orderNo)
	if err != nil {
		return failed(err), err
	}
	if order.Status != db.StatusPaid {
		return failed(ErrNotPaid), ErrNotPaid
	}
	return c.collect(ctx, order)
}

func (c *Collector) collect(ctx context.Context, order *db.Order) (CollectResult, error) {
	if !c.Enabled() {
		return failed(ErrCollectionDisabled), ErrCollectionDisabled
	}
	key, err := openKey(c.box, order)
	if err != nil {
		return failed(err), err
	}

	res, err := c.sweeper.Sweep(ctx, sweep.Request{OrderNo: order.OrderNo, Key: key})
	if err != nil {
		c.logger.Warn("collection failed", zap.String("order_no", order.OrderNo), zap.Error(err))
		return failed(err), err
	}

	amount := chain.ToDecimal(res.Amount, c.decimals)
	result := CollectResult{
		Success: true,
		TxHash:  res.TxHash,
		Amount:  amount,
		Message: "successfully collected " + amount.StringFixed(2) + " USDT",
	}

	now := c.now()
	var previous string
	if _, err := c.store.Update(ctx, order.OrderNo, func(o *db.Order) error {
		previous = o.RecordCollect(res.TxHash, now)
		return nil
	}); err != nil {
		// funds moved on chain; the hash is in the log for manual repair
		c.logger.Error("collected but failed to record tx hash",
			zap.String("order_no", order.OrderNo), zap.String("tx_hash", res.TxHash), zap.Error(err))
		result.Message = "collected but failed to record tx hash"
		return result, apperr.Internal(result.Message, apperr.WithCause(err), apperr.WithDetail("tx_hash", res.TxHash))
	}

	if previous != "" {
		// the row only keeps the latest sweep, keep the earlier one in the log
		c.logger.Warn("order collected again, replacing recorded sweep",
			zap.String("order_no", order.OrderNo),
			zap.String("previous_tx_hash", previous),
			zap.String("tx_hash", res.TxHash))
	}
	c.logger.Info("order collected",
		zap.String("order_no", order.OrderNo),
		zap.String("tx_hash", res.TxHash),
		zap.String("amount", amount.String()))
	return result, nil
}

func failed(err error) CollectResult {
	msg := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message()
	}
	return CollectResult{Success: false, Message: msg}
}
