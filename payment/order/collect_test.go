package order

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"paygate/payment/apperr"
	"paygate/payment/db"
	"paygate/payment/sweep"
)

func payOrder(t *testing.T, f *fixture, amount string) *db.Order {
	t.Helper()
	order := f.createOrder(t, amount)
	f.deposit(order, amount)
	_, err := f.store.Update(context.Background(), order.OrderNo, func(o *db.Order) error {
		return o.MarkPaid(order.Amount, f.clock.Now())
	})
	require.NoError(t, err)
	return order
}

func TestCollector_Collect(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	order := payOrder(t, f, "12.5")

	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.TxHash)
	assert.Equal(t, "12.5", result.Amount.String())
	assert.Equal(t, "successfully collected 12.50 USDT", result.Message)

	got := f.reload(t, order)
	assert.Equal(t, result.TxHash, got.CollectTxHash)
	assert.Equal(t, db.StatusPaid, got.Status)
}

func TestCollector_OnlyPaidOrders(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	order := f.createOrder(t, "1")
	f.deposit(order, "1")

	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	assert.ErrorIs(t, err, ErrNotPaid)
	assert.False(t, result.Success)
	assert.Equal(t, "only paid orders can be collected", result.Message)
	assert.Empty(t, f.backend.Sent())
}

func TestCollector_NoFunds(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	order := payOrder(t, f, "1")
	f.backend.SetToken(common.HexToAddress(order.Address), big0())

	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	assert.ErrorIs(t, err, sweep.ErrNoFunds)
	assert.False(t, result.Success)
	assert.Equal(t, "no funds to collect", result.Message)
}

func TestCollector_Disabled(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := payOrder(t, f, "1")

	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	assert.ErrorIs(t, err, ErrCollectionDisabled)
	assert.False(t, result.Success)
}

func TestCollector_UnderfundedFundingAddress(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	f.backend.SetNative(f.funding.Address, big0())
	order := payOrder(t, f, "4")

	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunding))
	assert.False(t, result.Success)
	assert.Empty(t, f.reload(t, order).CollectTxHash)
}

func TestCollector_RetryAfterFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	order := payOrder(t, f, "4")

	f.backend.RevertTransfers = true
	_, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.Error(t, err)
	assert.Empty(t, f.reload(t, order).CollectTxHash)

	f.backend.RevertTransfers = false
	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, result.TxHash, f.reload(t, order).CollectTxHash)
}

func TestCollector_UnknownOrder(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	_, err := f.collector.Collect(context.Background(), "nope")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCollector_SecondCollectLogsReplacedHash(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	core, logs := observer.New(zapcore.WarnLevel)
	f.collector.logger = zap.New(core)
	order := payOrder(t, f, "5")

	first, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.NoError(t, err)

	// a late top-up to the same deposit address
	f.deposit(order, "1")
	second, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.NoError(t, err)
	require.NotEqual(t, first.TxHash, second.TxHash)
	assert.Equal(t, second.TxHash, f.reload(t, order).CollectTxHash)

	replaced := logs.FilterField(zap.String("previous_tx_hash", first.TxHash)).All()
	require.Len(t, replaced, 1)
	assert.Equal(t, second.TxHash, replaced[0].ContextMap()["tx_hash"])
}
