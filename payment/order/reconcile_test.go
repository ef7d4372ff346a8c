package order

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paygate/payment/chain/chaintest"
	"paygate/payment/db"
)

func TestEngine_ExactPaymentMarksPaid(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "10.00")
	f.deposit(order, "10.00")
	f.clock.Advance(time.Minute)

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)

	got := f.reload(t, order)
	assert.Equal(t, db.StatusPaid, got.Status)
	assert.True(t, got.PaidAmount.Valid)
	assert.True(t, got.PaidAmount.Decimal.Equal(decimal.RequireFromString("10")))
	require.NotNil(t, got.PaidTime)
	assert.Equal(t, f.clock.Now(), *got.PaidTime)

	paid, ok := got.State().(db.Paid)
	require.True(t, ok)
	assert.True(t, paid.Amount.Equal(decimal.NewFromInt(10)))
}

func TestEngine_OverpaymentRecordsObservedBalance(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "10.00")
	f.deposit(order, "12.345")

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	got := f.reload(t, order)
	assert.Equal(t, db.StatusPaid, got.Status)
	assert.True(t, got.PaidAmount.Decimal.Equal(decimal.RequireFromString("12.345")))
}

func TestEngine_UnderpaymentStaysUnpaid(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "10.00")
	f.deposit(order, "9.99")

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)

	got := f.reload(t, order)
	assert.Equal(t, db.StatusUnpaid, got.Status)
	assert.False(t, got.PaidAmount.Valid)
	assert.Nil(t, got.PaidTime)
}

func TestEngine_OverdueOrderExpires(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "10.00")
	f.clock.Advance(3 * time.Hour)

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, db.StatusExpired, f.reload(t, order).Status)
}

func TestEngine_ExpiryTakesPrecedenceOverBalance(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "10.00")
	f.deposit(order, "10.00")
	f.clock.Advance(testTTL + time.Second)

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	got := f.reload(t, order)
	assert.Equal(t, db.StatusExpired, got.Status)
	assert.False(t, got.PaidAmount.Valid)
	assert.Zero(t, f.backend.TokenBalanceQueries(common.HexToAddress(order.Address)))
}

func TestEngine_IsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	paid := f.createOrder(t, "5")
	f.deposit(paid, "5")
	pending := f.createOrder(t, "5")

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	first := map[string]*db.Order{
		paid.OrderNo:    f.reload(t, paid),
		pending.OrderNo: f.reload(t, pending),
	}

	f.clock.Advance(time.Second)
	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned, "settled orders are not selected again")
	assert.Zero(t, report.Paid+report.Expired)

	for no, before := range first {
		after, err := f.store.Get(context.Background(), no)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}
}

func TestEngine_BalanceErrorIsIsolated(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	broken := f.createOrder(t, "1")
	f.deposit(broken, "1")
	healthy := f.createOrder(t, "1")
	f.deposit(healthy, "1")
	f.backend.FailBalanceOf(common.HexToAddress(broken.Address), chaintest.ErrUnavailable)

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Paid)

	// an unreadable balance is not treated as zero or as paid
	assert.Equal(t, db.StatusUnpaid, f.reload(t, broken).Status)
	assert.Equal(t, db.StatusPaid, f.reload(t, healthy).Status)

	f.backend.FailBalanceOf(common.HexToAddress(broken.Address), nil)
	_, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaid, f.reload(t, broken).Status)
}

type failingStore struct {
	*db.MemoryStore
}

func (failingStore) ListUnpaidSince(context.Context, time.Time) ([]*db.Order, error) {
	return nil, errors.New("database is down")
}

func TestEngine_BatchFailureAbortsPass(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	engine := NewEngine(failingStore{f.store}, f.client, nil, nil, EngineOptions{Lookback: time.Hour}, zaptest.NewLogger(t), nil)

	_, err := engine.Run(context.Background())
	assert.Error(t, err)
}

func TestEngine_OrdersOutsideWindowAreNotScanned(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "1")
	f.deposit(order, "1")
	f.clock.Advance(5 * time.Hour)

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, db.StatusUnpaid, f.reload(t, order).Status)

	// a status check still expires it
	checked, err := f.service.Check(context.Background(), order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, db.StatusExpired, checked.Status)
}

func TestEngine_TransitionsAreOneWay(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	order := f.createOrder(t, "3")
	f.deposit(order, "3")

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, db.StatusPaid, f.reload(t, order).Status)

	// even once overdue, a paid order never becomes expired
	f.clock.Advance(3 * time.Hour)
	_, err = f.service.Check(context.Background(), order.OrderNo)
	require.NoError(t, err)
	_, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaid, f.reload(t, order).Status)
}

func TestEngine_NotifiesCallback(t *testing.T) {
	var calls atomic.Int32
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotQuery.Store(r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, fixtureOptions{notifier: NewNotifier(srv.Client(), zaptest.NewLogger(t))})
	order, err := f.service.Create(context.Background(), CreateRequest{
		Amount:   decimal.NewFromInt(2),
		Callback: srv.URL + "/hook?merchant=7",
	})
	require.NoError(t, err)
	f.deposit(order, "2")

	_, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "merchant=7&order_no="+order.OrderNo+"&status=paid", gotQuery.Load())

	_, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_CallbackFailureKeepsOrderPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, fixtureOptions{notifier: NewNotifier(srv.Client(), zaptest.NewLogger(t))})
	order, err := f.service.Create(context.Background(), CreateRequest{Amount: decimal.NewFromInt(2), Callback: srv.URL})
	require.NoError(t, err)
	f.deposit(order, "2")

	_, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaid, f.reload(t, order).Status)
}

func TestEngine_CollectsAfterPayment(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	order := f.createOrder(t, "7")
	f.deposit(order, "7")

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Collected)

	got := f.reload(t, order)
	assert.Equal(t, db.StatusPaid, got.Status)
	assert.NotEmpty(t, got.CollectTxHash)
	assert.Equal(t, "7", chainToString(f.backend.TokenOf(collectAddr)))
}

func TestEngine_FailedSweepKeepsPaid(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	f.backend.SetNative(f.funding.Address, eth(0))
	order := f.createOrder(t, "7")
	f.deposit(order, "7")

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
	assert.Zero(t, report.Collected)

	got := f.reload(t, order)
	assert.Equal(t, db.StatusPaid, got.Status)
	assert.Empty(t, got.CollectTxHash)

	// passes only scan unpaid orders, so the sweep is retried by hand
	f.backend.SetNative(f.funding.Address, eth(1))
	report, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, f.reload(t, order).CollectTxHash)

	result, err := f.collector.Collect(context.Background(), order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, result.TxHash, f.reload(t, order).CollectTxHash)
}
