package order

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paygate/payment/chain"
	"paygate/payment/chain/chaintest"
	"paygate/payment/db"
	"paygate/payment/gas"
	"paygate/payment/lock"
	"paygate/payment/secret"
	"paygate/payment/sweep"
)

var (
	testToken   = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	collectAddr = common.HexToAddress("0x000000000000000000000000000000000000c011")
)

const testTTL = 2 * time.Hour

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *db.MemoryStore
	backend   *chaintest.Backend
	client    *chain.Client
	box       *secret.Box
	funding   *chain.Account
	service   *Service
	collector *Collector
	engine    *Engine
	clock     *clock
}

type fixtureOptions struct {
	collect  bool
	notifier *Notifier
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	backend := chaintest.NewBackend(97, testToken)
	client := chain.NewClient(backend, chain.Options{
		ChainID:       97,
		Token:         testToken,
		TokenDecimals: 18,
		ReceiptPoll:   2 * time.Millisecond,
	}, logger)

	box, err := secret.NewBox("test-secret")
	require.NoError(t, err)

	funding, err := chain.NewAccount()
	require.NoError(t, err)
	backend.SetNative(funding.Address, eth(1))

	store := db.NewMemoryStore()
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	var sweeper Sweeper
	if opts.collect {
		sweeper = sweep.New(client, gas.NewEstimator(client, collectAddr, logger), nil, lock.NewLocalLocker(),
			sweep.Options{
				Collect:            collectAddr,
				Funding:            funding,
				ConfirmTimeout:     300 * time.Millisecond,
				PropagationTimeout: 200 * time.Millisecond,
				PropagationPoll:    2 * time.Millisecond,
			}, logger, nil)
	}

	service := NewService(store, box, nil, nil, ServiceOptions{TTL: testTTL, Token: testToken, ChainID: 97}, logger)
	service.now = clk.Now
	collector := NewCollector(store, box, sweeper, 18, logger)
	collector.now = clk.Now
	engine := NewEngine(store, client, collector, opts.notifier, EngineOptions{
		Lookback:      2 * testTTL,
		Concurrency:   4,
		TokenDecimals: 18,
	}, logger, nil)
	engine.now = clk.Now

	return &fixture{
		store:     store,
		backend:   backend,
		client:    client,
		box:       box,
		funding:   funding,
		service:   service,
		collector: collector,
		engine:    engine,
		clock:     clk,
	}
}

func (f *fixture) createOrder(t *testing.T, amount string) *db.Order {
	t.Helper()
	order, err := f.service.Create(context.Background(), CreateRequest{Amount: decimal.RequireFromString(amount)})
	require.NoError(t, err)
	return order
}

// deposit credits the order address with amount tokens (18 decimals).
func (f *fixture) deposit(order *db.Order, amount string) {
	f.backend.SetToken(common.HexToAddress(order.Address), chain.FromDecimal(decimal.RequireFromString(amount), 18))
}

func (f *fixture) reload(t *testing.T, order *db.Order) *db.Order {
	t.Helper()
	got, err := f.store.Get(context.Background(), order.OrderNo)
	require.NoError(t, err)
	return got
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func chainToString(raw *big.Int) string {
	return chain.ToDecimal(raw, 18).String()
}

func big0() *big.Int {
	return new(big.Int)
}
