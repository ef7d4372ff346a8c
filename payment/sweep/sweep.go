// Package sweep moves a deposit from an order address to the collection address,
// topping up the address's fee balance from the shared funding address first.
package sweep

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"paygate/payment/apperr"
	"paygate/payment/chain"
	"paygate/payment/gas"
	"paygate/payment/lock"
	"paygate/payment/metrics"
)

var (
	ErrNoFunds        = apperr.Validation("no funds to collect")
	ErrSweepInFlight  = apperr.Conflict("sweep already in progress for this order")
	ErrNoFundingSetup = apperr.InsufficientFunding("fee funding address not configured")
)

// Chain is the chain client surface used by a sweep. *chain.Client satisfies it.
type Chain interface {
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
	NewTokenTransfer(nonce uint64, to common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int) (*types.Transaction, error)
	NewNativeTransfer(nonce uint64, to common.Address, value, gasPrice *big.Int) *types.Transaction
	Sign(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error)
	Submit(ctx context.Context, signed *types.Transaction) (common.Hash, error)
	WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

type Estimator interface {
	Estimate(ctx context.Context, from common.Address, amount *big.Int) gas.Estimate
}

type Options struct {
	Collect            common.Address
	Funding            *chain.Account // nil disables fee top-ups
	ConfirmTimeout     time.Duration
	PropagationTimeout time.Duration
	PropagationPoll    time.Duration
	LockTTL            time.Duration
}

type Sweeper struct {
	chain     Chain
	estimator Estimator
	sequencer *chain.Sequencer
	locker    lock.Locker
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Request identifies the order being swept and carries the key of its address.
type Request struct {
	OrderNo string
	Key     *ecdsa.PrivateKey
}

type Result struct {
	TxHash        string
	Amount        *big.Int
	FundingTxHash string // empty when the address already held enough for fees
}

func New(c Chain, estimator Estimator, sequencer *chain.Sequencer, locker lock.Locker, opts Options, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PropagationTimeout <= 0 {
		opts.PropagationTimeout = 30 * time.Second
	}
	if opts.PropagationPoll <= 0 {
		opts.PropagationPoll = time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2*opts.ConfirmTimeout + opts.PropagationTimeout
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if sequencer == nil {
		sequencer = chain.NewSequencer(c)
	}
	return &Sweeper{
		chain:     c,
		estimator: estimator,
		sequencer: sequencer,
		locker:    locker,
		opts:      opts,
		logger:    logger.Named("sweep"),
		metrics:   m,
	}
}

func (s *Sweeper) CollectAddress() common.Address {
	return s.opts.Collect
}

// Sweep runs fee funding then the token transfer. Nothing is retried here; a failed sweep
// is safe to run again because funding is skipped once fees suffice and the transfer
// nonce is read fresh.
func (s *Sweeper) Sweep(ctx context.Context, req Request) (Result, error) {
	result, err := s.sweep(ctx, req)
	switch {
	case err == nil:
		s.metrics.Sweep("success")
	case errors.Is(err, ErrNoFunds):
		s.metrics.Sweep("no_funds")
	default:
		s.metrics.Sweep("failed")
	}
	return result, err
}

func (s *Sweeper) sweep(ctx context.Context, req Request) (Result, error) {
	if req.Key == nil {
		return Result{}, apperr.Internal("sweep requires the order key")
	}
	source := crypto.PubkeyToAddress(req.Key.PublicKey)
	logger := s.logger.With(zap.String("order_no", req.OrderNo), zap.String("address", source.Hex()))

	unlock, err := s.locker.TryLock(ctx, "sweep:"+req.OrderNo, s.opts.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return Result{}, ErrSweepInFlight
	}
	if err != nil {
		return Result{}, apperr.Internal("acquire sweep lock", apperr.WithCause(err))
	}
	defer unlock()

	balance, err := s.chain.TokenBalance(ctx, source)
	if err != nil {
		return Result{}, err
	}
	if balance.Sign() <= 0 {
		return Result{}, ErrNoFunds
	}

	est := s.estimator.Estimate(ctx, source, balance)

	fundingHash, err := s.ensureFees(ctx, logger, source, est)
	if err != nil {
		logger.Error("fee funding failed", zap.Error(err))
		return Result{}, err
	}

	nonce, err := s.chain.Nonce(ctx, source)
	if err != nil {
		return Result{}, err
	}
	tx, err := s.chain.NewTokenTransfer(nonce, s.opts.Collect, balance, est.GasLimit, est.GasPrice)
	if err != nil {
		return Result{}, err
	}
	signed, err := s.chain.Sign(tx, req.Key)
	if err != nil {
		return Result{}, err
	}
	hash, err := s.chain.Submit(ctx, signed)
	if err != nil {
		logger.Error("token transfer submit failed", zap.Error(err))
		return Result{}, err
	}
	if _, err := s.chain.WaitForConfirmation(ctx, hash, s.opts.ConfirmTimeout); err != nil {
		logger.Error("token transfer not confirmed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return Result{}, err
	}

	logger.Info("sweep confirmed",
		zap.String("tx_hash", hash.Hex()),
		zap.String("amount", balance.String()),
		zap.String("collect", s.opts.Collect.Hex()))
	return Result{TxHash: hash.Hex(), Amount: balance, FundingTxHash: fundingHash}, nil
}

// ensureFees tops up source to est.SafeCost from the funding address. It returns the
// funding transaction hash, or "" when no top-up was needed.
func (s *Sweeper) ensureFees(ctx context.Context, logger *zap.Logger, source common.Address, est gas.Estimate) (string, error) {
	native, err := s.chain.NativeBalance(ctx, source)
	if err != nil {
		return "", err
	}
	if native.Cmp(est.SafeCost) >= 0 {
		return "", nil
	}
	if s.opts.Funding == nil {
		return "", ErrNoFundingSetup
	}

	funder := s.opts.Funding.Address
	shortfall := new(big.Int).Sub(est.SafeCost, native)
	fundingFee := new(big.Int).Mul(new(big.Int).SetUint64(chain.NativeTransferGas), est.GasPrice)
	need := new(big.Int).Add(shortfall, fundingFee)

	available, err := s.chain.NativeBalance(ctx, funder)
	if err != nil {
		return "", apperr.InsufficientFunding("funding balance unavailable", apperr.WithCause(err))
	}
	if available.Cmp(need) < 0 {
		return "", apperr.InsufficientFunding("funding address balance too low",
			apperr.WithDetail("funding_address", funder.Hex()),
			apperr.WithDetail("available", available.String()),
			apperr.WithDetail("required", need.String()))
	}

	var hash common.Hash
	err = s.sequencer.Do(ctx, funder, func(nonce uint64) error {
		signed, err := s.chain.Sign(s.chain.NewNativeTransfer(nonce, source, shortfall, est.GasPrice), s.opts.Funding.PrivateKey)
		if err != nil {
			return err
		}
		hash, err = s.chain.Submit(ctx, signed)
		return err
	})
	if err != nil {
		return "", apperr.InsufficientFunding("fee funding submit failed", apperr.WithCause(err))
	}
	s.metrics.FundingTransfer()
	logger.Info("fee funding submitted",
		zap.String("tx_hash", hash.Hex()),
		zap.String("value", shortfall.String()))

	if _, err := s.chain.WaitForConfirmation(ctx, hash, s.opts.ConfirmTimeout); err != nil {
		s.sequencer.Reset(funder)
		return "", apperr.InsufficientFunding("fee funding not confirmed",
			apperr.WithCause(err), apperr.WithDetail("tx_hash", hash.Hex()))
	}
	if err := s.awaitFeeBalance(ctx, source, est.SafeCost); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

var errBalanceNotVisible = errors.New("fee balance not visible yet")

// awaitFeeBalance polls until the node reports the funded balance, since a receipt does not
// guarantee every node behind the endpoint reflects it yet.
func (s *Sweeper) awaitFeeBalance(ctx context.Context, addr common.Address, want *big.Int) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.PropagationPoll
	policy.MaxInterval = 8 * s.opts.PropagationPoll

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		native, err := s.chain.NativeBalance(ctx, addr)
		if err != nil {
			return struct{}{}, err
		}
		if native.Cmp(want) < 0 {
			return struct{}{}, errBalanceNotVisible
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(s.opts.PropagationTimeout))
	if err != nil {
		return apperr.InsufficientFunding("funded fee balance not visible",
			apperr.WithCause(err), apperr.WithDetail("address", addr.Hex()))
	}
	return nil
}
