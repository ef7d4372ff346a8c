package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paygate/payment/apperr"
)

// NativeTransferGas is the fixed gas cost of a plain value transfer.
const NativeTransferGas uint64 = 21000

type Options struct {
	ChainID       int64
	Token         common.Address
	TokenDecimals int32
	CallTimeout   time.Duration // per RPC call, 0 means none
	RateLimit     float64       // calls per second, 0 disables throttling
	RateBurst     int
	ReceiptPoll   time.Duration // first receipt poll delay, grows exponentially
}

// Client wraps an EVM JSON-RPC endpoint. Every failure is returned as an *apperr.Error;
// nothing is silently reported as a zero balance.
type Client struct {
	backend     Backend
	chainID     *big.Int
	signer      types.Signer
	token       common.Address
	decimals    int32
	callTimeout time.Duration
	receiptPoll time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// Dial connects to endpoint and wraps it.
func Dial(ctx context.Context, endpoint string, opts Options, logger *zap.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, apperr.ChainUnreachable("dial rpc endpoint", apperr.WithCause(err))
	}
	return NewClient(ec, opts, logger), nil
}

func NewClient(backend Backend, opts Options, logger *zap.Logger) *Client {
	chainID := big.NewInt(opts.ChainID)
	c := &Client{
		backend:     backend,
		chainID:     chainID,
		signer:      types.LatestSignerForChainID(chainID),
		token:       opts.Token,
		decimals:    opts.TokenDecimals,
		callTimeout: opts.CallTimeout,
		receiptPoll: opts.ReceiptPoll,
		logger:      logger.Named("chain"),
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = time.Second
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) Token() common.Address {
	return c.token
}

func (c *Client) TokenDecimals() int32 {
	return c.decimals
}

// prepare throttles and bounds a single RPC call.
func (c *Client) prepare(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, apperr.ChainUnreachable("rpc throttled", apperr.WithCause(err))
		}
	}
	if c.callTimeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		return callCtx, cancel, nil
	}
	return ctx, func() {}, nil
}

// TokenBalance returns the token balance of addr in the token's smallest unit.
func (c *Client) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := packBalanceOf(addr)
	if err != nil {
		return nil, apperr.Internal("pack balanceOf", apperr.WithCause(err))
	}
	callCtx, cancel, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	out, err := c.backend.CallContract(callCtx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, apperr.ChainUnreachable("token balance query failed",
			apperr.WithCause(err), apperr.WithDetail("address", addr.Hex()))
	}
	balance, err := unpackBalanceOf(out)
	if err != nil {
		return nil, apperr.ChainUnreachable("decode token balance",
			apperr.WithCause(err), apperr.WithDetail("address", addr.Hex()))
	}
	c.logger.Debug("token balance", zap.String("address", addr.Hex()), zap.String("balance", balance.String()))
	return balance, nil
}

// NativeBalance returns the fee-currency balance of addr in wei.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	callCtx, cancel, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	balance, err := c.backend.BalanceAt(callCtx, addr, nil)
	if err != nil {
		return nil, apperr.ChainUnreachable("native balance query failed",
			apperr.WithCause(err), apperr.WithDetail("address", addr.Hex()))
	}
	return balance, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	price, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, apperr.ChainUnreachable("gas price query failed", apperr.WithCause(err))
	}
	return price, nil
}

// Nonce returns the next sequence number for addr, counting pending transactions.
func (c *Client) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	callCtx, cancel, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	nonce, err := c.backend.PendingNonceAt(callCtx, addr)
	if err != nil {
		return 0, apperr.ChainUnreachable("nonce query failed",
			apperr.WithCause(err), apperr.WithDetail("address", addr.Hex()))
	}
	return nonce, nil
}

// EstimateTransferGas simulates a token transfer from -> to and returns the gas units used.
// The simulation reverts when from does not hold amount.
func (c *Client) EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int) (uint64, error) {
	data, err := PackTransfer(to, amount)
	if err != nil {
		return 0, apperr.Internal("pack transfer", apperr.WithCause(err))
	}
	callCtx, cancel, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	gas, err := c.backend.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &c.token, Data: data})
	if err != nil {
		return 0, classifyRPCError("transfer gas estimation failed", err)
	}
	return gas, nil
}

// NewTokenTransfer builds an unsigned ERC-20 transfer.
func (c *Client) NewTokenTransfer(nonce uint64, to common.Address, amount *big.Int, gasLimit uint64, gasPrice *big.Int) (*types.Transaction, error) {
	data, err := PackTransfer(to, amount)
	if err != nil {
		return nil, apperr.Internal("pack transfer", apperr.WithCause(err))
	}
	token := c.token
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

// NewNativeTransfer builds an unsigned plain value transfer.
func (c *Client) NewNativeTransfer(nonce uint64, to common.Address, value, gasPrice *big.Int) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      NativeTransferGas,
		GasPrice: gasPrice,
	})
}

func (c *Client) Sign(tx *types.Transaction, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return nil, apperr.Internal("sign transaction", apperr.WithCause(err))
	}
	return signed, nil
}

// Submit broadcasts a signed transaction and returns its hash.
func (c *Client) Submit(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	callCtx, cancel, err := c.prepare(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	defer cancel()

	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		return common.Hash{}, classifyRPCError("submit transaction", err)
	}
	c.logger.Info("transaction submitted",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", signed.Nonce()))
	return signed.Hash(), nil
}

var errReceiptPending = errors.New("receipt not available yet")

// WaitForConfirmation polls for the receipt of hash with exponential backoff until it
// appears or timeout elapses. A reverted receipt is a transaction_rejected error and an
// elapsed timeout a confirmation_timeout error.
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.receiptPoll
	policy.MaxInterval = 10 * c.receiptPoll
	policy.RandomizationFactor = 0.2

	receipt, err := backoff.Retry(waitCtx, func() (*types.Receipt, error) {
		callCtx, release, err := c.prepare(waitCtx)
		if err != nil {
			return nil, err
		}
		defer release()

		r, err := c.backend.TransactionReceipt(callCtx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, errReceiptPending
		}
		if err != nil {
			c.logger.Warn("receipt query failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			return nil, err
		}
		return r, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(timeout))

	if err != nil {
		if waitCtx.Err() != nil || errors.Is(err, errReceiptPending) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.ConfirmationTimeout("transaction not confirmed in time",
				apperr.WithCause(err), apperr.WithDetail("tx_hash", hash.Hex()))
		}
		return nil, apperr.ChainUnreachable("receipt query failed",
			apperr.WithCause(err), apperr.WithDetail("tx_hash", hash.Hex()))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, apperr.TransactionRejected("transaction reverted on chain",
			apperr.WithDetail("tx_hash", hash.Hex()))
	}
	return receipt, nil
}

// classifyRPCError separates node-side rejections (JSON-RPC errors) from transport failures.
func classifyRPCError(message string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return apperr.TransactionRejected(message, apperr.WithCause(err))
	}
	return apperr.ChainUnreachable(message, apperr.WithCause(err))
}
