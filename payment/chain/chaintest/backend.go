// Package chaintest provides an in-memory EVM backend for exercising chain clients
// without a node. It models native balances, one ERC-20 token, nonces and receipts.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}
	transferSelector  = []byte{0xa9, 0x05, 0x9c, 0xbb}
)

const (
	DefaultGasEstimate uint64 = 52000
	nativeGas          uint64 = 21000
)

// RPCError mimics a JSON-RPC error returned by a node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// SentTx records a transaction accepted by the backend.
type SentTx struct {
	From common.Address
	Tx   *types.Transaction
}

type Backend struct {
	// Knobs, set before the backend is shared.
	GasPriceValue   *big.Int
	GasEstimate     uint64
	FailGasPrice    error
	FailEstimate    error
	FailSend        error
	FailNonce       error
	RevertTransfers bool
	// QueueFutureNonces holds transactions with a nonce above the account's next nonce
	// until the gap is filled, the way a node's mempool does, instead of rejecting them.
	QueueFutureNonces bool

	mu          sync.Mutex
	token       common.Address
	signer      types.Signer
	native      map[common.Address]*big.Int
	tokens      map[common.Address]*big.Int
	nonces      map[common.Address]uint64
	receipts    map[common.Hash]*types.Receipt
	held        map[common.Hash]*types.Receipt
	hold        bool
	failBalance map[common.Address]error
	drops       map[common.Address]int
	queued      map[common.Address]map[uint64]*types.Transaction
	balanceHits map[common.Address]int
	sent        []SentTx
	block       int64
}

func NewBackend(chainID int64, token common.Address) *Backend {
	return &Backend{
		GasPriceValue: big.NewInt(3_000_000_000),
		GasEstimate:   DefaultGasEstimate,
		token:         token,
		signer:        types.LatestSignerForChainID(big.NewInt(chainID)),
		native:        make(map[common.Address]*big.Int),
		tokens:        make(map[common.Address]*big.Int),
		nonces:        make(map[common.Address]uint64),
		receipts:      make(map[common.Hash]*types.Receipt),
		held:          make(map[common.Hash]*types.Receipt),
		failBalance:   make(map[common.Address]error),
		drops:         make(map[common.Address]int),
		queued:        make(map[common.Address]map[uint64]*types.Transaction),
		balanceHits:   make(map[common.Address]int),
	}
}

func (b *Backend) SetNative(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.native[addr] = new(big.Int).Set(amount)
}

func (b *Backend) SetToken(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[addr] = new(big.Int).Set(amount)
}

func (b *Backend) NativeOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(balanceOf(b.native, addr))
}

func (b *Backend) TokenOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(balanceOf(b.tokens, addr))
}

// FailBalanceOf makes every balance query for addr return err. A nil err clears it.
func (b *Backend) FailBalanceOf(addr common.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failBalance, addr)
		return
	}
	b.failBalance[addr] = err
}

// TokenBalanceQueries reports how many balanceOf calls were made for addr.
func (b *Backend) TokenBalanceQueries(addr common.Address) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceHits[addr]
}

// HoldReceipts keeps receipts of new transactions hidden until ReleaseReceipts.
func (b *Backend) HoldReceipts(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = hold
}

func (b *Backend) ReleaseReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hash, r := range b.held {
		b.receipts[hash] = r
		delete(b.held, hash)
	}
}

// DropNext makes the backend accept the next n transactions from addr and then lose them:
// no receipt, no state change, the account nonce stays where it was.
func (b *Backend) DropNext(addr common.Address, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drops[addr] += n
}

// Queued reports how many transactions from addr wait behind a nonce gap.
func (b *Backend) Queued(addr common.Address) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queued[addr])
}

func (b *Backend) Sent() []SentTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SentTx(nil), b.sent...)
}

func (b *Backend) SentFrom(addr common.Address) []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.Transaction
	for _, s := range b.sent {
		if s.From == addr {
			out = append(out, s.Tx)
		}
	}
	return out
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failBalance[account]; err != nil {
		return nil, err
	}
	return new(big.Int).Set(balanceOf(b.native, account)), nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if call.To == nil || *call.To != b.token {
		return nil, &RPCError{Code: -32000, Message: "execution reverted"}
	}
	if len(call.Data) != 36 || !bytes.Equal(call.Data[:4], balanceOfSelector) {
		return nil, &RPCError{Code: -32000, Message: "execution reverted: unknown selector"}
	}
	owner := common.BytesToAddress(call.Data[4:36])
	b.balanceHits[owner]++
	if err := b.failBalance[owner]; err != nil {
		return nil, err
	}
	return common.LeftPadBytes(balanceOf(b.tokens, owner).Bytes(), 32), nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if b.FailGasPrice != nil {
		return nil, b.FailGasPrice
	}
	return new(big.Int).Set(b.GasPriceValue), nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	if b.FailNonce != nil {
		return 0, b.FailNonce
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	if b.FailEstimate != nil {
		return 0, b.FailEstimate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if call.To != nil && *call.To == b.token {
		_, amount, ok := decodeTransfer(call.Data)
		if !ok {
			return 0, &RPCError{Code: 3, Message: "execution reverted"}
		}
		if balanceOf(b.tokens, call.From).Cmp(amount) < 0 {
			return 0, &RPCError{Code: 3, Message: "execution reverted: transfer amount exceeds balance"}
		}
		return b.GasEstimate, nil
	}
	return nativeGas, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.FailSend != nil {
		return b.FailSend
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return &RPCError{Code: -32000, Message: fmt.Sprintf("invalid sender: %v", err)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	want := b.nonces[from]
	if tx.Nonce() < want || (tx.Nonce() > want && !b.QueueFutureNonces) {
		return &RPCError{Code: -32000, Message: fmt.Sprintf("invalid nonce: have %d, want %d", tx.Nonce(), want)}
	}
	if err := b.affordable(from, tx); err != nil {
		return err
	}
	if b.drops[from] > 0 {
		b.drops[from]--
		return nil
	}
	if tx.Nonce() > want {
		if b.queued[from] == nil {
			b.queued[from] = make(map[uint64]*types.Transaction)
		}
		b.queued[from][tx.Nonce()] = tx
		return nil
	}

	b.apply(from, tx)
	for {
		next, ok := b.queued[from][b.nonces[from]]
		if !ok {
			break
		}
		delete(b.queued[from], next.Nonce())
		if b.affordable(from, next) != nil {
			continue
		}
		b.apply(from, next)
	}
	return nil
}

func (b *Backend) affordable(from common.Address, tx *types.Transaction) error {
	maxFee := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	upfront := new(big.Int).Add(maxFee, tx.Value())
	if balanceOf(b.native, from).Cmp(upfront) < 0 {
		return &RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"}
	}
	return nil
}

// apply mines tx in its own block.
func (b *Backend) apply(from common.Address, tx *types.Transaction) {
	b.nonces[from]++
	b.block++
	b.sent = append(b.sent, SentTx{From: from, Tx: tx})

	status, gasUsed := b.execute(from, tx)
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), tx.GasPrice())
	b.native[from] = new(big.Int).Sub(balanceOf(b.native, from), fee)

	receipt := &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     gasUsed,
		BlockNumber: big.NewInt(b.block),
	}
	if b.hold {
		b.held[tx.Hash()] = receipt
	} else {
		b.receipts[tx.Hash()] = receipt
	}
}

// execute applies tx state changes except the fee and returns the receipt status and gas used.
func (b *Backend) execute(from common.Address, tx *types.Transaction) (uint64, uint64) {
	to := tx.To()
	if to != nil && *to == b.token {
		recipient, amount, ok := decodeTransfer(tx.Data())
		if !ok || b.RevertTransfers || tx.Gas() < b.GasEstimate || balanceOf(b.tokens, from).Cmp(amount) < 0 {
			return types.ReceiptStatusFailed, tx.Gas()
		}
		b.tokens[from] = new(big.Int).Sub(balanceOf(b.tokens, from), amount)
		b.tokens[recipient] = new(big.Int).Add(balanceOf(b.tokens, recipient), amount)
		return types.ReceiptStatusSuccessful, b.GasEstimate
	}
	if to == nil || tx.Gas() < nativeGas {
		return types.ReceiptStatusFailed, tx.Gas()
	}
	b.native[from] = new(big.Int).Sub(balanceOf(b.native, from), tx.Value())
	b.native[*to] = new(big.Int).Add(balanceOf(b.native, *to), tx.Value())
	return types.ReceiptStatusSuccessful, nativeGas
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *r
	return &cp, nil
}

func balanceOf(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if v, ok := m[addr]; ok {
		return v
	}
	return new(big.Int)
}

func decodeTransfer(data []byte) (common.Address, *big.Int, bool) {
	if len(data) != 68 || !bytes.Equal(data[:4], transferSelector) {
		return common.Address{}, nil, false
	}
	return common.BytesToAddress(data[4:36]), new(big.Int).SetBytes(data[36:68]), true
}

// ErrUnavailable is a convenient transport failure for tests.
var ErrUnavailable = errors.New("connection refused")
