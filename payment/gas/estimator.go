// Package gas budgets the native-currency fee a token transfer will need.
package gas

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	// DefaultTransferGas is used when the transfer cannot be simulated,
	// e.g. the source holds no tokens and the call would revert.
	DefaultTransferGas uint64 = 65000
)

// DefaultGasPrice is used when the node cannot report a price (5 gwei).
var DefaultGasPrice = big.NewInt(5_000_000_000)

// Quoter is the part of the chain client the estimator needs.
type Quoter interface {
	EstimateTransferGas(ctx context.Context, from, to common.Address, amount *big.Int) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Estimate is the fee budget for one token transfer. Costs are in wei.
type Estimate struct {
	GasUnits  uint64 // unbuffered
	GasLimit  uint64
	GasPrice  *big.Int
	TotalCost *big.Int
	SafeCost  *big.Int
	Fallback  bool
}

type Estimator struct {
	quoter Quoter
	to     common.Address
	logger *zap.Logger
}

// NewEstimator budgets transfers sent to the collection address to.
func NewEstimator(quoter Quoter, to common.Address, logger *zap.Logger) *Estimator {
	return &Estimator{quoter: quoter, to: to, logger: logger.Named("gas")}
}

// Estimate never fails: each query falls back to its default and the result is flagged.
// gas_limit = units * 1.2, total = gas_limit * price, safe = total * 1.2.
func (e *Estimator) Estimate(ctx context.Context, from common.Address, amount *big.Int) Estimate {
	est := Estimate{}

	units, err := e.quoter.EstimateTransferGas(ctx, from, e.to, amount)
	if err != nil || units == 0 {
		e.logger.Warn("transfer gas estimation failed, using default",
			zap.String("from", from.Hex()), zap.Uint64("default", DefaultTransferGas), zap.Error(err))
		units = DefaultTransferGas
		est.Fallback = true
	}
	est.GasUnits = units
	est.GasLimit = buffer(units)

	price, err := e.quoter.GasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		e.logger.Warn("gas price query failed, using default",
			zap.String("default", DefaultGasPrice.String()), zap.Error(err))
		price = new(big.Int).Set(DefaultGasPrice)
		est.Fallback = true
	}
	est.GasPrice = price

	est.TotalCost = new(big.Int).Mul(new(big.Int).SetUint64(est.GasLimit), price)
	est.SafeCost = bufferBig(est.TotalCost)

	e.logger.Debug("gas estimate",
		zap.String("from", from.Hex()),
		zap.Uint64("gas_units", est.GasUnits),
		zap.Uint64("gas_limit", est.GasLimit),
		zap.String("gas_price", est.GasPrice.String()),
		zap.String("safe_cost", est.SafeCost.String()))
	return est
}

// buffer adds 20%, rounding up so the limit is never below units * 1.2.
func buffer(units uint64) uint64 {
	return (units*12 + 9) / 10
}

func bufferBig(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(12))
	out.Add(out, big.NewInt(9))
	return out.Quo(out, big.NewInt(10))
}
