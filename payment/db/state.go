package db

import (
	"time"

	"github.com/shopspring/decimal"

	"paygate/payment/apperr"
)

var (
	ErrNotFound       = apperr.NotFound("order not found")
	ErrAlreadySettled = apperr.Conflict("order already settled")
	ErrDuplicateOrder = apperr.Conflict("order or address already exists")
)

// State is the lifecycle view of an order: exactly one of Unpaid, Paid or Expired.
// Payment fields are only reachable through Paid.
type State interface {
	Status() Status
	isState()
}

type Unpaid struct {
	ExpireTime time.Time
}

type Paid struct {
	Amount decimal.Decimal
	Time   time.Time
	TxHash string
}

type Expired struct {
	ExpireTime time.Time
}

func (Unpaid) Status() Status  { return StatusUnpaid }
func (Paid) Status() Status    { return StatusPaid }
func (Expired) Status() Status { return StatusExpired }

func (Unpaid) isState()  {}
func (Paid) isState()    {}
func (Expired) isState() {}

func (o *Order) State() State {
	switch o.Status {
	case StatusPaid:
		p := Paid{Amount: o.PaidAmount.Decimal, TxHash: o.TxHash}
		if o.PaidTime != nil {
			p.Time = *o.PaidTime
		}
		return p
	case StatusExpired:
		return Expired{ExpireTime: o.ExpireTime}
	default:
		return Unpaid{ExpireTime: o.ExpireTime}
	}
}

// Overdue reports whether the order's expiry lies strictly before now.
func (o *Order) Overdue(now time.Time) bool {
	return o.ExpireTime.Before(now)
}

// MarkPaid moves an unpaid order to Paid with the observed balance.
func (o *Order) MarkPaid(amount decimal.Decimal, at time.Time) error {
	if o.Status != StatusUnpaid {
		return ErrAlreadySettled
	}
	o.Status = StatusPaid
	o.PaidAmount = decimal.NullDecimal{Decimal: amount, Valid: true}
	paidAt := at
	o.PaidTime = &paidAt
	o.UpdateTime = at
	return nil
}

// MarkExpired moves an unpaid order to Expired.
func (o *Order) MarkExpired(at time.Time) error {
	if o.Status != StatusUnpaid {
		return ErrAlreadySettled
	}
	o.Status = StatusExpired
	o.UpdateTime = at
	return nil
}

// RecordCollect stores the hash of a confirmed sweep and returns the hash it replaces, if
// any. A later deposit to the same address can be swept again; only the latest sweep is kept
// on the row. It does not touch Status.
func (o *Order) RecordCollect(txHash string, at time.Time) (previous string) {
	previous = o.CollectTxHash
	o.CollectTxHash = txHash
	o.UpdateTime = at
	return previous
}
