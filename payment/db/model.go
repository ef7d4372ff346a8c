package db

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
)

// Order is the ledger record for one payment. Rows are never deleted.
type Order struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	OrderNo       string              `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	Amount        decimal.Decimal     `gorm:"type:decimal(36,18);not null" json:"amount"` // USDT
	Status        Status              `gorm:"type:varchar(16);not null;default:unpaid;index:idx_status_create" json:"status"`
	Address       string              `gorm:"type:varchar(42);uniqueIndex;not null" json:"address"` // deposit address, one per order
	PrivateKey    string              `gorm:"type:varchar(255);not null" json:"-"`                   // sealed, see payment/secret
	QRCode        string              `gorm:"type:text" json:"qr_code,omitempty"`                    // base64 png
	Callback      string              `gorm:"type:varchar(512)" json:"-"`
	TxHash        string              `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
	PaidAmount    decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"paid_amount"`
	PaidTime      *time.Time          `json:"paid_time"`
	CollectTxHash string              `gorm:"type:varchar(66)" json:"collect_tx_hash,omitempty"`
	CreateTime    time.Time           `gorm:"not null;index:idx_status_create" json:"create_time"`
	UpdateTime    time.Time           `json:"update_time"`
	ExpireTime    time.Time           `gorm:"not null" json:"expire_time"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) clone() *Order {
	c := *o
	if o.PaidTime != nil {
		t := *o.PaidTime
		c.PaidTime = &t
	}
	return &c
}
