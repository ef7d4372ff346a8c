package order

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/payment/apperr"
	"paygate/payment/chain"
	"paygate/payment/db"
	"paygate/payment/qrcode"
	"paygate/payment/secret"
)

// Currency all orders are settled in.
const SettlementCurrency = "USDT"

// Provisioner creates the deposit account for a new order.
type Provisioner func() (*chain.Account, error)

type ServiceOptions struct {
	TTL     time.Duration
	Token   common.Address
	ChainID int64
}

// Service creates orders and answers status queries.
type Service struct {
	store     db.Store
	box       *secret.Box
	provision Provisioner
	converter *Converter
	opts      ServiceOptions
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store db.Store, box *secret.Box, provision Provisioner, converter *Converter, opts ServiceOptions, logger *zap.Logger) *Service {
	if provision == nil {
		provision = chain.NewAccount
	}
	return &Service{
		store:     store,
		box:       box,
		provision: provision,
		converter: converter,
		opts:      opts,
		logger:    logger.Named("order"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Callback string          `json:"callback"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.Order, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive", apperr.WithDetail("amount", req.Amount.String()))
	}
	if req.Callback != "" {
		u, err := url.Parse(req.Callback)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperr.Validation("callback must be an absolute http(s) url")
		}
	}

	amount := req.Amount
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency != "" && currency != SettlementCurrency {
		if s.converter == nil {
			return nil, apperr.Validation("currency conversion is not available", apperr.WithDetail("currency", currency))
		}
		converted, err := s.converter.Convert(ctx, amount, currency, SettlementCurrency)
		if err != nil {
			return nil, apperr.Validation("unsupported currency", apperr.WithCause(err), apperr.WithDetail("currency", currency))
		}
		amount = converted
		if !amount.IsPositive() {
			return nil, apperr.Validation("converted amount is too small")
		}
	}

	account, err := s.provision()
	if err != nil {
		return nil, apperr.Internal("failed to create payment address", apperr.WithCause(err))
	}
	sealed, err := s.box.Seal(account.PrivateKeyHex())
	if err != nil {
		return nil, apperr.Internal("failed to protect payment key", apperr.WithCause(err))
	}
	qr, err := qrcode.GenerateBase64(account.Address.Hex())
	if err != nil {
		// the address is still usable without an image
		s.logger.Warn("failed to render qr code", zap.Error(err))
	}

	now := s.now()
	order := &db.Order{
		OrderNo:    uuid.NewString(),
		Amount:     amount,
		Status:     db.StatusUnpaid,
		Address:    account.Address.Hex(),
		PrivateKey: sealed,
		QRCode:     qr,
		Callback:   req.Callback,
		CreateTime: now,
		UpdateTime: now,
		ExpireTime: now.Add(s.opts.TTL),
	}
	if err := s.store.Create(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_no", order.OrderNo),
		zap.String("amount", amount.String()),
		zap.String("address", order.Address))
	return order, nil
}

func (s *Service) Get(ctx context.Context, orderNo string) (*db.Order, error) {
	return s.store.Get(ctx, orderNo)
}

// Check reports the order, expiring it first if it is unpaid and past its expiry.
func (s *Service) Check(ctx context.Context, orderNo string) (*db.Order, error) {
	order, err := s.store.Get(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if order.Status != db.StatusUnpaid || !order.Overdue(now) {
		return order, nil
	}

	updated, err := s.store.Update(ctx, orderNo, func(o *db.Order) error {
		return o.MarkExpired(now)
	})
	if errors.Is(err, db.ErrAlreadySettled) {
		// settled concurrently, report what won
		return s.store.Get(ctx, orderNo)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("order expired", zap.String("order_no", orderNo))
	return updated, nil
}

// PaymentURI is the wallet link for paying order.
func (s *Service) PaymentURI(order *db.Order) string {
	return qrcode.PaymentURI(s.opts.Token.Hex(), order.Address, s.opts.ChainID)
}

// openKey recovers the private key controlling the order's deposit address.
func openKey(box *secret.Box, order *db.Order) (*ecdsa.PrivateKey, error) {
	plain, err := box.Open(order.PrivateKey)
	if err != nil {
		return nil, apperr.Internal("failed to open order key", apperr.WithCause(err))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(plain, "0x"))
	if err != nil {
		return nil, apperr.Internal("stored order key is invalid", apperr.WithCause(err))
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(key.PublicKey).Hex(), order.Address) {
		return nil, apperr.Internal("stored order key does not control the order address")
	}
	return key, nil
}
