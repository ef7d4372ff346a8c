package db

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

// createKey orders the index by creation time, then order number.
type createKey struct {
	at      time.Time
	orderNo string
}

func lessCreateKey(a, b createKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.orderNo < b.orderNo
}

// MemoryStore keeps the ledger in process. Used by DB_DRIVER=memory and by tests.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    uint
	orders    map[string]*Order // order_no -> order
	addresses map[string]string // lower-case address -> order_no
	byCreate  *btree.BTreeG[createKey]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		addresses: make(map[string]string),
		byCreate:  btree.NewG(2, lessCreateKey),
	}
}

func (s *MemoryStore) Create(_ context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := strings.ToLower(order.Address)
	if _, ok := s.orders[order.OrderNo]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := s.addresses[addr]; ok {
		return ErrDuplicateOrder
	}

	s.nextID++
	order.ID = s.nextID
	if order.Status == "" {
		order.Status = StatusUnpaid
	}
	s.orders[order.OrderNo] = order.clone()
	s.addresses[addr] = order.OrderNo
	s.byCreate.ReplaceOrInsert(createKey{at: order.CreateTime, orderNo: order.OrderNo})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orderNo string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderNo]
	if !ok {
		return nil, ErrNotFound
	}
	return order.clone(), nil
}

func (s *MemoryStore) ListUnpaidSince(_ context.Context, cutoff time.Time) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Order
	s.byCreate.AscendGreaterOrEqual(createKey{at: cutoff}, func(k createKey) bool {
		if order := s.orders[k.orderNo]; order.Status == StatusUnpaid {
			result = append(result, order.clone())
		}
		return true
	})
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, orderNo string, fn func(*Order) error) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[orderNo]
	if !ok {
		return nil, ErrNotFound
	}
	working := current.clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	// immutable columns
	working.ID = current.ID
	working.OrderNo = current.OrderNo
	working.Address = current.Address
	working.CreateTime = current.CreateTime

	s.orders[orderNo] = working
	return working.clone(), nil
}
