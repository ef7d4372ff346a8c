package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reports the next usable nonce for an address. *Client satisfies it.
type NonceSource interface {
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
}

// Sequencer serializes transaction submission per sending address so two concurrent
// senders never pick the same nonce.
type Sequencer struct {
	source NonceSource

	mu    sync.Mutex
	slots map[common.Address]*slot
}

type slot struct {
	sem chan struct{}

	// guarded by Sequencer.mu
	next uint64
	warm bool
}

func NewSequencer(source NonceSource) *Sequencer {
	return &Sequencer{source: source, slots: make(map[common.Address]*slot)}
}

func (s *Sequencer) slotFor(addr common.Address) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[addr]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[addr] = sl
	}
	return sl
}

// Do runs fn with the next nonce for addr while holding the address slot. fn is expected
// to sign and submit exactly one transaction with that nonce; on success the nonce is
// consumed, on failure the cached value is dropped and re-read from the chain next time.
func (s *Sequencer) Do(ctx context.Context, addr common.Address, fn func(nonce uint64) error) error {
	sl := s.slotFor(addr)

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sl.sem }()

	nonce, err := s.source.Nonce(ctx, addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	// the node may not have seen our last submission yet
	if sl.warm && sl.next > nonce {
		nonce = sl.next
	}
	s.mu.Unlock()

	err = fn(nonce)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		sl.warm = false
		return err
	}
	sl.next = nonce + 1
	sl.warm = true
	return nil
}

// Reset drops the cached nonce for addr. Call it when a transaction submitted through Do
// never confirms: the node may have discarded it, and a cached nonce past the gap would
// queue every later transaction behind it.
func (s *Sequencer) Reset(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[addr]; ok {
		sl.warm = false
	}
}
