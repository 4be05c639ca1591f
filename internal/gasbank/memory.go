package gasbank

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryStore keeps balances in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	entries  map[common.Address][]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*uint256.Int),
		entries:  make(map[common.Address][]Entry),
	}
}

func (s *MemoryStore) Balance(_ context.Context, account common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(account).Clone(), nil
}

func (s *MemoryStore) Credit(_ context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, overflow := new(uint256.Int).AddOverflow(s.balanceLocked(account), amount)
	if overflow {
		return nil, fmt.Errorf("balance overflow for %s", account.Hex())
	}
	s.balances[account] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) (Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromBal := s.balanceLocked(from)
	if fromBal.Lt(amount) {
		return Balances{}, fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, fromBal.Dec(), amount.Dec())
	}
	toBal, overflow := new(uint256.Int).AddOverflow(s.balanceLocked(to), amount)
	if overflow {
		return Balances{}, fmt.Errorf("balance overflow for %s", to.Hex())
	}
	newFrom := new(uint256.Int).Sub(fromBal, amount)
	s.balances[from] = newFrom
	s.balances[to] = toBal
	return Balances{From: newFrom.Clone(), To: toBal.Clone()}, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.entries[entry.Account], entry)
	if len(list) > maxEntriesPerAccount {
		list = list[len(list)-maxEntriesPerAccount:]
	}
	s.entries[entry.Account] = list
	return nil
}

func (s *MemoryStore) Entries(_ context.Context, account common.Address, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[account]
	out := make([]Entry, 0, len(list))
	for i := len(list) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *MemoryStore) balanceLocked(account common.Address) *uint256.Int {
	if bal, ok := s.balances[account]; ok {
		return bal
	}
	return new(uint256.Int)
}
