// Package gasbank is the token ledger that funds randomness requests.
//
// Fee Flow:
// 1. A funder credits the consumer account (Fund or Transfer from a funded account)
// 2. The wrapper checks the consumer balance against the request price
// 3. The price moves from the consumer to the wrapper account in one transfer
package gasbank

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

// Store persists balances and ledger entries. Transfer must be atomic.
type Store interface {
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
	Credit(ctx context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (Balances, error)
	AppendEntry(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, account common.Address, limit int) ([]Entry, error)
}

// Manager handles all balance operations.
type Manager struct {
	store Store
	log   *logger.Logger
}

// NewManager creates a new balance manager.
func NewManager(store Store, log *logger.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logger.NewDefault("gasbank")
	}
	return &Manager{store: store, log: log}
}

// BalanceOf returns the account's token balance.
func (m *Manager) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return m.store.Balance(ctx, account)
}

// Fund credits an account from outside the ledger.
func (m *Manager) Fund(ctx context.Context, account common.Address, amount *uint256.Int, reference string) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("fund amount must be positive")
	}
	balance, err := m.store.Credit(ctx, account, amount)
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", account.Hex(), err)
	}
	m.record(ctx, Entry{
		Account:      account,
		Type:         TxTypeDeposit,
		Amount:       amount.Dec(),
		BalanceAfter: balance.Dec(),
		Reference:    reference,
	})
	m.log.WithField("account", account.Hex()).WithField("amount", amount.Dec()).Info("account funded")
	return balance, nil
}

// Transfer moves amount from one account to another.
func (m *Manager) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, reference string) error {
	if amount == nil {
		amount = new(uint256.Int)
	}
	if from == to {
		balance, err := m.store.Balance(ctx, from)
		if err != nil {
			return err
		}
		if balance.Lt(amount) {
			return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, balance.Dec(), amount.Dec())
		}
		return nil
	}

	balances, err := m.store.Transfer(ctx, from, to, amount)
	if err != nil {
		return err
	}

	m.record(ctx, Entry{
		Account:      from,
		Counterparty: to,
		Type:         TxTypeTransferOut,
		Amount:       amount.Dec(),
		BalanceAfter: balances.From.Dec(),
		Reference:    reference,
	})
	m.record(ctx, Entry{
		Account:      to,
		Counterparty: from,
		Type:         TxTypeTransferIn,
		Amount:       amount.Dec(),
		BalanceAfter: balances.To.Dec(),
		Reference:    reference,
	})
	return nil
}

// Transactions returns recent ledger entries for an account, newest first.
func (m *Manager) Transactions(ctx context.Context, account common.Address, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxEntriesPerAccount {
		limit = maxEntriesPerAccount
	}
	return m.store.Entries(ctx, account, limit)
}

// record appends an audit entry. Failures are logged; balances are already settled.
func (m *Manager) record(ctx context.Context, entry Entry) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	if err := m.store.AppendEntry(ctx, entry); err != nil {
		m.log.WithError(err).WithField("account", entry.Account.Hex()).Warn("append ledger entry failed")
	}
}
