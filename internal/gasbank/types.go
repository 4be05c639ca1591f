package gasbank

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// Entry types
	TxTypeDeposit     = "deposit"
	TxTypeTransferOut = "transfer_out"
	TxTypeTransferIn  = "transfer_in"

	maxEntriesPerAccount = 1000
)

// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Entry is one line of an account's ledger history.
type Entry struct {
	ID           string         `json:"id"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty,omitempty"`
	Type         string         `json:"type"`
	Amount       string         `json:"amount"`
	BalanceAfter string         `json:"balance_after"`
	Reference    string         `json:"reference,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Balances reports the balances of both sides after a transfer.
type Balances struct {
	From *uint256.Int
	To   *uint256.Int
}
