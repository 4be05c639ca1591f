// Package vrf holds the randomness request model shared by the wrapper and its stores.
package vrf

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestStatus is derived from the fulfilled flag.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusFulfilled RequestStatus = "fulfilled"
)

// Request is a direct-funding randomness request. Records are append-only:
// Paid and NumWords are fixed at submission and fulfilment happens once.
type Request struct {
	ID                   uint64
	Consumer             common.Address
	CallbackGasLimit     uint32
	RequestConfirmations uint16
	NumWords             uint32
	GasPriceWei          *uint256.Int
	Paid                 *uint256.Int
	Fulfilled            bool
	RandomWords          []*uint256.Int
	CreatedAt            time.Time
	FulfilledAt          time.Time
}

// Status reports the lifecycle state.
func (r Request) Status() RequestStatus {
	if r.Fulfilled {
		return RequestStatusFulfilled
	}
	return RequestStatusPending
}

// Clone returns a deep copy so callers cannot alias stored amounts.
func (r Request) Clone() Request {
	out := r
	if r.GasPriceWei != nil {
		out.GasPriceWei = r.GasPriceWei.Clone()
	}
	if r.Paid != nil {
		out.Paid = r.Paid.Clone()
	}
	if r.RandomWords != nil {
		out.RandomWords = make([]*uint256.Int, len(r.RandomWords))
		for i, w := range r.RandomWords {
			out.RandomWords[i] = w.Clone()
		}
	}
	return out
}

// View is the JSON shape of a request. Amounts are decimal strings.
type View struct {
	ID                   uint64        `json:"id"`
	Consumer             string        `json:"consumer"`
	CallbackGasLimit     uint32        `json:"callback_gas_limit"`
	RequestConfirmations uint16        `json:"request_confirmations"`
	NumWords             uint32        `json:"num_words"`
	GasPriceWei          string        `json:"gas_price_wei,omitempty"`
	Paid                 string        `json:"paid"`
	Fulfilled            bool          `json:"fulfilled"`
	Status               RequestStatus `json:"status"`
	RandomWords          []string      `json:"random_words,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	FulfilledAt          *time.Time    `json:"fulfilled_at,omitempty"`
}

// ToView renders the request for transport.
func (r Request) ToView() View {
	v := View{
		ID:                   r.ID,
		Consumer:             r.Consumer.Hex(),
		CallbackGasLimit:     r.CallbackGasLimit,
		RequestConfirmations: r.RequestConfirmations,
		NumWords:             r.NumWords,
		Paid:                 Dec(r.Paid),
		Fulfilled:            r.Fulfilled,
		Status:               r.Status(),
		CreatedAt:            r.CreatedAt,
	}
	if r.GasPriceWei != nil {
		v.GasPriceWei = r.GasPriceWei.Dec()
	}
	if len(r.RandomWords) > 0 {
		v.RandomWords = DecAll(r.RandomWords)
	}
	if !r.FulfilledAt.IsZero() {
		at := r.FulfilledAt
		v.FulfilledAt = &at
	}
	return v
}

// Dec formats an amount, treating nil as zero.
func Dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// DecAll formats a slice of words.
func DecAll(words []*uint256.Int) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = Dec(w)
	}
	return out
}

// ParseWords parses decimal or 0x-prefixed hex words.
func ParseWords(raw []string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(raw))
	for i, s := range raw {
		w, err := ParseAmount(s)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// ParseAmount parses a decimal or 0x-prefixed hex 256-bit value.
func ParseAmount(s string) (*uint256.Int, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
