// Package oracle supplies the gas price and token exchange rate used to price
// randomness requests.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// ErrZeroRate is returned when a source reports a zero wei-per-token rate.
var ErrZeroRate = errors.New("oracle: wei per unit token is zero")

// Oracle is the price source consulted by the wrapper.
type Oracle interface {
	GasPrice(ctx context.Context) (*uint256.Int, error)
	WeiPerUnitLink(ctx context.Context) (*uint256.Int, error)
}

// Static returns fixed values.
type Static struct {
	Gas  *uint256.Int
	Rate *uint256.Int
}

var _ Oracle = Static{}

// NewStatic builds a Static oracle from a gas price and rate.
func NewStatic(gasPrice, weiPerUnitLink *uint256.Int) Static {
	return Static{Gas: gasPrice, Rate: weiPerUnitLink}
}

func (s Static) GasPrice(context.Context) (*uint256.Int, error) {
	if s.Gas == nil {
		return new(uint256.Int), nil
	}
	return s.Gas.Clone(), nil
}

func (s Static) WeiPerUnitLink(context.Context) (*uint256.Int, error) {
	if s.Rate == nil {
		return new(uint256.Int), nil
	}
	return s.Rate.Clone(), nil
}

// Quote is one observation of both values.
type Quote struct {
	GasPrice       *uint256.Int
	WeiPerUnitLink *uint256.Int
	Source         string
	ObservedAt     time.Time
}

// Feed caches the latest quote. It starts from an initial quote and is
// updated by a Refresher or by Update.
type Feed struct {
	mu    sync.RWMutex
	quote Quote
}

var _ Oracle = (*Feed)(nil)

// NewFeed creates a feed seeded with the given values.
func NewFeed(gasPrice, weiPerUnitLink *uint256.Int) *Feed {
	return &Feed{quote: Quote{
		GasPrice:       cloneOrZero(gasPrice),
		WeiPerUnitLink: cloneOrZero(weiPerUnitLink),
		Source:         "initial",
		ObservedAt:     time.Now().UTC(),
	}}
}

// Update replaces the cached quote. A nil field keeps the previous value; a
// zero rate is rejected and nothing changes.
func (f *Feed) Update(q Quote) error {
	if q.WeiPerUnitLink != nil && q.WeiPerUnitLink.IsZero() {
		return ErrZeroRate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.GasPrice != nil {
		f.quote.GasPrice = q.GasPrice.Clone()
	}
	if q.WeiPerUnitLink != nil {
		f.quote.WeiPerUnitLink = q.WeiPerUnitLink.Clone()
	}
	f.quote.Source = q.Source
	f.quote.ObservedAt = q.ObservedAt
	if f.quote.ObservedAt.IsZero() {
		f.quote.ObservedAt = time.Now().UTC()
	}
	return nil
}

// Latest returns a copy of the cached quote.
func (f *Feed) Latest() Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q := f.quote
	q.GasPrice = q.GasPrice.Clone()
	q.WeiPerUnitLink = q.WeiPerUnitLink.Clone()
	return q
}

func (f *Feed) GasPrice(context.Context) (*uint256.Int, error) {
	return f.Latest().GasPrice, nil
}

func (f *Feed) WeiPerUnitLink(context.Context) (*uint256.Int, error) {
	return f.Latest().WeiPerUnitLink, nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
