// Package storage defines persistence contracts for randomness requests.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
)

var (
	// ErrNotFound is returned when a request id has no record.
	ErrNotFound = errors.New("request not found")
	// ErrDuplicateID is returned when creating a request whose id already exists.
	ErrDuplicateID = errors.New("request id already exists")
)

// RequestStore persists randomness requests. Records are never deleted.
type RequestStore interface {
	CreateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error)
	UpdateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error)
	GetRequest(ctx context.Context, id uint64) (vrf.Request, error)
	ListRequests(ctx context.Context, limit int) ([]vrf.Request, error)
	// ListPending returns every unfulfilled request, oldest first.
	ListPending(ctx context.Context) ([]vrf.Request, error)
	// MaxRequestID returns the highest stored id, or zero when empty.
	MaxRequestID(ctx context.Context) (uint64, error)
}
