package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage"
)

// Store is an in-memory RequestStore. It is safe for concurrent use and is
// intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	requests map[uint64]vrf.Request
	maxID    uint64
}

var _ storage.RequestStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{requests: make(map[uint64]vrf.Request)}
}

func (s *Store) CreateRequest(_ context.Context, req vrf.Request) (vrf.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return vrf.Request{}, storage.ErrDuplicateID
	}
	s.requests[req.ID] = req.Clone()
	if req.ID > s.maxID {
		s.maxID = req.ID
	}
	return req.Clone(), nil
}

func (s *Store) UpdateRequest(_ context.Context, req vrf.Request) (vrf.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; !exists {
		return vrf.Request{}, storage.ErrNotFound
	}
	s.requests[req.ID] = req.Clone()
	return req.Clone(), nil
}

func (s *Store) GetRequest(_ context.Context, id uint64) (vrf.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return vrf.Request{}, storage.ErrNotFound
	}
	return req.Clone(), nil
}

// ListRequests returns the newest requests first.
func (s *Store) ListRequests(_ context.Context, limit int) ([]vrf.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]vrf.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPending(_ context.Context) ([]vrf.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []vrf.Request
	for _, req := range s.requests {
		if !req.Fulfilled {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MaxRequestID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID, nil
}
