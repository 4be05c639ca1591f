// Package coordinator is a local stand-in for the VRF coordinator. It accepts
// dispatched requests and answers them with deterministic words.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
	"github.com/R3E-Network/vrf_direct_funding/internal/events"
	"github.com/R3E-Network/vrf_direct_funding/internal/wrapper"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

// ErrNotPending is returned by FulfillNow for ids the mock is not holding.
var ErrNotPending = errors.New("request not pending at coordinator")

const (
	defaultRetryDelay = time.Second
	idleWait          = time.Minute
)

// Fulfiller delivers random words back to the wrapper.
type Fulfiller interface {
	Fulfill(ctx context.Context, id uint64, words []*uint256.Int) (vrf.Request, error)
}

// Backlog lists requests that were paid for but never answered. Start loads
// it so requests survive a restart.
type Backlog interface {
	ListPending(ctx context.Context) ([]vrf.Request, error)
}

// Options tune the mock.
type Options struct {
	// FulfillDelay is how long the worker waits before answering.
	FulfillDelay time.Duration
	// RetryDelay is how long the worker waits after a failed fulfilment.
	RetryDelay time.Duration
	// Manual disables the worker; requests are answered only by FulfillNow.
	Manual bool
}

type entry struct {
	req vrf.Request
	due time.Time
}

// Mock holds dispatched requests and fulfils them once they are due.
type Mock struct {
	fulfiller Fulfiller
	sink      events.Sink
	backlog   Backlog
	opts      Options
	log       *logger.Logger

	mu      sync.Mutex
	pending map[uint64]*entry
	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ wrapper.Dispatcher = (*Mock)(nil)

// NewMock creates a coordinator mock.
func NewMock(fulfiller Fulfiller, sink events.Sink, opts Options, log *logger.Logger) *Mock {
	if log == nil {
		log = logger.NewDefault("coordinator")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Mock{
		fulfiller: fulfiller,
		sink:      sink,
		opts:      opts,
		log:       log,
		pending:   make(map[uint64]*entry),
		wake:      make(chan struct{}, 1),
	}
}

// WithBacklog sets the source of unanswered requests reloaded by Start.
func (m *Mock) WithBacklog(b Backlog) *Mock {
	m.backlog = b
	return m
}

func (m *Mock) Name() string { return "coordinator-mock" }

// Dispatch accepts a paid request.
func (m *Mock) Dispatch(_ context.Context, req vrf.Request) error {
	m.mu.Lock()
	if _, exists := m.pending[req.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("request %d already dispatched", req.ID)
	}
	m.pending[req.ID] = &entry{req: req.Clone(), due: time.Now().Add(m.opts.FulfillDelay)}
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Publish(events.Event{
			Type:      events.EventRandomWordsRequested,
			RequestID: req.ID,
			NumWords:  req.NumWords,
			Paid:      req.Paid,
		})
	}
	m.notify()
	return nil
}

// Start reloads unanswered requests from the backlog and, unless manual,
// launches the fulfilment worker.
func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running {
		return nil
	}
	if err := m.reload(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	if !m.opts.Manual {
		m.wg.Add(1)
		go m.work(runCtx)
	}
	m.log.WithFields(map[string]interface{}{
		"delay":   m.opts.FulfillDelay.String(),
		"manual":  m.opts.Manual,
		"pending": len(m.pending),
	}).Info("coordinator mock started")
	return nil
}

// Stop halts the worker. Requests still pending stay available to FulfillNow.
func (m *Mock) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("coordinator mock stopped")
	return nil
}

func (m *Mock) reload(ctx context.Context) error {
	if m.backlog == nil {
		return nil
	}
	reqs, err := m.backlog.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}
	due := time.Now().Add(m.opts.FulfillDelay)

	restored := 0
	m.mu.Lock()
	for _, req := range reqs {
		if req.Fulfilled {
			continue
		}
		if _, exists := m.pending[req.ID]; exists {
			continue
		}
		m.pending[req.ID] = &entry{req: req.Clone(), due: due}
		restored++
	}
	m.mu.Unlock()

	if restored > 0 {
		m.log.WithField("count", restored).Info("restored pending requests")
	}
	return nil
}

func (m *Mock) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// work answers due requests in id order and otherwise sleeps until the next
// one is due or a new request arrives.
func (m *Mock) work(ctx context.Context) {
	defer m.wg.Done()
	for {
		ids, wait := m.scan(time.Now())
		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.FulfillNow(ctx, id); err != nil {
				m.logFailure(id, err)
			}
		}
		if len(ids) > 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// scan returns the due ids in ascending order and how long until the next
// request becomes due.
func (m *Mock) scan(now time.Time) ([]uint64, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uint64
	wait := idleWait
	for id, e := range m.pending {
		if !e.due.After(now) {
			ids = append(ids, id)
			continue
		}
		if d := e.due.Sub(now); d < wait {
			wait = d
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, wait
}

func (m *Mock) logFailure(id uint64, err error) {
	switch {
	case errors.Is(err, ErrNotPending),
		errors.Is(err, wrapper.ErrAlreadyFulfilled),
		errors.Is(err, wrapper.ErrUnknownRequest):
		// answered through another path, e.g. explicit words over the API
		m.log.WithError(err).WithField("request_id", id).Debug("request already settled")
	default:
		m.log.WithError(err).WithField("request_id", id).
			WithField("retry_in", m.opts.RetryDelay.String()).
			Warn("coordinator fulfilment failed")
	}
}

// FulfillNow answers a pending request immediately. A failed fulfilment
// leaves the request pending and schedules a retry.
func (m *Mock) FulfillNow(ctx context.Context, id uint64) (vrf.Request, error) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return vrf.Request{}, fmt.Errorf("%w: %d", ErrNotPending, id)
	}

	req := e.req
	words := DeriveWords(id, req.NumWords)
	fulfilled, err := m.fulfiller.Fulfill(ctx, id, words)
	if err != nil {
		if errors.Is(err, wrapper.ErrAlreadyFulfilled) || errors.Is(err, wrapper.ErrUnknownRequest) {
			return vrf.Request{}, err
		}
		m.mu.Lock()
		if _, exists := m.pending[id]; !exists {
			m.pending[id] = &entry{req: req, due: time.Now().Add(m.opts.RetryDelay)}
		}
		m.mu.Unlock()
		m.notify()
		return vrf.Request{}, err
	}

	if m.sink != nil {
		m.sink.Publish(events.Event{
			Type:        events.EventRandomWordsFulfilled,
			RequestID:   id,
			NumWords:    req.NumWords,
			RandomWords: fulfilled.RandomWords,
		})
	}
	m.log.WithField("request_id", id).Debug("coordinator fulfilled request")
	return fulfilled, nil
}

// Pending returns the ids awaiting fulfilment in ascending order.
func (m *Mock) Pending() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeriveWords returns keccak256(abi.encode(requestId, i)) for i in [0, n).
func DeriveWords(requestID uint64, n uint32) []*uint256.Int {
	idWord := math.U256Bytes(new(big.Int).SetUint64(requestID))
	words := make([]*uint256.Int, n)
	for i := uint32(0); i < n; i++ {
		index := math.U256Bytes(new(big.Int).SetUint64(uint64(i)))
		words[i] = new(uint256.Int).SetBytes32(crypto.Keccak256(idWord, index))
	}
	return words
}
