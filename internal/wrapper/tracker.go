// Package wrapper tracks direct-funding randomness requests from payment to
// fulfilment.
//
// Request Flow:
// 1. Submit prices the request, moves the fee from the consumer to the wrapper
//    account, stores the record and emits RequestSent
// 2. The dispatcher hands the request to a coordinator
// 3. Fulfill attaches the random words once and emits RequestFulfilled
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage"
	"github.com/R3E-Network/vrf_direct_funding/internal/events"
	"github.com/R3E-Network/vrf_direct_funding/internal/fee"
	"github.com/R3E-Network/vrf_direct_funding/internal/gasbank"
	"github.com/R3E-Network/vrf_direct_funding/internal/oracle"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

// Ledger holds token balances.
type Ledger interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, reference string) error
}

// Dispatcher is notified after a request has been paid for and stored.
type Dispatcher interface {
	Dispatch(ctx context.Context, req vrf.Request) error
}

// DispatcherFunc adapts a function to the dispatcher interface.
type DispatcherFunc func(ctx context.Context, req vrf.Request) error

// Dispatch calls f(ctx, req).
func (f DispatcherFunc) Dispatch(ctx context.Context, req vrf.Request) error {
	return f(ctx, req)
}

// Recorder observes tracker outcomes. internal/app/metrics implements it.
type Recorder interface {
	RequestSubmitted(paid *uint256.Int)
	RequestFulfilled()
	RequestRejected(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RequestSubmitted(*uint256.Int) {}
func (nopRecorder) RequestFulfilled()             {}
func (nopRecorder) RequestRejected(string)        {}

// Deps are the tracker's collaborators.
type Deps struct {
	Ledger Ledger
	Oracle oracle.Oracle
	Sink   events.Sink
	Store  storage.RequestStore
}

// SubmitRequest carries the caller's parameters for a new request.
type SubmitRequest struct {
	Consumer             common.Address
	CallbackGasLimit     uint32
	RequestConfirmations uint16
	NumWords             uint32
	// GasPrice raises the gas price used for pricing. It may not be below the
	// oracle gas price.
	GasPrice *uint256.Int
}

// Tracker owns the request lifecycle.
type Tracker struct {
	cfg        Config
	ledger     Ledger
	oracle     oracle.Oracle
	sink       events.Sink
	store      storage.RequestStore
	dispatcher Dispatcher
	recorder   Recorder
	log        *logger.Logger
	now        func() time.Time

	mu       sync.Mutex
	hydrated bool
	nextID   uint64
	lastID   uint64
}

// New creates a tracker. Ids continue from the store's highest id.
func New(cfg Config, deps Deps, log *logger.Logger) (*Tracker, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Oracle == nil || deps.Sink == nil || deps.Store == nil {
		return nil, fmt.Errorf("wrapper: ledger, oracle, sink and store are required")
	}
	if log == nil {
		log = logger.NewDefault("wrapper")
	}
	return &Tracker{
		cfg:    cfg,
		ledger: deps.Ledger,
		oracle: deps.Oracle,
		sink:   deps.Sink,
		store:  deps.Store,
		dispatcher: DispatcherFunc(func(context.Context, vrf.Request) error {
			return nil
		}),
		recorder: nopRecorder{},
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithDispatcher overrides the dispatcher used on submission.
func (t *Tracker) WithDispatcher(d Dispatcher) {
	if d != nil {
		t.dispatcher = d
	}
}

// WithRecorder attaches a metrics recorder.
func (t *Tracker) WithRecorder(r Recorder) {
	if r != nil {
		t.recorder = r
	}
}

// Config returns the normalized configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Submit pays for and records a new request.
func (t *Tracker) Submit(ctx context.Context, in SubmitRequest) (vrf.Request, error) {
	req, err := t.submit(ctx, in)
	if err != nil {
		t.recorder.RequestRejected(rejectReason(err))
		return vrf.Request{}, err
	}
	t.recorder.RequestSubmitted(req.Paid)

	if err := t.dispatcher.Dispatch(ctx, req.Clone()); err != nil {
		t.log.WithError(err).WithField("request_id", req.ID).Warn("dispatch request failed")
	}
	return req, nil
}

func (t *Tracker) submit(ctx context.Context, in SubmitRequest) (vrf.Request, error) {
	if in.NumWords > t.cfg.MaxNumWords {
		return vrf.Request{}, fmt.Errorf("%w: %d > %d", ErrTooManyWords, in.NumWords, t.cfg.MaxNumWords)
	}
	if in.CallbackGasLimit > t.cfg.MaxGasLimit {
		return vrf.Request{}, fmt.Errorf("%w: %d > %d", ErrGasLimitTooBig, in.CallbackGasLimit, t.cfg.MaxGasLimit)
	}
	if in.RequestConfirmations > t.cfg.MaxRequestConfirmations {
		return vrf.Request{}, fmt.Errorf("%w: %d > %d", ErrInvalidConfirmations, in.RequestConfirmations, t.cfg.MaxRequestConfirmations)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.hydrateLocked(ctx); err != nil {
		return vrf.Request{}, err
	}

	gasPrice, err := t.oracle.GasPrice(ctx)
	if err != nil {
		return vrf.Request{}, fmt.Errorf("read gas price: %w", err)
	}
	if in.GasPrice != nil {
		if in.GasPrice.Lt(gasPrice) {
			return vrf.Request{}, fmt.Errorf("%w: %s < %s", ErrGasPriceTooLow, in.GasPrice.Dec(), gasPrice.Dec())
		}
		gasPrice = in.GasPrice
	}
	paid, err := t.price(ctx, uint64(in.CallbackGasLimit), gasPrice)
	if err != nil {
		return vrf.Request{}, err
	}

	balance, err := t.ledger.BalanceOf(ctx, in.Consumer)
	if err != nil {
		return vrf.Request{}, fmt.Errorf("read balance: %w", err)
	}
	if balance.Lt(paid) {
		return vrf.Request{}, fmt.Errorf("%w: balance %s, price %s", ErrInsufficientFunds, balance.Dec(), paid.Dec())
	}

	id := t.nextID
	reference := "vrf-request:" + strconv.FormatUint(id, 10)
	if err := t.ledger.Transfer(ctx, in.Consumer, t.cfg.WrapperAddress, paid, reference); err != nil {
		if errors.Is(err, gasbank.ErrInsufficientBalance) {
			return vrf.Request{}, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return vrf.Request{}, fmt.Errorf("collect payment: %w", err)
	}

	// The id is consumed even if the write below fails so a record that
	// reached the store despite an error is never shadowed.
	t.nextID++

	req := vrf.Request{
		ID:                   id,
		Consumer:             in.Consumer,
		CallbackGasLimit:     in.CallbackGasLimit,
		RequestConfirmations: in.RequestConfirmations,
		NumWords:             in.NumWords,
		GasPriceWei:          gasPrice.Clone(),
		Paid:                 paid,
		CreatedAt:            t.now(),
	}
	stored, err := t.store.CreateRequest(ctx, req)
	if err != nil {
		if rerr := t.ledger.Transfer(ctx, t.cfg.WrapperAddress, in.Consumer, paid, reference+":refund"); rerr != nil {
			t.log.WithError(rerr).WithField("request_id", id).Error("refund after failed store write")
		}
		return vrf.Request{}, fmt.Errorf("store request: %w", err)
	}
	t.lastID = id

	t.sink.Publish(events.Event{
		Type:      events.EventRequestSent,
		RequestID: id,
		NumWords:  in.NumWords,
		Paid:      paid.Clone(),
	})
	t.log.WithField("request_id", id).
		WithField("consumer", in.Consumer.Hex()).
		WithField("paid", paid.Dec()).
		Info("randomness request sent")
	return stored, nil
}

// Fulfill attaches random words to a pending request.
func (t *Tracker) Fulfill(ctx context.Context, id uint64, words []*uint256.Int) (vrf.Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, err := t.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return vrf.Request{}, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	if err != nil {
		return vrf.Request{}, err
	}
	if req.Fulfilled {
		return vrf.Request{}, fmt.Errorf("%w: %d", ErrAlreadyFulfilled, id)
	}
	if uint64(len(words)) != uint64(req.NumWords) {
		return vrf.Request{}, fmt.Errorf("%w: got %d, want %d", ErrWordCountMismatch, len(words), req.NumWords)
	}

	req.Fulfilled = true
	req.RandomWords = cloneWords(words)
	req.FulfilledAt = t.now()

	updated, err := t.store.UpdateRequest(ctx, req)
	if err != nil {
		return vrf.Request{}, fmt.Errorf("store fulfilment: %w", err)
	}

	t.sink.Publish(events.Event{
		Type:        events.EventRequestFulfilled,
		RequestID:   id,
		NumWords:    req.NumWords,
		Paid:        req.Paid.Clone(),
		RandomWords: cloneWords(req.RandomWords),
	})
	t.recorder.RequestFulfilled()
	t.log.WithField("request_id", id).Info("randomness request fulfilled")
	return updated, nil
}

// Get returns a request or storage.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id uint64) (vrf.Request, error) {
	return t.store.GetRequest(ctx, id)
}

// List returns the most recent requests, newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]vrf.Request, error) {
	return t.store.ListRequests(ctx, limit)
}

// LastRequestID reports the most recently stored id, zero if none.
func (t *Tracker) LastRequestID(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.hydrateLocked(ctx); err != nil {
		return 0, err
	}
	return t.lastID, nil
}

// CalculateRequestPrice prices a request at the oracle gas price.
func (t *Tracker) CalculateRequestPrice(ctx context.Context, callbackGasLimit uint32) (*uint256.Int, error) {
	gasPrice, err := t.oracle.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("read gas price: %w", err)
	}
	return t.price(ctx, uint64(callbackGasLimit), gasPrice)
}

// EstimateRequestPrice prices a request at the given gas price.
func (t *Tracker) EstimateRequestPrice(ctx context.Context, callbackGasLimit uint32, gasPrice *uint256.Int) (*uint256.Int, error) {
	if gasPrice == nil {
		gasPrice = new(uint256.Int)
	}
	return t.price(ctx, uint64(callbackGasLimit), gasPrice)
}

func (t *Tracker) price(ctx context.Context, gasLimit uint64, gasPrice *uint256.Int) (*uint256.Int, error) {
	rate, err := t.oracle.WeiPerUnitLink(ctx)
	if err != nil {
		return nil, fmt.Errorf("read exchange rate: %w", err)
	}
	return t.cfg.Schedule.Price(gasLimit, gasPrice, rate)
}

func (t *Tracker) hydrateLocked(ctx context.Context) error {
	if t.hydrated {
		return nil
	}
	maxID, err := t.store.MaxRequestID(ctx)
	if err != nil {
		return fmt.Errorf("load last request id: %w", err)
	}
	t.lastID = maxID
	t.nextID = maxID + 1
	t.hydrated = true
	return nil
}

func cloneWords(words []*uint256.Int) []*uint256.Int {
	out := make([]*uint256.Int, len(words))
	for i, w := range words {
		if w == nil {
			out[i] = new(uint256.Int)
			continue
		}
		out[i] = w.Clone()
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTooManyWords):
		return "too_many_words"
	case errors.Is(err, ErrGasLimitTooBig):
		return "gas_limit_too_big"
	case errors.Is(err, ErrInvalidConfirmations):
		return "invalid_confirmations"
	case errors.Is(err, ErrGasPriceTooLow):
		return "gas_price_too_low"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, fee.ErrPrecondition):
		return "precondition"
	default:
		return "internal"
	}
}
