package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage/memory"
	"github.com/R3E-Network/vrf_direct_funding/internal/events"
	"github.com/R3E-Network/vrf_direct_funding/internal/gasbank"
	"github.com/R3E-Network/vrf_direct_funding/internal/oracle"
	"github.com/R3E-Network/vrf_direct_funding/internal/wrapper"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

var (
	wrapperAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	consumerAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

func setup(t *testing.T, opts Options) (*wrapper.Tracker, *Mock, *events.Log) {
	t.Helper()
	ledger := gasbank.NewManager(nil, nil)
	_, err := ledger.Fund(context.Background(), consumerAddr, uint256.MustFromDecimal("100000000000000000000"), "")
	require.NoError(t, err)

	log := events.NewLog(64)
	tr := newTracker(t, memory.New(), ledger, log)
	mock := NewMock(tr, log, opts, nil)
	tr.WithDispatcher(mock)
	return tr, mock, log
}

func newTracker(t *testing.T, store *memory.Store, ledger *gasbank.Manager, log *events.Log) *wrapper.Tracker {
	t.Helper()
	tr, err := wrapper.New(wrapper.DefaultConfig(wrapperAddr), wrapper.Deps{
		Ledger: ledger,
		Oracle: oracle.NewStatic(uint256.NewInt(100_000_000_000), uint256.NewInt(3_000_000_000_000_000)),
		Sink:   log,
		Store:  store,
	}, nil)
	require.NoError(t, err)
	return tr
}

// restartable holds the state that outlives a process restart.
type restartable struct {
	store  *memory.Store
	ledger *gasbank.Manager
	log    *events.Log
}

func newRestartable(t *testing.T) restartable {
	t.Helper()
	ledger := gasbank.NewManager(nil, nil)
	_, err := ledger.Fund(context.Background(), consumerAddr, uint256.MustFromDecimal("100000000000000000000"), "")
	require.NoError(t, err)
	return restartable{store: memory.New(), ledger: ledger, log: events.NewLog(64)}
}

func (r restartable) boot(t *testing.T, opts Options) (*wrapper.Tracker, *Mock) {
	t.Helper()
	tr := newTracker(t, r.store, r.ledger, r.log)
	mock := NewMock(tr, r.log, opts, nil).WithBacklog(r.store)
	tr.WithDispatcher(mock)
	return tr, mock
}

type flakyFulfiller struct {
	mu       sync.Mutex
	failures int
	calls    map[uint64]int
}

func (f *flakyFulfiller) Fulfill(_ context.Context, id uint64, words []*uint256.Int) (vrf.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[uint64]int)
	}
	f.calls[id]++
	if f.failures > 0 {
		f.failures--
		return vrf.Request{}, errors.New("store unavailable")
	}
	return vrf.Request{ID: id, Fulfilled: true, RandomWords: words}, nil
}

func (f *flakyFulfiller) fulfilled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *flakyFulfiller) callsFor(id uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type failingBacklog struct{}

func (failingBacklog) ListPending(context.Context) ([]vrf.Request, error) {
	return nil, errors.New("connection refused")
}

func submit(t *testing.T, tr *wrapper.Tracker, numWords uint32) uint64 {
	t.Helper()
	req, err := tr.Submit(context.Background(), wrapper.SubmitRequest{
		Consumer:             consumerAddr,
		CallbackGasLimit:     100_000,
		RequestConfirmations: 3,
		NumWords:             numWords,
	})
	require.NoError(t, err)
	return req.ID
}

func TestDeriveWordsMatchesABIEncoding(t *testing.T) {
	buf := make([]byte, 64)
	buf[31] = 7
	buf[63] = 1
	want := new(uint256.Int).SetBytes(crypto.Keccak256(buf))

	words := DeriveWords(7, 2)
	require.Len(t, words, 2)
	require.Equal(t, want.Hex(), words[1].Hex())
	require.NotEqual(t, words[0].Hex(), words[1].Hex())
	require.Empty(t, DeriveWords(7, 0))
}

func TestFulfillNowManual(t *testing.T) {
	ctx := context.Background()
	tr, mock, log := setup(t, Options{Manual: true})

	id := submit(t, tr, 3)
	require.Equal(t, []uint64{id}, mock.Pending())

	req, err := mock.FulfillNow(ctx, id)
	require.NoError(t, err)
	require.True(t, req.Fulfilled)
	require.Len(t, req.RandomWords, 3)
	require.Empty(t, mock.Pending())

	types := []events.EventType{}
	for _, ev := range log.ByRequest(id) {
		types = append(types, ev.Type)
	}
	require.Equal(t, []events.EventType{
		events.EventRequestSent,
		events.EventRandomWordsRequested,
		events.EventRequestFulfilled,
		events.EventRandomWordsFulfilled,
	}, types)

	_, err = mock.FulfillNow(ctx, id)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestWorkerFulfilsAfterDelay(t *testing.T) {
	ctx := context.Background()
	tr, mock, _ := setup(t, Options{FulfillDelay: 10 * time.Millisecond})
	require.NoError(t, mock.Start(ctx))
	defer mock.Stop(ctx)

	id := submit(t, tr, 1)

	require.Eventually(t, func() bool {
		req, err := tr.Get(ctx, id)
		return err == nil && req.Fulfilled
	}, 2*time.Second, 5*time.Millisecond)

	req, err := tr.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, DeriveWords(id, 1)[0].Dec(), req.RandomWords[0].Dec())
}

func TestStopLeavesRequestsPending(t *testing.T) {
	ctx := context.Background()
	tr, mock, _ := setup(t, Options{FulfillDelay: time.Hour})
	require.NoError(t, mock.Start(ctx))

	id := submit(t, tr, 1)
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, mock.Stop(stopCtx))

	req, err := tr.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, req.Fulfilled)
}

func TestDispatchRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	tr, mock, _ := setup(t, Options{Manual: true})
	id := submit(t, tr, 1)

	req, err := tr.Get(ctx, id)
	require.NoError(t, err)
	require.Error(t, mock.Dispatch(ctx, req))
}

func TestStartRestoresPendingAfterRestart(t *testing.T) {
	ctx := context.Background()
	state := newRestartable(t)

	tr, mock := state.boot(t, Options{Manual: true})
	require.NoError(t, mock.Start(ctx))
	answered := submit(t, tr, 1)
	waiting := submit(t, tr, 2)
	_, err := mock.FulfillNow(ctx, answered)
	require.NoError(t, err)
	require.NoError(t, mock.Stop(ctx))

	tr2, mock2 := state.boot(t, Options{Manual: true})
	require.Empty(t, mock2.Pending())
	require.NoError(t, mock2.Start(ctx))
	defer mock2.Stop(ctx)
	require.Equal(t, []uint64{waiting}, mock2.Pending())

	req, err := mock2.FulfillNow(ctx, waiting)
	require.NoError(t, err)
	require.True(t, req.Fulfilled)
	require.Equal(t, DeriveWords(waiting, 2)[1].Dec(), req.RandomWords[1].Dec())

	// ids continue after the restored requests
	require.Equal(t, waiting+1, submit(t, tr2, 1))
}

func TestWorkerFulfilsRestoredRequests(t *testing.T) {
	ctx := context.Background()
	state := newRestartable(t)

	tr, mock := state.boot(t, Options{Manual: true})
	first := submit(t, tr, 1)
	second := submit(t, tr, 1)

	tr2, mock2 := state.boot(t, Options{})
	require.NoError(t, mock2.Start(ctx))
	defer mock2.Stop(ctx)

	require.Eventually(t, func() bool {
		pending, err := state.store.ListPending(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	for _, id := range []uint64{first, second} {
		req, err := tr2.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, req.Fulfilled)
	}
	require.Len(t, mock.Pending(), 2)
	require.Empty(t, mock2.Pending())
}

func TestStartFailsWhenBacklogUnavailable(t *testing.T) {
	mock := NewMock(&flakyFulfiller{}, nil, Options{}, nil).WithBacklog(failingBacklog{})
	require.Error(t, mock.Start(context.Background()))
	require.NoError(t, mock.Stop(context.Background()))
}

func TestWorkerRetriesFailedFulfilment(t *testing.T) {
	ctx := context.Background()
	fulfiller := &flakyFulfiller{failures: 2}
	mock := NewMock(fulfiller, nil, Options{RetryDelay: 10 * time.Millisecond}, nil)
	require.NoError(t, mock.Start(ctx))
	defer mock.Stop(ctx)

	require.NoError(t, mock.Dispatch(ctx, vrf.Request{ID: 1, NumWords: 1}))
	require.Eventually(t, func() bool {
		return len(mock.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, fulfiller.callsFor(1))
}

func TestWorkerDrainsLargeBacklog(t *testing.T) {
	ctx := context.Background()
	fulfiller := &flakyFulfiller{}
	mock := NewMock(fulfiller, nil, Options{}, nil)
	for id := uint64(1); id <= 1000; id++ {
		require.NoError(t, mock.Dispatch(ctx, vrf.Request{ID: id, NumWords: 1}))
	}
	require.Len(t, mock.Pending(), 1000)

	require.NoError(t, mock.Start(ctx))
	defer mock.Stop(ctx)
	require.Eventually(t, func() bool {
		return fulfiller.fulfilled() == 1000
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, mock.Pending())
}

func TestExplicitFulfilmentIsNotReportedAsFailure(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	ledger := gasbank.NewManager(nil, nil)
	_, err := ledger.Fund(ctx, consumerAddr, uint256.MustFromDecimal("100000000000000000000"), "")
	require.NoError(t, err)
	evs := events.NewLog(64)
	tr := newTracker(t, memory.New(), ledger, evs)
	mock := NewMock(tr, evs, Options{FulfillDelay: 50 * time.Millisecond},
		logger.New("coordinator", logger.Config{Level: "debug", Format: "text", Output: &buf}))
	tr.WithDispatcher(mock)
	require.NoError(t, mock.Start(ctx))

	id := submit(t, tr, 1)
	_, err = tr.Fulfill(ctx, id, []*uint256.Int{uint256.NewInt(42)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(mock.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, mock.Stop(ctx))

	require.NotContains(t, buf.String(), "coordinator fulfilment failed")
	require.Contains(t, buf.String(), "request already settled")

	req, err := tr.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "42", req.RandomWords[0].Dec())
}
