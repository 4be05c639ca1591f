package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestStaticReturnsCopies(t *testing.T) {
	s := NewStatic(uint256.NewInt(100), uint256.NewInt(3))
	gp, err := s.GasPrice(context.Background())
	require.NoError(t, err)
	gp.SetUint64(7)

	again, _ := s.GasPrice(context.Background())
	require.Equal(t, uint64(100), again.Uint64())
}

func TestFeedRejectsZeroRate(t *testing.T) {
	f := NewFeed(uint256.NewInt(1), uint256.NewInt(5))
	err := f.Update(Quote{GasPrice: uint256.NewInt(9), WeiPerUnitLink: new(uint256.Int)})
	require.ErrorIs(t, err, ErrZeroRate)

	q := f.Latest()
	require.Equal(t, uint64(1), q.GasPrice.Uint64())
	require.Equal(t, uint64(5), q.WeiPerUnitLink.Uint64())
}

func TestFeedPartialUpdate(t *testing.T) {
	f := NewFeed(uint256.NewInt(1), uint256.NewInt(5))
	require.NoError(t, f.Update(Quote{GasPrice: uint256.NewInt(2), Source: "test"}))

	gp, _ := f.GasPrice(context.Background())
	rate, _ := f.WeiPerUnitLink(context.Background())
	require.Equal(t, uint64(2), gp.Uint64())
	require.Equal(t, uint64(5), rate.Uint64())
	require.Equal(t, "test", f.Latest().Source)
}

func TestHTTPFetcherPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"gas_price":"1000000000","fast":2000000000},"feeds":[{"rate":"3000000000000000"}]}`))
	}))
	defer srv.Close()

	cases := []struct {
		name     string
		gasPath  string
		ratePath string
		gas      uint64
		rate     uint64
	}{
		{"gjson", "data.gas_price", "feeds.0.rate", 1000000000, 3000000000000000},
		{"gjson number", "data.fast", "feeds.0.rate", 2000000000, 3000000000000000},
		{"jsonpath", "$.data.gas_price", "$.feeds[0].rate", 1000000000, 3000000000000000},
		{"jsonpath number", "$.data.fast", "$.feeds[0].rate", 2000000000, 3000000000000000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &HTTPFetcher{URL: srv.URL, GasPricePath: tc.gasPath, RatePath: tc.ratePath}
			q, err := f.Fetch(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.gas, q.GasPrice.Uint64())
			require.Equal(t, tc.rate, q.WeiPerUnitLink.Uint64())
			require.Equal(t, srv.URL, q.Source)
		})
	}
}

func TestHTTPFetcherKeepsLargeNumbersExact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"gas":123456789012345678,"rate":340282366920938463463374607431768211457,"fractional":1.5,"exp":1e18}`))
	}))
	defer srv.Close()

	for _, prefix := range []string{"$.", ""} {
		f := &HTTPFetcher{URL: srv.URL, GasPricePath: prefix + "gas", RatePath: prefix + "rate"}
		q, err := f.Fetch(context.Background())
		require.NoError(t, err, prefix)
		require.Equal(t, "123456789012345678", q.GasPrice.Dec(), prefix)
		require.Equal(t, "340282366920938463463374607431768211457", q.WeiPerUnitLink.Dec(), prefix)

		for _, path := range []string{"fractional", "exp"} {
			_, err := (&HTTPFetcher{URL: srv.URL, GasPricePath: prefix + path}).Fetch(context.Background())
			require.Error(t, err, prefix+path)
		}
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"gas":"abc"}`))
	}))
	defer srv.Close()

	_, err := (&HTTPFetcher{URL: srv.URL + "/down", GasPricePath: "gas"}).Fetch(context.Background())
	require.Error(t, err)

	_, err = (&HTTPFetcher{URL: srv.URL, GasPricePath: "missing"}).Fetch(context.Background())
	require.Error(t, err)

	_, err = (&HTTPFetcher{URL: srv.URL, GasPricePath: "gas"}).Fetch(context.Background())
	require.Error(t, err)
}

func TestRefresherKeepsQuoteOnFailure(t *testing.T) {
	feed := NewFeed(uint256.NewInt(1), uint256.NewInt(5))
	calls := 0
	fetcher := FetcherFunc(func(ctx context.Context) (Quote, error) {
		calls++
		switch calls {
		case 1:
			return Quote{GasPrice: uint256.NewInt(10), WeiPerUnitLink: uint256.NewInt(20)}, nil
		case 2:
			return Quote{}, errors.New("boom")
		default:
			return Quote{WeiPerUnitLink: new(uint256.Int)}, nil
		}
	})
	r := NewRefresher(feed, fetcher, "", nil)

	r.Refresh(context.Background())
	r.Refresh(context.Background())
	r.Refresh(context.Background())

	q := feed.Latest()
	require.Equal(t, uint64(10), q.GasPrice.Uint64())
	require.Equal(t, uint64(20), q.WeiPerUnitLink.Uint64())
	require.Equal(t, 3, calls)
}

func TestRefresherLifecycle(t *testing.T) {
	r := NewRefresher(NewFeed(nil, uint256.NewInt(1)), nil, "not a schedule", nil)
	require.Error(t, r.Start(context.Background()))

	r = NewRefresher(NewFeed(nil, uint256.NewInt(1)), nil, "@every 1h", nil)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
}
