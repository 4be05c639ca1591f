package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	m := New(false)
	m.RequestSubmitted(uint256.MustFromDecimal("7873333333333333332"))
	m.RequestSubmitted(nil)
	m.RequestFulfilled()
	m.RequestRejected("insufficient_funds")
	m.RequestRejected("")

	if got := testutil.ToFloat64(m.requestsSubmitted); got != 2 {
		t.Fatalf("submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestsFulfilled); got != 1 {
		t.Fatalf("fulfilled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.requestsRejected.WithLabelValues("insufficient_funds")); got != 1 {
		t.Fatalf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.requestsRejected.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("rejected unknown = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(false)
	m.RecordHTTPRequest("GET", "/price", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `vrf_direct_funding_http_requests_total{method="GET",path="/price",status="200"} 1`) {
		t.Fatalf("missing http counter in output:\n%s", body)
	}
}

func TestTokensConversion(t *testing.T) {
	if got := tokens(uint256.MustFromDecimal("2500000000000000000")); got != 2.5 {
		t.Fatalf("tokens = %v, want 2.5", got)
	}
}
