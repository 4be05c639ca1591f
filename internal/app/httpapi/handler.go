// Package httpapi exposes the wrapper, ledger and event log over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/metrics"
	svcerrors "github.com/R3E-Network/vrf_direct_funding/internal/errors"
	"github.com/R3E-Network/vrf_direct_funding/internal/events"
	"github.com/R3E-Network/vrf_direct_funding/internal/gasbank"
	"github.com/R3E-Network/vrf_direct_funding/internal/middleware"
	"github.com/R3E-Network/vrf_direct_funding/internal/wrapper"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Wrapper is the request lifecycle surface used by the API.
type Wrapper interface {
	Submit(ctx context.Context, in wrapper.SubmitRequest) (vrf.Request, error)
	Fulfill(ctx context.Context, id uint64, words []*uint256.Int) (vrf.Request, error)
	Get(ctx context.Context, id uint64) (vrf.Request, error)
	List(ctx context.Context, limit int) ([]vrf.Request, error)
	LastRequestID(ctx context.Context) (uint64, error)
	CalculateRequestPrice(ctx context.Context, callbackGasLimit uint32) (*uint256.Int, error)
	EstimateRequestPrice(ctx context.Context, callbackGasLimit uint32, gasPrice *uint256.Int) (*uint256.Int, error)
}

// Ledger is the token ledger surface used by the API.
type Ledger interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Fund(ctx context.Context, account common.Address, amount *uint256.Int, reference string) (*uint256.Int, error)
	Transactions(ctx context.Context, account common.Address, limit int) ([]gasbank.Entry, error)
}

// Coordinator answers pending requests with generated words.
type Coordinator interface {
	FulfillNow(ctx context.Context, id uint64) (vrf.Request, error)
}

// Deps are the services behind the API. Coordinator and Metrics are optional.
type Deps struct {
	Wrapper     Wrapper
	Ledger      Ledger
	Events      *events.Log
	Coordinator Coordinator
	Metrics     *metrics.Metrics
	Log         *logger.Logger
}

// Options configure the HTTP surface.
type Options struct {
	// AuthSecret enables HS256 bearer tokens. Submitting a request then needs
	// a consumer token for the paying account or an operator token; funding,
	// manual fulfilment and the audit log need an operator token.
	AuthSecret  string
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
	// AuditWriter receives operator actions as JSON lines.
	AuditWriter io.Writer
}

type handler struct {
	wrapper     Wrapper
	ledger      Ledger
	events      *events.Log
	coordinator Coordinator
	audit       *auditLog
	authEnabled bool
	log         *logger.Logger
}

// NewHandler returns a router exposing the wrapper API.
func NewHandler(deps Deps, opts Options) http.Handler {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		wrapper:     deps.Wrapper,
		ledger:      deps.Ledger,
		events:      deps.Events,
		coordinator: deps.Coordinator,
		audit:       newAuditLog(500, newWriterAuditSink(opts.AuditWriter)),
		log:         log,
	}
	operator := middleware.NewAuthMiddleware(opts.AuthSecret, log.Named("auth"), middleware.RoleOperator)
	submitter := middleware.NewAuthMiddleware(opts.AuthSecret, log.Named("auth"), middleware.RoleConsumer, middleware.RoleOperator)
	h.authEnabled = submitter.Enabled()

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))
	if deps.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(deps.Metrics))
	}
	if opts.RateLimit > 0 {
		r.Use(middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, log.Named("ratelimit")).Handler)
	}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/price", h.price).Methods(http.MethodGet)
	r.Handle("/requests", submitter.Handler(http.HandlerFunc(h.createRequest))).Methods(http.MethodPost)
	r.HandleFunc("/requests", h.listRequests).Methods(http.MethodGet)
	r.HandleFunc("/requests/{id:[0-9]+}", h.getRequest).Methods(http.MethodGet)
	r.Handle("/requests/{id:[0-9]+}/fulfill", operator.Handler(http.HandlerFunc(h.fulfill))).Methods(http.MethodPost)
	r.Handle("/accounts/{address}/fund", operator.Handler(http.HandlerFunc(h.fund))).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{address}/balance", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{address}/transactions", h.transactions).Methods(http.MethodGet)
	r.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/stream", h.stream).Methods(http.MethodGet)
	r.Handle("/audit", operator.Handler(http.HandlerFunc(h.listAudit))).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	// CORS wraps the router so preflight requests are answered before routing.
	if len(opts.CORSOrigins) > 0 {
		return middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(r)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	last, err := h.wrapper.LastRequestID(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"last_request_id": last,
		"last_event_seq":  h.events.LastSeq(),
	})
}

func (h *handler) price(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gasLimit, err := strconv.ParseUint(q.Get("gas_limit"), 10, 32)
	if err != nil {
		writeError(w, svcerrors.InvalidInput("gas_limit must be an unsigned 32-bit integer", err))
		return
	}

	var price *uint256.Int
	resp := map[string]interface{}{"gas_limit": gasLimit}
	if raw := q.Get("gas_price"); raw != "" {
		gasPrice, perr := vrf.ParseAmount(raw)
		if perr != nil {
			writeError(w, svcerrors.InvalidInput("gas_price must be a decimal or hex amount", perr))
			return
		}
		price, err = h.wrapper.EstimateRequestPrice(r.Context(), uint32(gasLimit), gasPrice)
		resp["gas_price_wei"] = gasPrice.Dec()
	} else {
		price, err = h.wrapper.CalculateRequestPrice(r.Context(), uint32(gasLimit))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp["price"] = price.Dec()
	writeJSON(w, http.StatusOK, resp)
}

type createRequestPayload struct {
	Consumer             string `json:"consumer"`
	CallbackGasLimit     uint32 `json:"callback_gas_limit"`
	RequestConfirmations uint16 `json:"request_confirmations"`
	NumWords             uint32 `json:"num_words"`
	GasPrice             string `json:"gas_price,omitempty"`
}

func (h *handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, svcerrors.InvalidInput("invalid request body", err))
		return
	}
	consumer, err := parseAddress(payload.Consumer)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizeConsumer(r, consumer); err != nil {
		writeError(w, err)
		return
	}
	in := wrapper.SubmitRequest{
		Consumer:             consumer,
		CallbackGasLimit:     payload.CallbackGasLimit,
		RequestConfirmations: payload.RequestConfirmations,
		NumWords:             payload.NumWords,
	}
	if payload.GasPrice != "" {
		if in.GasPrice, err = vrf.ParseAmount(payload.GasPrice); err != nil {
			writeError(w, svcerrors.InvalidInput("gas_price must be a decimal or hex amount", err))
			return
		}
	}

	req, err := h.wrapper.Submit(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req.ToView())
}

// authorizeConsumer allows a consumer token to spend only from the account
// named by its subject. Operators may submit for any account.
func (h *handler) authorizeConsumer(r *http.Request, consumer common.Address) error {
	if !h.authEnabled || middleware.GetRole(r.Context()) == middleware.RoleOperator {
		return nil
	}
	subject := middleware.GetSubject(r.Context())
	if !common.IsHexAddress(subject) || common.HexToAddress(subject) != consumer {
		return svcerrors.Forbidden(fmt.Sprintf("token subject %q may not spend from %s", subject, consumer.Hex()))
	}
	return nil
}

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	reqs, err := h.wrapper.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]vrf.View, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, req.ToView())
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := h.wrapper.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req.ToView())
}

func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := strconv.FormatUint(id, 10)

	var payload struct {
		RandomWords []string `json:"random_words"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &payload); err != nil && err != io.EOF {
			h.audit.record(r, "fulfill", target, writeError(w, svcerrors.InvalidInput("invalid request body", err)))
			return
		}
	}

	var req vrf.Request
	switch {
	case payload.RandomWords != nil:
		words, perr := vrf.ParseWords(payload.RandomWords)
		if perr != nil {
			h.audit.record(r, "fulfill", target, writeError(w, svcerrors.InvalidInput("random_words must be decimal or hex 256-bit values", perr)))
			return
		}
		req, err = h.wrapper.Fulfill(r.Context(), id, words)
	case h.coordinator != nil:
		req, err = h.coordinator.FulfillNow(r.Context(), id)
	default:
		err = svcerrors.InvalidInput("random_words required", nil)
	}
	if err != nil {
		h.audit.record(r, "fulfill", target, writeError(w, err))
		return
	}
	h.audit.record(r, "fulfill", target, http.StatusOK)
	writeJSON(w, http.StatusOK, req.ToView())
}

func (h *handler) fund(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	var payload struct {
		Amount    string `json:"amount"`
		Reference string `json:"reference,omitempty"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		h.audit.record(r, "fund", account.Hex(), writeError(w, svcerrors.InvalidInput("invalid request body", err)))
		return
	}
	amount, err := vrf.ParseAmount(strings.TrimSpace(payload.Amount))
	if err != nil || amount.IsZero() {
		h.audit.record(r, "fund", account.Hex(), writeError(w, svcerrors.InvalidInput("amount must be a positive decimal or hex amount", err)))
		return
	}

	balance, err := h.ledger.Fund(r.Context(), account, amount, payload.Reference)
	if err != nil {
		h.audit.record(r, "fund", account.Hex(), writeError(w, err))
		return
	}
	h.audit.record(r, "fund", account.Hex(), http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{
		"address": account.Hex(),
		"balance": balance.Dec(),
	})
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := h.ledger.BalanceOf(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": account.Hex(),
		"balance": balance.Dec(),
	})
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.ledger.Transactions(r.Context(), account, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, svcerrors.InvalidInput("since must be an unsigned integer", err))
			return
		}
		since = v
	}
	evs := h.events.Since(since)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, svcerrors.InvalidInput(fmt.Sprintf("invalid address %q", raw), nil)
	}
	return common.HexToAddress(raw), nil
}

func requestID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, svcerrors.InvalidInput("invalid request id", err)
	}
	return id, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, svcerrors.InvalidInput("limit must be a positive integer", err)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
