package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
	"github.com/R3E-Network/vrf_direct_funding/internal/app/storage"
)

const uniqueViolation = "23505"

// Store implements storage.RequestStore backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.RequestStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

type requestRow struct {
	ID                   int64          `db:"id"`
	Consumer             string         `db:"consumer"`
	CallbackGasLimit     int64          `db:"callback_gas_limit"`
	RequestConfirmations int32          `db:"request_confirmations"`
	NumWords             int32          `db:"num_words"`
	GasPriceWei          sql.NullString `db:"gas_price_wei"`
	Paid                 string         `db:"paid"`
	Fulfilled            bool           `db:"fulfilled"`
	RandomWords          pq.StringArray `db:"random_words"`
	CreatedAt            time.Time      `db:"created_at"`
	FulfilledAt          sql.NullTime   `db:"fulfilled_at"`
}

const selectColumns = `id, consumer, callback_gas_limit, request_confirmations, num_words,
	gas_price_wei, paid, fulfilled, random_words, created_at, fulfilled_at`

func rowFromRequest(req vrf.Request) requestRow {
	row := requestRow{
		ID:                   int64(req.ID),
		Consumer:             req.Consumer.Hex(),
		CallbackGasLimit:     int64(req.CallbackGasLimit),
		RequestConfirmations: int32(req.RequestConfirmations),
		NumWords:             int32(req.NumWords),
		Paid:                 vrf.Dec(req.Paid),
		Fulfilled:            req.Fulfilled,
		RandomWords:          pq.StringArray(vrf.DecAll(req.RandomWords)),
		CreatedAt:            req.CreatedAt,
	}
	if req.GasPriceWei != nil {
		row.GasPriceWei = sql.NullString{String: req.GasPriceWei.Dec(), Valid: true}
	}
	if !req.FulfilledAt.IsZero() {
		row.FulfilledAt = sql.NullTime{Time: req.FulfilledAt, Valid: true}
	}
	return row
}

func (r requestRow) toRequest() (vrf.Request, error) {
	paid, err := uint256.FromDecimal(r.Paid)
	if err != nil {
		return vrf.Request{}, fmt.Errorf("decode paid for request %d: %w", r.ID, err)
	}
	req := vrf.Request{
		ID:                   uint64(r.ID),
		Consumer:             common.HexToAddress(r.Consumer),
		CallbackGasLimit:     uint32(r.CallbackGasLimit),
		RequestConfirmations: uint16(r.RequestConfirmations),
		NumWords:             uint32(r.NumWords),
		Paid:                 paid,
		Fulfilled:            r.Fulfilled,
		CreatedAt:            r.CreatedAt,
	}
	if r.GasPriceWei.Valid {
		if req.GasPriceWei, err = uint256.FromDecimal(r.GasPriceWei.String); err != nil {
			return vrf.Request{}, fmt.Errorf("decode gas price for request %d: %w", r.ID, err)
		}
	}
	if len(r.RandomWords) > 0 {
		if req.RandomWords, err = vrf.ParseWords(r.RandomWords); err != nil {
			return vrf.Request{}, fmt.Errorf("decode words for request %d: %w", r.ID, err)
		}
	}
	if r.FulfilledAt.Valid {
		req.FulfilledAt = r.FulfilledAt.Time
	}
	return req, nil
}

func (s *Store) CreateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO vrf_requests (id, consumer, callback_gas_limit, request_confirmations, num_words,
			gas_price_wei, paid, fulfilled, random_words, created_at, fulfilled_at)
		VALUES (:id, :consumer, :callback_gas_limit, :request_confirmations, :num_words,
			:gas_price_wei, :paid, :fulfilled, :random_words, :created_at, :fulfilled_at)
	`, rowFromRequest(req))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return vrf.Request{}, storage.ErrDuplicateID
		}
		return vrf.Request{}, fmt.Errorf("insert request %d: %w", req.ID, err)
	}
	return req, nil
}

// UpdateRequest persists the fulfilment fields. Submission fields are immutable.
func (s *Store) UpdateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error) {
	row := rowFromRequest(req)
	result, err := s.db.ExecContext(ctx, `
		UPDATE vrf_requests
		SET fulfilled = $2, random_words = $3, fulfilled_at = $4
		WHERE id = $1
	`, row.ID, row.Fulfilled, row.RandomWords, row.FulfilledAt)
	if err != nil {
		return vrf.Request{}, fmt.Errorf("update request %d: %w", req.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return vrf.Request{}, storage.ErrNotFound
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id uint64) (vrf.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM vrf_requests WHERE id = $1`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return vrf.Request{}, storage.ErrNotFound
	}
	if err != nil {
		return vrf.Request{}, fmt.Errorf("get request %d: %w", id, err)
	}
	return row.toRequest()
}

func (s *Store) ListRequests(ctx context.Context, limit int) ([]vrf.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+` FROM vrf_requests ORDER BY id DESC LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return toRequests(rows)
}

// ListPending is served by the partial index idx_vrf_requests_pending.
func (s *Store) ListPending(ctx context.Context) ([]vrf.Request, error) {
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+` FROM vrf_requests WHERE NOT fulfilled ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return toRequests(rows)
}

func toRequests(rows []requestRow) ([]vrf.Request, error) {
	out := make([]vrf.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.toRequest()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *Store) MaxRequestID(ctx context.Context) (uint64, error) {
	var maxID int64
	if err := s.db.GetContext(ctx, &maxID, `SELECT COALESCE(MAX(id), 0) FROM vrf_requests`); err != nil {
		return 0, fmt.Errorf("max request id: %w", err)
	}
	return uint64(maxID), nil
}
