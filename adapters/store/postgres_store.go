package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/escrowd/core"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS escrows (
    id TEXT PRIMARY KEY,
    payer TEXT NOT NULL,
    payee TEXT NOT NULL,
    arbiter TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    document JSONB NOT NULL,
    version BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS escrows_state_idx ON escrows (state);

CREATE TABLE IF NOT EXISTS payment_requests (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    document JSONB NOT NULL,
    version BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_requests_status_idx ON payment_requests (status);

CREATE TABLE IF NOT EXISTS payment_records (
    payment_id TEXT PRIMARY KEY,
    document JSONB NOT NULL,
    version BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// Postgres owns the connection pool shared by the Postgres stores.
// Rows are never deleted except expired 8004 records.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects using the DSN and ensures the tables exist
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping checks that the database is reachable
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// PostgresEscrowStore implements ports.EscrowStore
type PostgresEscrowStore struct {
	db *Postgres
}

func NewPostgresEscrowStore(db *Postgres) *PostgresEscrowStore {
	return &PostgresEscrowStore{db: db}
}

func (s *PostgresEscrowStore) Create(ctx context.Context, escrow *core.Escrow) error {
	escrow.Version = 1
	doc, err := json.Marshal(escrow)
	if err != nil {
		return fmt.Errorf("failed to marshal escrow: %w", err)
	}

	p := escrow.Participants
	tag, err := s.db.pool.Exec(ctx, `
INSERT INTO escrows (id, payer, payee, arbiter, state, document, version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
`, escrow.ID, strings.ToLower(p.Payer), strings.ToLower(p.Payee), strings.ToLower(p.Arbiter),
		string(escrow.State), doc, escrow.Version, escrow.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

func (s *PostgresEscrowStore) Get(ctx context.Context, id string) (*core.Escrow, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT document, version FROM escrows WHERE id = $1`, id)
	escrow, err := scanEscrow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return escrow, err
}

func (s *PostgresEscrowStore) CompareAndSwap(ctx context.Context, escrow *core.Escrow) error {
	next := escrow.Clone()
	next.Version = escrow.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal escrow: %w", err)
	}

	tag, err := s.db.pool.Exec(ctx, `
UPDATE escrows SET state = $1, document = $2, version = version + 1
WHERE id = $3 AND version = $4
`, string(escrow.State), doc, escrow.ID, escrow.Version)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.db.missingOrConflict(ctx, `SELECT 1 FROM escrows WHERE id = $1`, escrow.ID)
	}

	escrow.Version = next.Version
	return nil
}

func (s *PostgresEscrowStore) ListByParticipant(ctx context.Context, address string) ([]*core.Escrow, error) {
	return s.list(ctx, `
SELECT document, version FROM escrows
WHERE payer = $1 OR payee = $1 OR arbiter = $1
ORDER BY created_at
`, strings.ToLower(address))
}

func (s *PostgresEscrowStore) ListByState(ctx context.Context, state core.EscrowState) ([]*core.Escrow, error) {
	return s.list(ctx, `SELECT document, version FROM escrows WHERE state = $1 ORDER BY created_at`, string(state))
}

func (s *PostgresEscrowStore) list(ctx context.Context, query string, args ...any) ([]*core.Escrow, error) {
	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrows: %w", err)
	}
	defer rows.Close()

	out := make([]*core.Escrow, 0)
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, escrow)
	}
	return out, rows.Err()
}

func scanEscrow(row pgx.Row) (*core.Escrow, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}

	var escrow core.Escrow
	if err := json.Unmarshal(doc, &escrow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escrow: %w", err)
	}
	escrow.Version = version
	return &escrow, nil
}

// PostgresPaymentRequestStore implements ports.PaymentRequestStore
type PostgresPaymentRequestStore struct {
	db *Postgres
}

func NewPostgresPaymentRequestStore(db *Postgres) *PostgresPaymentRequestStore {
	return &PostgresPaymentRequestStore{db: db}
}

func (s *PostgresPaymentRequestStore) Create(ctx context.Context, req *core.PaymentRequest) error {
	req.Version = 1
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal payment request: %w", err)
	}

	tag, err := s.db.pool.Exec(ctx, `
INSERT INTO payment_requests (id, status, document, version, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`, req.ID, string(req.Status), doc, req.Version, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

func (s *PostgresPaymentRequestStore) Get(ctx context.Context, id string) (*core.PaymentRequest, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT document, version FROM payment_requests WHERE id = $1`, id)
	req, err := scanPaymentRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return req, err
}

func (s *PostgresPaymentRequestStore) CompareAndSwap(ctx context.Context, req *core.PaymentRequest) error {
	next := req.Clone()
	next.Version = req.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal payment request: %w", err)
	}

	tag, err := s.db.pool.Exec(ctx, `
UPDATE payment_requests SET status = $1, document = $2, version = version + 1
WHERE id = $3 AND version = $4
`, string(req.Status), doc, req.ID, req.Version)
	if err != nil {
		return fmt.Errorf("failed to update payment request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.db.missingOrConflict(ctx, `SELECT 1 FROM payment_requests WHERE id = $1`, req.ID)
	}

	req.Version = next.Version
	return nil
}

func (s *PostgresPaymentRequestStore) ListByStatus(ctx context.Context, status core.PaymentStatus) ([]*core.PaymentRequest, error) {
	rows, err := s.db.pool.Query(ctx, `
SELECT document, version FROM payment_requests WHERE status = $1 ORDER BY created_at
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query payment requests: %w", err)
	}
	defer rows.Close()

	out := make([]*core.PaymentRequest, 0)
	for rows.Next() {
		req, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresPaymentRequestStore) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM payment_requests WHERE status = $1 AND created_at < $2`,
		string(core.PaymentFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge payment requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPaymentRequest(row pgx.Row) (*core.PaymentRequest, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}

	var req core.PaymentRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment request: %w", err)
	}
	req.Version = version
	return &req, nil
}

// PostgresPaymentRecordStore implements ports.PaymentRecordStore
type PostgresPaymentRecordStore struct {
	db *Postgres
}

func NewPostgresPaymentRecordStore(db *Postgres) *PostgresPaymentRecordStore {
	return &PostgresPaymentRecordStore{db: db}
}

func (s *PostgresPaymentRecordStore) Create(ctx context.Context, record *core.PaymentRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	tag, err := s.db.pool.Exec(ctx, `
INSERT INTO payment_records (payment_id, document, version, created_at)
VALUES ($1, $2, 1, $3)
ON CONFLICT (payment_id) DO NOTHING
`, record.PaymentID, doc, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAlreadyExists
	}

	record.Version = 1
	return nil
}

func (s *PostgresPaymentRecordStore) Get(ctx context.Context, paymentID string) (*core.PaymentRecord, error) {
	var doc []byte
	var version int64
	err := s.db.pool.QueryRow(ctx, `
SELECT document, version FROM payment_records WHERE payment_id = $1
`, paymentID).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record core.PaymentRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment record: %w", err)
	}
	record.Version = version
	return &record, nil
}

func (s *PostgresPaymentRecordStore) CompareAndSwap(ctx context.Context, record *core.PaymentRecord) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	tag, err := s.db.pool.Exec(ctx, `
UPDATE payment_records SET document = $1, version = version + 1
WHERE payment_id = $2 AND version = $3
`, doc, record.PaymentID, record.Version)
	if err != nil {
		return fmt.Errorf("failed to update payment record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.db.missingOrConflict(ctx, `SELECT 1 FROM payment_records WHERE payment_id = $1`, record.PaymentID)
	}

	record.Version++
	return nil
}

// DeleteOlderThan is a single statement, so in-flight inserts are unaffected
func (s *PostgresPaymentRecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM payment_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge payment records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) missingOrConflict(ctx context.Context, query, id string) error {
	var one int
	err := p.pool.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	return core.ErrVersionConflict
}
