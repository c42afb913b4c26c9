package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"zec-relay/internal/fees"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested deposit does not exist.
	ErrNotFound = errors.New("storage: deposit not found")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS deposits (
        deposit_id          TEXT PRIMARY KEY,
        user_address        TEXT NOT NULL,
        asset               TEXT NOT NULL,
        amount              NUMERIC NOT NULL,
        destination_address TEXT NOT NULL,
        status              TEXT NOT NULL DEFAULT 'pending',
        source_tx           TEXT,
        payout_tx           TEXT,
        failure_reason      TEXT,
        created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE UNIQUE INDEX IF NOT EXISTS deposits_source_tx_idx
        ON deposits (source_tx) WHERE source_tx IS NOT NULL;
    CREATE TABLE IF NOT EXISTS fee_samples (
        sampled_at TIMESTAMPTZ PRIMARY KEY,
        p50        BIGINT NOT NULL,
        p95        BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createDepositSQL = `INSERT INTO deposits (
        deposit_id,
        user_address,
        asset,
        amount,
        destination_address,
        status,
        source_tx
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	depositColumns = `deposit_id,
        user_address,
        asset,
        amount::text,
        destination_address,
        status,
        source_tx,
        payout_tx,
        failure_reason,
        created_at,
        updated_at`

	getDepositSQL = `SELECT ` + depositColumns + `
    FROM deposits WHERE deposit_id = $1;`

	findBySourceTxSQL = `SELECT ` + depositColumns + `
    FROM deposits WHERE source_tx = $1;`

	listRecentDepositsSQL = `SELECT ` + depositColumns + `
    FROM deposits ORDER BY created_at DESC LIMIT $1;`

	// The processing transition doubles as the idempotency gate: only a
	// deposit still pending, whose source_tx is unset (or already stamped
	// with the same signature by the intake path), can be won.
	markProcessingSQL = `UPDATE deposits
    SET status = 'processing', source_tx = $2, updated_at = now()
    WHERE deposit_id = $1
      AND status = 'pending'
      AND (source_tx IS NULL OR source_tx = '' OR source_tx = $2);`

	markSentSQL = `UPDATE deposits
    SET status = 'sent', payout_tx = $2, updated_at = now()
    WHERE deposit_id = $1
      AND status = 'processing'
      AND (payout_tx IS NULL OR payout_tx = '');`

	markFailedSQL = `UPDATE deposits
    SET status = 'failed', failure_reason = $2, updated_at = now()
    WHERE deposit_id = $1
      AND status IN ('pending','processing');`

	reopenSQL = `UPDATE deposits
    SET status = 'processing', failure_reason = NULL, updated_at = now()
    WHERE deposit_id = $1
      AND status IN ('processing','failed')
      AND (payout_tx IS NULL OR payout_tx = '');`

	insertFeeSampleSQL = `INSERT INTO fee_samples (sampled_at, p50, p95)
    VALUES ($1,$2,$3)
    ON CONFLICT (sampled_at) DO UPDATE
    SET p50 = EXCLUDED.p50, p95 = EXCLUDED.p95;`

	listFeeSamplesBetweenSQL = `SELECT sampled_at, p50, p95
    FROM fee_samples
    WHERE sampled_at >= $1 AND sampled_at < $2
    ORDER BY sampled_at;`

	listRecentFeeSamplesSQL = `SELECT sampled_at, p50, p95
    FROM fee_samples ORDER BY sampled_at DESC LIMIT $1;`
)

// DepositStore defines the ledger operations the settlement paths use.
type DepositStore interface {
	CreateDeposit(ctx context.Context, deposit Deposit) error
	GetDeposit(ctx context.Context, depositID string) (Deposit, error)
	FindBySourceTx(ctx context.Context, sourceTx string) (Deposit, error)
	ListRecentDeposits(ctx context.Context, limit int) ([]Deposit, error)
	MarkProcessing(ctx context.Context, depositID, sourceTx string) (bool, error)
	MarkSent(ctx context.Context, depositID, payoutTx string) (bool, error)
	MarkFailed(ctx context.Context, depositID, reason string) error
	Reopen(ctx context.Context, depositID string) (bool, error)
}

// FeeSampleStore persists the priority-fee history.
type FeeSampleStore interface {
	InsertFeeSample(ctx context.Context, sample fees.Sample) error
	ListFeeSamplesBetween(ctx context.Context, from, to time.Time) ([]fees.Sample, error)
	ListRecentFeeSamples(ctx context.Context, limit int) ([]fees.Sample, error)
}

// Store aggregates access to deposits and fee samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateDeposit persists a new deposit record.
func (s *Store) CreateDeposit(ctx context.Context, deposit Deposit) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	status := deposit.Status
	if status == "" {
		status = StatusPending
	}

	var sourceTx interface{}
	if deposit.SourceTx != "" {
		sourceTx = deposit.SourceTx
	}

	if _, err := pool.Exec(ctx, createDepositSQL,
		deposit.DepositID,
		deposit.UserAddress,
		deposit.Asset,
		deposit.Amount.String(),
		deposit.DestinationAddress,
		string(status),
		sourceTx,
	); err != nil {
		return fmt.Errorf("create deposit: %w", err)
	}
	return nil
}

// GetDeposit loads a deposit by its id.
func (s *Store) GetDeposit(ctx context.Context, depositID string) (Deposit, error) {
	pool, err := s.getPool()
	if err != nil {
		return Deposit{}, err
	}
	return scanDeposit(pool.QueryRow(ctx, getDepositSQL, depositID))
}

// FindBySourceTx loads a deposit by its source-chain signature.
func (s *Store) FindBySourceTx(ctx context.Context, sourceTx string) (Deposit, error) {
	pool, err := s.getPool()
	if err != nil {
		return Deposit{}, err
	}
	return scanDeposit(pool.QueryRow(ctx, findBySourceTxSQL, sourceTx))
}

// ListRecentDeposits lists the most recent deposits, newest first.
func (s *Store) ListRecentDeposits(ctx context.Context, limit int) ([]Deposit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDepositsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deposits: %w", queryErr)
	}
	defer rows.Close()

	deposits := make([]Deposit, 0, limit)
	for rows.Next() {
		deposit, scanErr := scanDeposit(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deposits = append(deposits, deposit)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deposits, nil
}

// MarkProcessing attempts the conditional pending→processing transition
// and reports whether this caller won it.
func (s *Store) MarkProcessing(ctx context.Context, depositID, sourceTx string) (bool, error) {
	return s.conditional(ctx, markProcessingSQL, depositID, sourceTx)
}

// MarkSent records the payout transaction and finalises the deposit.
func (s *Store) MarkSent(ctx context.Context, depositID, payoutTx string) (bool, error) {
	return s.conditional(ctx, markSentSQL, depositID, payoutTx)
}

// MarkFailed moves a non-terminal deposit into the failed state.
func (s *Store) MarkFailed(ctx context.Context, depositID, reason string) error {
	_, err := s.conditional(ctx, markFailedSQL, depositID, reason)
	return err
}

// Reopen returns a stuck or failed deposit without a payout to
// processing so an operator can re-drive it.
func (s *Store) Reopen(ctx context.Context, depositID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, reopenSQL, depositID)
	if execErr != nil {
		return false, fmt.Errorf("reopen deposit: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) conditional(ctx context.Context, query, depositID, arg string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, query, depositID, arg)
	if execErr != nil {
		return false, fmt.Errorf("update deposit %s: %w", depositID, execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertFeeSample upserts one priority-fee observation.
func (s *Store) InsertFeeSample(ctx context.Context, sample fees.Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertFeeSampleSQL, sample.SampledAt, sample.P50, sample.P95); err != nil {
		return fmt.Errorf("insert fee sample: %w", err)
	}
	return nil
}

// ListFeeSamplesBetween lists samples within a time window.
func (s *Store) ListFeeSamplesBetween(ctx context.Context, from, to time.Time) ([]fees.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listFeeSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list fee samples: %w", queryErr)
	}
	defer rows.Close()
	return scanFeeSamples(rows)
}

// ListRecentFeeSamples lists the most recent samples, newest first.
func (s *Store) ListRecentFeeSamples(ctx context.Context, limit int) ([]fees.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentFeeSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent fee samples: %w", queryErr)
	}
	defer rows.Close()
	return scanFeeSamples(rows)
}

func scanFeeSamples(rows pgx.Rows) ([]fees.Sample, error) {
	samples := make([]fees.Sample, 0)
	for rows.Next() {
		var sample fees.Sample
		if err := rows.Scan(&sample.SampledAt, &sample.P50, &sample.P95); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanDeposit(row pgx.Row) (Deposit, error) {
	var (
		deposit   Deposit
		amountStr string
		sourceTx  sql.NullString
		payoutTx  sql.NullString
		reason    sql.NullString
		status    string
	)

	if err := row.Scan(
		&deposit.DepositID,
		&deposit.UserAddress,
		&deposit.Asset,
		&amountStr,
		&deposit.DestinationAddress,
		&status,
		&sourceTx,
		&payoutTx,
		&reason,
		&deposit.CreatedAt,
		&deposit.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deposit{}, ErrNotFound
		}
		return Deposit{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Deposit{}, fmt.Errorf("parse deposit amount: %w", err)
	}

	deposit.Amount = amount
	deposit.Status = Status(status)
	deposit.SourceTx = sourceTx.String
	deposit.PayoutTx = payoutTx.String
	deposit.FailureReason = reason.String
	return deposit, nil
}

var _ DepositStore = (*Store)(nil)
var _ FeeSampleStore = (*Store)(nil)
var _ fees.HistoryStore = (*Store)(nil)
