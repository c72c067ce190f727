package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/ledger"
)

const txColumns = `id, owner_id, address, hash, state, tx_ref, prior_tx_refs, attempts,
	next_attempt_at, submitted_at, confirmed_at, block_ref, failure_reason,
	superseded_by, lease_until, version, created_at, updated_at`

// PostgresStore persists transactions in the anchor_transactions table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	tx.Version = 1
	if _, err := s.pool.Exec(ctx, insertSQL, insertArgs(tx)...); err != nil {
		return fmt.Errorf("insert anchor transaction: %w", err)
	}
	return nil
}

// CreateSuperseding implements Store.
func (s *PostgresStore) CreateSuperseding(ctx context.Context, next *Transaction, prior []*Transaction) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck

	for _, p := range prior {
		tag, err := dbtx.Exec(ctx, updateSQL, updateArgs(p)...)
		if err != nil {
			return fmt.Errorf("supersede %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}
	next.Version = 1
	if _, err := dbtx.Exec(ctx, insertSQL, insertArgs(next)...); err != nil {
		return fmt.Errorf("insert anchor transaction: %w", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit supersession: %w", err)
	}
	for _, p := range prior {
		p.Version++
	}

	s.logger.Debug("anchor transaction created",
		zap.String("tx_id", next.ID.String()),
		zap.String("owner_id", next.OwnerID),
		zap.Int("superseded", len(prior)),
	)
	return nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	tag, err := s.pool.Exec(ctx, updateSQL, updateArgs(tx)...)
	if err != nil {
		return fmt.Errorf("update anchor transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM anchor_transactions WHERE id = $1)`, tx.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check anchor transaction: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	tx.Version++
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM anchor_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// Current implements Store.
func (s *PostgresStore) Current(ctx context.Context, ownerID string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM anchor_transactions
		 WHERE owner_id = $1 AND state <> 'superseded'
		 ORDER BY created_at DESC, seq DESC LIMIT 1`, ownerID)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// InFlight implements Store.
func (s *PostgresStore) InFlight(ctx context.Context, ownerID string) ([]*Transaction, error) {
	return s.query(ctx,
		`SELECT `+txColumns+` FROM anchor_transactions
		 WHERE owner_id = $1 AND state IN ('pending', 'submitted')
		 ORDER BY created_at, seq`, ownerID)
}

// ListByOwner implements Store.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Transaction, error) {
	return s.query(ctx,
		`SELECT `+txColumns+` FROM anchor_transactions
		 WHERE owner_id = $1 ORDER BY created_at, seq`, ownerID)
}

// ClaimDue implements Store. SKIP LOCKED lets several anchord instances
// share the table without claiming the same row.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Transaction, error) {
	return s.query(ctx,
		`UPDATE anchor_transactions SET lease_until = $2, version = version + 1
		 WHERE id IN (
		     SELECT id FROM anchor_transactions
		     WHERE state IN ('pending', 'submitted')
		       AND next_attempt_at <= $1
		       AND (lease_until IS NULL OR lease_until <= $1)
		     ORDER BY next_attempt_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+txColumns, now, now.Add(lease), limit)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*Transaction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query anchor transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const insertSQL = `INSERT INTO anchor_transactions (` + txColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

func insertArgs(tx *Transaction) []any {
	return []any{
		tx.ID, tx.OwnerID, tx.Address.String(), tx.Hash.String(), string(tx.State),
		string(tx.TxRef), refsToStrings(tx.PriorTxRefs), tx.Attempts,
		nullTime(tx.NextAttemptAt), tx.SubmittedAt, tx.ConfirmedAt, tx.BlockRef, tx.FailureReason,
		tx.SupersededBy, tx.LeaseUntil, tx.Version, tx.CreatedAt, tx.UpdatedAt,
	}
}

const updateSQL = `UPDATE anchor_transactions SET
	state = $3, tx_ref = $4, prior_tx_refs = $5, attempts = $6, next_attempt_at = $7,
	submitted_at = $8, confirmed_at = $9, block_ref = $10, failure_reason = $11,
	superseded_by = $12, lease_until = $13, updated_at = $14, version = version + 1
	WHERE id = $1 AND version = $2`

func updateArgs(tx *Transaction) []any {
	return []any{
		tx.ID, tx.Version, string(tx.State), string(tx.TxRef), refsToStrings(tx.PriorTxRefs),
		tx.Attempts, nullTime(tx.NextAttemptAt), tx.SubmittedAt, tx.ConfirmedAt, tx.BlockRef,
		tx.FailureReason, tx.SupersededBy, tx.LeaseUntil, tx.UpdatedAt,
	}
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		tx                   Transaction
		address, hash, state string
		txRef                string
		prior                []string
		nextAttempt          *time.Time
	)
	if err := row.Scan(
		&tx.ID, &tx.OwnerID, &address, &hash, &state, &txRef, &prior, &tx.Attempts,
		&nextAttempt, &tx.SubmittedAt, &tx.ConfirmedAt, &tx.BlockRef, &tx.FailureReason,
		&tx.SupersededBy, &tx.LeaseUntil, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan anchor transaction: %w", err)
	}

	var err error
	if tx.Address, err = ledger.ParseAddress(address); err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %v", ErrStateCorrupt, tx.ID, err)
	}
	if tx.Hash, err = canonical.ParseHash(hash); err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %v", ErrStateCorrupt, tx.ID, err)
	}
	tx.State = State(state)
	tx.TxRef = ledger.TxRef(txRef)
	for _, r := range prior {
		tx.PriorTxRefs = append(tx.PriorTxRefs, ledger.TxRef(r))
	}
	if nextAttempt != nil {
		tx.NextAttemptAt = *nextAttempt
	}
	return &tx, nil
}

func refsToStrings(refs []ledger.TxRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = string(r)
	}
	return out
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
