package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safetrip/idanchor/internal/canonical"
)

const entryColumns = `id, action, owner_id, hash, created_at, verified_on_chain,
	verified_at, last_reconciled_at, last_result`

// PostgresStore persists the audit log in audit_log_entries and
// audit_discrepancies.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Action, e.OwnerID, e.Hash.String(), e.CreatedAt, e.VerifiedOnChain,
		e.VerifiedAt, e.LastReconciledAt, string(e.LastResult),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_log_entries WHERE id = $1`, id)
	return scanOne(row)
}

// MarkReconciled implements Store. The OR keeps the update monotonic even
// when two reconcilers race.
func (s *PostgresStore) MarkReconciled(ctx context.Context, id uuid.UUID, result Result, verified bool, at time.Time) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE audit_log_entries SET
		     verified_on_chain  = verified_on_chain OR $2,
		     verified_at        = CASE WHEN NOT verified_on_chain AND $2 THEN $3 ELSE verified_at END,
		     last_reconciled_at = $3,
		     last_result        = $4
		 WHERE id = $1
		 RETURNING `+entryColumns,
		id, verified, at, string(result),
	)
	return scanOne(row)
}

// ListUnverified implements Store.
func (s *PostgresStore) ListUnverified(ctx context.Context, reconciledBefore time.Time, limit int) ([]*Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM audit_log_entries
		 WHERE verified_on_chain = false
		   AND (last_reconciled_at IS NULL OR last_reconciled_at < $1)
		 ORDER BY last_reconciled_at NULLS FIRST, seq
		 LIMIT $2`, reconciledBefore, limit)
}

// LatestForOwner implements Store.
func (s *PostgresStore) LatestForOwner(ctx context.Context, ownerID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_log_entries
		 WHERE owner_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, ownerID)
	return scanOne(row)
}

// ListByOwner implements Store.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM audit_log_entries
		 WHERE owner_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, ownerID, limit)
}

// RecordDiscrepancy implements Store.
func (s *PostgresStore) RecordDiscrepancy(ctx context.Context, d *Discrepancy) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO audit_discrepancies (id, entry_id, owner_id, entry_hash, ledger_hash, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (entry_id, ledger_hash) DO NOTHING`,
		d.ID, d.EntryID, d.OwnerID, d.EntryHash.String(), d.LedgerHash.String(), d.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert discrepancy: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDiscrepancies implements Store.
func (s *PostgresStore) ListDiscrepancies(ctx context.Context, ownerID string) ([]*Discrepancy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entry_id, owner_id, entry_hash, ledger_hash, detected_at
		 FROM audit_discrepancies WHERE owner_id = $1 ORDER BY detected_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*Discrepancy
	for rows.Next() {
		var (
			d                     Discrepancy
			entryHash, ledgerHash string
		)
		if err := rows.Scan(&d.ID, &d.EntryID, &d.OwnerID, &entryHash, &ledgerHash, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		if d.EntryHash, err = canonical.ParseHash(entryHash); err != nil {
			return nil, fmt.Errorf("discrepancy %s: %w", d.ID, err)
		}
		if d.LedgerHash, err = canonical.ParseHash(ledgerHash); err != nil {
			return nil, fmt.Errorf("discrepancy %s: %w", d.ID, err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOne(row pgx.Row) (*Entry, error) {
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e            Entry
		hash, result string
	)
	if err := row.Scan(&e.ID, &e.Action, &e.OwnerID, &hash, &e.CreatedAt, &e.VerifiedOnChain,
		&e.VerifiedAt, &e.LastReconciledAt, &result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	h, err := canonical.ParseHash(hash)
	if err != nil {
		return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
	}
	e.Hash = h
	e.LastResult = Result(result)
	return &e, nil
}
