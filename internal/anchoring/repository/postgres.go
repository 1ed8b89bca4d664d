package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

const recordColumns = `id, fingerprint, metadata, status, submission_ref, nonce, batch_id,
	chain_timestamp, retry_count, failure_reason, last_error, submitted_at, confirmed_at,
	created_at, updated_at`

// PostgresRecordRepository persists AnchorRecords in the anchor_records table.
type PostgresRecordRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRecordRepository creates a new PostgresRecordRepository.
func NewPostgresRecordRepository(db *pgxpool.Pool) *PostgresRecordRepository {
	return &PostgresRecordRepository{db: db}
}

// CreateIfAbsent inserts rec unless a record for the same fingerprint exists.
// It returns the stored record and whether it was created by this call.
func (r *PostgresRecordRepository) CreateIfAbsent(ctx context.Context, rec *model.AnchorRecord) (*model.AnchorRecord, bool, error) {
	query := `
		INSERT INTO anchor_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (fingerprint) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, recordArgs(rec)...)
	if err != nil {
		return nil, false, fmt.Errorf("insert anchor record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec.Clone(), true, nil
	}
	existing, err := r.Get(ctx, rec.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns the record for fp.
func (r *PostgresRecordRepository) Get(ctx context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE fingerprint = $1`, fp.String())
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get anchor record: %w", err)
	}
	return rec, nil
}

// Update overwrites rec if the stored status still equals from.
func (r *PostgresRecordRepository) Update(ctx context.Context, rec *model.AnchorRecord, from model.Status) error {
	if rec.Status != from && !model.CanTransition(from, rec.Status) {
		return fmt.Errorf("%s -> %s: %w", from, rec.Status, model.ErrInvalidTransition)
	}
	rec.UpdatedAt = time.Now().UTC()

	nonce, chainTS := toInt8(rec.Nonce), toInt8(rec.ChainTimestamp)

	query := `
		UPDATE anchor_records SET
			status = $3, submission_ref = $4, nonce = $5, batch_id = $6,
			chain_timestamp = $7, retry_count = $8, failure_reason = $9, last_error = $10,
			submitted_at = $11, confirmed_at = $12, updated_at = $13
		WHERE fingerprint = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query,
		rec.Fingerprint.String(), string(from),
		string(rec.Status), rec.SubmissionRef, nonce, rec.BatchID,
		chainTS, rec.RetryCount, string(rec.FailureReason), rec.LastError,
		rec.SubmittedAt, rec.ConfirmedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update anchor record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, rec.Fingerprint); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ListByStatus returns up to limit records in status, oldest update first.
func (r *PostgresRecordRepository) ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.AnchorRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM anchor_records
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY updated_at ASC
		 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list anchor records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListRecentByStatus returns up to limit records in status updated at or
// after since, most recent first.
func (r *PostgresRecordRepository) ListRecentByStatus(ctx context.Context, status model.Status, since time.Time, limit int) ([]*model.AnchorRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+recordColumns+` FROM anchor_records
		 WHERE status = $1 AND updated_at >= $2
		 ORDER BY updated_at DESC
		 LIMIT $3`, string(status), since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent anchor records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*model.AnchorRecord, error) {
	var out []*model.AnchorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func recordArgs(rec *model.AnchorRecord) []any {
	nonce, chainTS := toInt8(rec.Nonce), toInt8(rec.ChainTimestamp)
	return []any{
		rec.ID, rec.Fingerprint.String(), rec.Metadata, string(rec.Status),
		rec.SubmissionRef, nonce, rec.BatchID, chainTS, rec.RetryCount,
		string(rec.FailureReason), rec.LastError, rec.SubmittedAt, rec.ConfirmedAt,
		rec.CreatedAt, rec.UpdatedAt,
	}
}

func scanRecord(row pgx.Row) (*model.AnchorRecord, error) {
	var (
		rec            model.AnchorRecord
		fp             string
		status, reason string
		nonce, chainTS *int64
	)
	err := row.Scan(
		&rec.ID, &fp, &rec.Metadata, &status,
		&rec.SubmissionRef, &nonce, &rec.BatchID,
		&chainTS, &rec.RetryCount, &reason, &rec.LastError,
		&rec.SubmittedAt, &rec.ConfirmedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := ledger.ParseFingerprint(fp)
	if err != nil {
		return nil, fmt.Errorf("stored fingerprint %q: %w", fp, err)
	}
	rec.Fingerprint = parsed
	rec.Status = model.Status(status)
	rec.FailureReason = model.FailureReason(reason)
	rec.Nonce = fromInt8(nonce)
	rec.ChainTimestamp = fromInt8(chainTS)
	return &rec, nil
}

// Nonces and ledger timestamps are stored as BIGINT.
func toInt8(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func fromInt8(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	n := uint64(*v)
	return &n
}
