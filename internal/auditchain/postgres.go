package auditchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across every anchord instance sharing
// the database. The value is arbitrary but must never change.
const advisoryLockKey = int64(2_034_118_771)

const entryColumns = `idx, timestamp, fingerprint, action, actor, data_hash, prev_hash, hash`

// PostgresLog persists the audit chain in the audit_chain table.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog. The genesis row is inserted by the migration.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log. The tail read and insert run in one transaction
// holding a transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, fingerprint, action, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	entry := &Entry{
		Index:       prevIdx + 1,
		Timestamp:   time.Now().UTC(),
		Fingerprint: fingerprint,
		Action:      action,
		Actor:       actor,
		DataHash:    sha256Sum(payloadJSON),
		PrevHash:    prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_chain (`+entryColumns+`, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Index, entry.Timestamp, entry.Fingerprint,
		entry.Action, entry.Actor, entry.DataHash,
		entry.PrevHash, entry.Hash, payloadJSON,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("fingerprint", entry.Fingerprint),
	)
	return entry, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	entry, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_chain WHERE idx = $1`, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return entry, nil
}

// List implements Log.
func (l *PostgresLog) List(ctx context.Context, offset, limit int) ([]*Entry, error) {
	if offset < 0 {
		offset = 0
	}
	return l.query(ctx,
		`SELECT `+entryColumns+` FROM audit_chain WHERE idx >= $1 ORDER BY idx ASC LIMIT $2`,
		offset, limit)
}

// ForFingerprint implements Log.
func (l *PostgresLog) ForFingerprint(ctx context.Context, fingerprint string) ([]*Entry, error) {
	return l.query(ctx,
		`SELECT `+entryColumns+` FROM audit_chain WHERE fingerprint = $1 ORDER BY idx ASC`,
		fingerprint)
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams every row; O(n) in chain length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+entryColumns+` FROM audit_chain ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get audit root: %w", err)
	}
	return hash, nil
}

func (l *PostgresLog) query(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	err := row.Scan(
		&e.Index, &e.Timestamp, &e.Fingerprint,
		&e.Action, &e.Actor, &e.DataHash,
		&e.PrevHash, &e.Hash,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
