package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/results"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS findings (
    id              UUID PRIMARY KEY,
    scan_id         TEXT NOT NULL,
    dedup_key       TEXT NOT NULL,
    url             TEXT NOT NULL,
    vuln_type       TEXT NOT NULL,
    payload         TEXT NOT NULL,
    timing_ms       BIGINT NOT NULL,
    status_code     INTEGER NOT NULL,
    server          TEXT NOT NULL DEFAULT '',
    method          TEXT NOT NULL,
    request_headers JSONB NOT NULL DEFAULT '[]',
    request_body    TEXT NOT NULL DEFAULT '',
    observed_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (scan_id, dedup_key)
);`

const insertFindingSQL = `
INSERT INTO findings (id, scan_id, dedup_key, url, vuln_type, payload, timing_ms, status_code, server, method, request_headers, request_body, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (scan_id, dedup_key) DO NOTHING;`

const selectFindingsSQL = `
SELECT url, vuln_type, payload, timing_ms, status_code, server, method, request_headers, request_body
FROM findings
WHERE scan_id = $1
ORDER BY observed_at ASC, id ASC;`

// Store persists findings in PostgreSQL, keyed by scan and dedup key.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the findings table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create findings table: %w", err)
	}
	return nil
}

// RecordFinding inserts one finding. A finding whose dedup key is already
// stored for the scan is ignored.
func (s *Store) RecordFinding(ctx context.Context, scanID string, f schemas.Finding) error {
	args, err := s.insertArgs(scanID, f)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertFindingSQL, args...); err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

// PersistFindings inserts findings in one transaction, skipping safe ones
// and duplicates.
func (s *Store) PersistFindings(ctx context.Context, scanID string, findings []schemas.Finding) (err error) {
	batch := &pgx.Batch{}
	for _, f := range findings {
		if f.IsSafe() {
			continue
		}
		args, err := s.insertArgs(scanID, f)
		if err != nil {
			return err
		}
		batch.Queue(insertFindingSQL, args...)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit reports ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert finding %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertArgs(scanID string, f schemas.Finding) ([]interface{}, error) {
	headers := f.RequestHeaders
	if headers == nil {
		headers = [][2]string{}
	}
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request headers: %w", err)
	}
	return []interface{}{
		uuid.New(), scanID, results.DedupKey(f),
		f.URL, f.VulnType, f.Payload, f.TimingMs, f.StatusCode,
		f.Server, f.Method, headerJSON, f.RequestBody,
		s.now().UTC(),
	}, nil
}

// FindingsByScan returns a scan's findings in the order they were stored.
func (s *Store) FindingsByScan(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, selectFindingsSQL, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var f schemas.Finding
		var headerJSON []byte
		if err := rows.Scan(
			&f.URL, &f.VulnType, &f.Payload, &f.TimingMs, &f.StatusCode,
			&f.Server, &f.Method, &headerJSON, &f.RequestBody,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		if len(headerJSON) > 0 {
			if err := json.Unmarshal(headerJSON, &f.RequestHeaders); err != nil {
				return nil, fmt.Errorf("failed to decode request headers: %w", err)
			}
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

// ScanRecorder binds a Store to one scan so it can serve as the results
// aggregator's recorder.
type ScanRecorder struct {
	store  *Store
	scanID string
}

// NewScanRecorder creates a recorder for scanID.
func NewScanRecorder(store *Store, scanID string) *ScanRecorder {
	return &ScanRecorder{store: store, scanID: scanID}
}

// RecordFinding implements results.Recorder.
func (r *ScanRecorder) RecordFinding(ctx context.Context, f schemas.Finding) error {
	return r.store.RecordFinding(ctx, r.scanID, f)
}

var _ results.Recorder = (*ScanRecorder)(nil)
