// Package store persists scans, chunk outcomes and findings in SQLite.
// The manager's in-memory state is authoritative while the process runs;
// the store exists for durability and for serving paginated findings.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store wraps the SQLite handle. Safe for concurrent use; database/sql
// serializes access to the single connection modernc sqlite hands out.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New runs migrations from schema.sql and returns a ready Store.
func New(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Open creates the storage root if needed and opens scans.db inside it.
func Open(storageRoot string, logger logging.Logger) (*Store, error) {
	root := filepath.Clean(storageRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure storage root %s: %w", root, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(root, "scans.db"))
	if err != nil {
		return nil, fmt.Errorf("open scans.db: %w", err)
	}
	st, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveScan upserts the scan record. Called on creation and on every
// lifecycle transition.
func (s *Store) SaveScan(ctx context.Context, sc *scan.Scan) error {
	opts, err := json.Marshal(sc.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scans (id, target, spec_ref, options, status, partial,
			failed_chunks, last_failure, total_endpoints,
			created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			partial = excluded.partial,
			failed_chunks = excluded.failed_chunks,
			last_failure = excluded.last_failure,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		sc.ID, sc.Target, sc.SpecRef, string(opts), sc.Status.String(),
		boolToInt(sc.Partial), sc.FailedChunks, sc.LastFailure,
		sc.TotalEndpoints, timeText(sc.CreatedAt), nullTime(sc.StartedAt),
		nullTime(sc.FinishedAt))
	if err != nil {
		return fmt.Errorf("save scan %s: %w", sc.ID, err)
	}
	return nil
}

// SaveChunk upserts one chunk's state. The manager calls this when chunks
// are created and again when they reach a terminal status.
func (s *Store) SaveChunk(ctx context.Context, c *scan.Chunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, scan_id, idx, status, retry_count,
			stop_reason, last_error, endpoints_done, endpoints_total,
			requests_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			stop_reason = excluded.stop_reason,
			last_error = excluded.last_error,
			endpoints_done = excluded.endpoints_done,
			requests_used = excluded.requests_used`,
		c.ID, c.ScanID, c.Index, string(c.Status), c.RetryCount,
		string(c.StopReason), c.LastError, c.EndpointsDone,
		len(c.Endpoints), c.RequestsUsed)
	if err != nil {
		return fmt.Errorf("save chunk %s: %w", c.ID, err)
	}
	return nil
}

// InsertFinding stores one deduplicated finding. The unique index mirrors
// the aggregator's dedup key, so a replayed insert is a no-op rather than
// an error.
func (s *Store) InsertFinding(ctx context.Context, f *scan.Finding) error {
	evidence := string(f.Evidence)
	if evidence == "" {
		evidence = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO findings (id, scan_id, chunk_id, endpoint,
			method, probe_id, severity, severity_rank, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ScanID, f.ChunkID, f.Endpoint, f.Method, f.ProbeID,
		string(f.Severity), f.Severity.Rank(), evidence)
	if err != nil {
		return fmt.Errorf("insert finding %s: %w", f.ID, err)
	}
	return nil
}

// FindingsPage returns one severity-ordered page of a scan's findings plus
// the total row count for the same filter. severity narrows to one level
// when non-empty.
func (s *Store) FindingsPage(ctx context.Context, scanID string, severity scan.Severity, limit, offset int) ([]scan.Finding, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := "scan_id = ?"
	args := []any{scanID}
	if severity != "" {
		where += " AND severity = ?"
		args = append(args, string(severity))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM findings WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count findings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scan_id, chunk_id, endpoint, method, probe_id, severity, evidence
		FROM findings WHERE `+where+`
		ORDER BY severity_rank DESC, endpoint, method
		LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []scan.Finding
	for rows.Next() {
		var f scan.Finding
		var sev, evidence string
		if err := rows.Scan(&f.ID, &f.ScanID, &f.ChunkID, &f.Endpoint,
			&f.Method, &f.ProbeID, &sev, &evidence); err != nil {
			return nil, 0, fmt.Errorf("scan finding row: %w", err)
		}
		f.Severity = scan.Severity(sev)
		f.Evidence = json.RawMessage(evidence)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate findings: %w", err)
	}
	return out, total, nil
}

// ListScans returns persisted scan records, newest first. Used at startup
// inspection and by tests; live listings come from the manager.
func (s *Store) ListScans(ctx context.Context) ([]scan.Scan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, spec_ref, options, status, partial,
			failed_chunks, last_failure, total_endpoints,
			created_at, started_at, finished_at
		FROM scans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []scan.Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetScan fetches one persisted scan record.
func (s *Store) GetScan(ctx context.Context, scanID string) (scan.Scan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, spec_ref, options, status, partial,
			failed_chunks, last_failure, total_endpoints,
			created_at, started_at, finished_at
		FROM scans WHERE id = ?`, scanID)
	if err != nil {
		return scan.Scan{}, fmt.Errorf("query scan: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return scan.Scan{}, err
		}
		return scan.Scan{}, scan.ErrScanNotFound
	}
	return scanRow(rows)
}

func scanRow(rows *sql.Rows) (scan.Scan, error) {
	var sc scan.Scan
	var opts, status, createdAt string
	var partial int
	var startedAt, finishedAt sql.NullString
	if err := rows.Scan(&sc.ID, &sc.Target, &sc.SpecRef, &opts, &status,
		&partial, &sc.FailedChunks, &sc.LastFailure, &sc.TotalEndpoints,
		&createdAt, &startedAt, &finishedAt); err != nil {
		return scan.Scan{}, fmt.Errorf("scan row: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &sc.Options); err != nil {
		return scan.Scan{}, fmt.Errorf("decode options for %s: %w", sc.ID, err)
	}
	sc.Status = scan.Status(status)
	sc.Partial = partial != 0
	sc.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		sc.StartedAt = parseTime(startedAt.String)
	}
	if finishedAt.Valid {
		sc.FinishedAt = parseTime(finishedAt.String)
	}
	return sc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeText(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeText(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
