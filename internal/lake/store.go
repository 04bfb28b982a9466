// Package lake owns the three-tier table store: an append-only bronze log,
// the deduplicated silver current-state table, and the derived gold summary.
package lake

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Logical table names. Their presence in the storage catalog is checked
// before any read; a missing table is an expected state, not an error.
const (
	BronzeTable = "bronze_tickets"
	SilverTable = "silver_tickets"
	GoldTable   = "gold_tickets_summary"
)

// Summary maps source database to per-status row counts of the gold table.
type Summary map[string]map[string]int64

// Record is one deduplicated change applied to the silver table.
// Op decides between upsert and delete during the merge.
type Record struct {
	ID         int64
	ProjectID  int64
	ReporterID int64
	Status     string
	Priority   string
	SourceDB   string
	Op         string
	TsMs       int64
}

// Store provides the merge and overwrite operations on the layered tables.
// Each exported method is atomic: it either fully applies or leaves the
// table untouched.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the store database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TableExists reports whether the named table is present in the catalog.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return true, nil
}

// AppendBronze appends the verbatim message bodies to the raw log as one
// atomic write. Bronze rows are immutable and never deleted.
func (s *Store) AppendBronze(ctx context.Context, raws [][]byte) error {
	if len(raws) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bronze append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+BronzeTable+` (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			raw_payload  TEXT NOT NULL,
			ingested_at  TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("ensure bronze table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+BronzeTable+` (raw_payload, ingested_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare bronze insert: %w", err)
	}
	defer stmt.Close()

	ingestedAt := time.Now().UTC().Format(time.RFC3339Nano)
	for _, raw := range raws {
		if _, err := stmt.ExecContext(ctx, string(raw), ingestedAt); err != nil {
			return fmt.Errorf("bronze insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bronze append: %w", err)
	}
	return nil
}

// MergeSilver applies a deduplicated batch to the current-state table.
//
// When the table already exists: non-delete records upsert the full row,
// delete records remove the row (a delete for an unknown key is a no-op).
// When it does not, the table is bootstrapped from the batch's non-delete
// records. The whole merge is one transaction.
func (s *Store) MergeSilver(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	exists, err := s.TableExists(ctx, SilverTable)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin silver merge: %w", err)
	}
	defer tx.Rollback()

	if !exists {
		if err := bootstrapSilver(ctx, tx, recs); err != nil {
			return err
		}
	} else if err := mergeSilver(ctx, tx, recs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit silver merge: %w", err)
	}
	return nil
}

func bootstrapSilver(ctx context.Context, tx *sql.Tx, recs []Record) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE `+SilverTable+` (
			id           INTEGER NOT NULL,
			source_db    TEXT NOT NULL,
			project_id   INTEGER,
			reporter_id  INTEGER,
			status       TEXT,
			priority     TEXT,
			last_op      TEXT NOT NULL,
			ts_ms        INTEGER NOT NULL,
			PRIMARY KEY (id, source_db)
		)`); err != nil {
		return fmt.Errorf("create silver table: %w", err)
	}

	for _, r := range recs {
		if r.Op == "d" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+SilverTable+`
				(id, source_db, project_id, reporter_id, status, priority, last_op, ts_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SourceDB, r.ProjectID, r.ReporterID, r.Status, r.Priority, r.Op, r.TsMs,
		); err != nil {
			return fmt.Errorf("bootstrap silver insert: %w", err)
		}
	}
	return nil
}

func mergeSilver(ctx context.Context, tx *sql.Tx, recs []Record) error {
	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO `+SilverTable+`
			(id, source_db, project_id, reporter_id, status, priority, last_op, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, source_db) DO UPDATE SET
			project_id  = excluded.project_id,
			reporter_id = excluded.reporter_id,
			status      = excluded.status,
			priority    = excluded.priority,
			last_op     = excluded.last_op,
			ts_ms       = excluded.ts_ms`)
	if err != nil {
		return fmt.Errorf("prepare silver upsert: %w", err)
	}
	defer upsert.Close()

	del, err := tx.PrepareContext(ctx,
		`DELETE FROM `+SilverTable+` WHERE id = ? AND source_db = ?`)
	if err != nil {
		return fmt.Errorf("prepare silver delete: %w", err)
	}
	defer del.Close()

	for _, r := range recs {
		if r.Op == "d" {
			if _, err := del.ExecContext(ctx, r.ID, r.SourceDB); err != nil {
				return fmt.Errorf("silver delete: %w", err)
			}
			continue
		}
		if _, err := upsert.ExecContext(ctx,
			r.ID, r.SourceDB, r.ProjectID, r.ReporterID, r.Status, r.Priority, r.Op, r.TsMs,
		); err != nil {
			return fmt.Errorf("silver upsert: %w", err)
		}
	}
	return nil
}

// RecomputeGold rebuilds the gold summary wholesale from the silver
// snapshot and atomically overwrites the gold table. Returns nil (and
// writes nothing) while the silver table does not exist yet.
func (s *Store) RecomputeGold(ctx context.Context) (Summary, error) {
	exists, err := s.TableExists(ctx, SilverTable)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin gold recompute: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+GoldTable+` (
			source_db  TEXT NOT NULL,
			status     TEXT NOT NULL,
			count      INTEGER NOT NULL,
			PRIMARY KEY (source_db, status)
		)`); err != nil {
		return nil, fmt.Errorf("ensure gold table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+GoldTable); err != nil {
		return nil, fmt.Errorf("clear gold table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+GoldTable+` (source_db, status, count)
		SELECT source_db, status, COUNT(*)
		FROM `+SilverTable+`
		GROUP BY source_db, status`); err != nil {
		return nil, fmt.Errorf("aggregate silver: %w", err)
	}

	summary, err := readSummary(ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit gold recompute: %w", err)
	}
	return summary, nil
}

// ReadGoldSummary reads the current gold table, or nil if it does not
// exist yet.
func (s *Store) ReadGoldSummary(ctx context.Context) (Summary, error) {
	exists, err := s.TableExists(ctx, GoldTable)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return readSummary(ctx, s.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readSummary(ctx context.Context, q querier) (Summary, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT source_db, status, count FROM `+GoldTable)
	if err != nil {
		return nil, fmt.Errorf("read gold summary: %w", err)
	}
	defer rows.Close()

	summary := Summary{}
	for rows.Next() {
		var db, status string
		var count int64
		if err := rows.Scan(&db, &status, &count); err != nil {
			return nil, fmt.Errorf("scan gold row: %w", err)
		}
		if summary[db] == nil {
			summary[db] = map[string]int64{}
		}
		summary[db][status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gold rows: %w", err)
	}
	return summary, nil
}

// CountSilver returns the number of current-state rows, or zero when the
// table does not exist.
func (s *Store) CountSilver(ctx context.Context) (int64, error) {
	exists, err := s.TableExists(ctx, SilverTable)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+SilverTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("count silver: %w", err)
	}
	return n, nil
}
