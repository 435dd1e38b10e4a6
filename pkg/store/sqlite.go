package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/go-go-golems/toolsmith/pkg/review"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	dialogueRecordsTable = "dialogue_records"
	attemptFailuresTable = "attempt_failures"
)

// SQLiteStore keeps records and failures in a sqlite database. Review
// decisions live in the same database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: db path is empty")
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	// sqlite allows a single writer at a time
	db.SetMaxOpenConns(1)
	if err := ensureTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Decisions returns the review decision source backed by this database.
func (s *SQLiteStore) Decisions() (*review.SQLiteDecisions, error) {
	return review.NewSQLiteDecisions(s.db)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "could not marshal record")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO dialogue_records (
  dialogue_id,
  archetype,
  disposition,
  final_difficulty,
  record_json,
  created_at_ms
) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.DialogueID,
		string(rec.Archetype),
		string(rec.Disposition),
		nullableFloat(rec.FinalDifficulty),
		string(recordJSON),
		time.Now().UnixMilli(),
	)
	return errors.Wrapf(err, "could not save record %s", rec.DialogueID)
}

func (s *SQLiteStore) SaveFailure(ctx context.Context, f Failure) error {
	reasonsJSON, err := json.Marshal(f.Reasons)
	if err != nil {
		return err
	}
	trajectoryJSON, err := json.Marshal(f.Trajectory)
	if err != nil {
		return err
	}
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO attempt_failures (
  dialogue_id,
  archetype,
  status,
  cycles,
  trajectory_json,
  reasons_json,
  error,
  created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.DialogueID,
		string(f.Archetype),
		string(f.Status),
		f.Cycles,
		string(trajectoryJSON),
		string(reasonsJSON),
		nullableString(f.Error),
		createdAt.UnixMilli(),
	)
	return errors.Wrapf(err, "could not save failure %s", f.DialogueID)
}

func (s *SQLiteStore) Get(ctx context.Context, dialogueID string) (Record, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM dialogue_records WHERE dialogue_id = ?`, dialogueID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "could not read record %s", dialogueID)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, errors.Wrapf(err, "record %s is corrupt", dialogueID)
	}
	return rec, true, nil
}

// Update replaces a stored record, typically after a review was resolved.
func (s *SQLiteStore) Update(ctx context.Context, rec Record) error {
	return s.Save(ctx, rec)
}

// Records lists records, optionally restricted to one disposition, oldest
// first.
func (s *SQLiteStore) Records(ctx context.Context, disposition report.Disposition) ([]Record, error) {
	query := `SELECT record_json FROM dialogue_records`
	var args []any
	if disposition != "" {
		query += ` WHERE disposition = ?`
		args = append(args, string(disposition))
	}
	query += ` ORDER BY created_at_ms, dialogue_id`
	return s.query(ctx, query, args...)
}

// Pending lists records waiting for review that have no recorded decision.
func (s *SQLiteStore) Pending(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `
SELECT r.record_json FROM dialogue_records r
LEFT JOIN review_decisions d ON d.dialogue_id = r.dialogue_id
WHERE r.disposition = ? AND d.dialogue_id IS NULL
ORDER BY r.created_at_ms, r.dialogue_id`, string(report.DispositionNeedsReview))
}

// Failures lists failed attempts, oldest first.
func (s *SQLiteStore) Failures(ctx context.Context) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT dialogue_id, archetype, status, cycles, trajectory_json, reasons_json, error, created_at_ms
FROM attempt_failures ORDER BY created_at_ms, dialogue_id`)
	if err != nil {
		return nil, errors.Wrap(err, "could not list failures")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Failure
	for rows.Next() {
		var (
			f              Failure
			archetype      string
			status         string
			trajectoryJSON string
			reasonsJSON    string
			errMsg         sql.NullString
			createdAtMs    int64
		)
		if err := rows.Scan(&f.DialogueID, &archetype, &status, &f.Cycles, &trajectoryJSON, &reasonsJSON, &errMsg, &createdAtMs); err != nil {
			return nil, err
		}
		f.Archetype = dialogue.Archetype(archetype)
		f.Status = dialogue.Status(status)
		f.Error = errMsg.String
		f.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		if err := json.Unmarshal([]byte(trajectoryJSON), &f.Trajectory); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reasonsJSON), &f.Reasons); err != nil {
			return nil, err
		}
		ret = append(ret, f)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not list records")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrap(err, "corrupt record")
		}
		ret = append(ret, rec)
	}
	return ret, rows.Err()
}

func ensureTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + dialogueRecordsTable + ` (
  dialogue_id TEXT PRIMARY KEY,
  archetype TEXT NOT NULL,
  disposition TEXT NOT NULL,
  final_difficulty REAL,
  record_json TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + attemptFailuresTable + ` (
  dialogue_id TEXT PRIMARY KEY,
  archetype TEXT NOT NULL,
  status TEXT NOT NULL,
  cycles INTEGER NOT NULL,
  trajectory_json TEXT NOT NULL,
  reasons_json TEXT NOT NULL,
  error TEXT,
  created_at_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_dialogue_records_disposition ON ` + dialogueRecordsTable + ` (disposition, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_failures_status ON ` + attemptFailuresTable + ` (status, created_at_ms)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "could not create store tables")
		}
	}
	return review.EnsureDecisionTable(db)
}

func ensureParentDir(path string) error {
	parent := filepath.Dir(path)
	if parent == "" || parent == "." {
		return nil
	}
	return os.MkdirAll(parent, 0o755)
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
