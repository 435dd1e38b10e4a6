package review

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/report"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrInvalidDecision is returned for decisions other than approve or reject.
var ErrInvalidDecision = errors.New("invalid review decision")

type DecisionRecord struct {
	DialogueID string          `json:"dialogue_id"`
	Decision   report.Decision `json:"decision"`
	Reviewer   string          `json:"reviewer"`
	Note       string          `json:"note,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// Decisions is where human adjudications are recorded and read back.
type Decisions interface {
	Decision(ctx context.Context, dialogueID string) (DecisionRecord, bool, error)
	Record(ctx context.Context, d DecisionRecord) error
}

type MemoryDecisions struct {
	mu        sync.RWMutex
	decisions map[string]DecisionRecord
}

func NewMemoryDecisions() *MemoryDecisions {
	return &MemoryDecisions{decisions: map[string]DecisionRecord{}}
}

func (m *MemoryDecisions) Decision(_ context.Context, dialogueID string) (DecisionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[dialogueID]
	return d, ok, nil
}

func (m *MemoryDecisions) Record(_ context.Context, d DecisionRecord) error {
	if !d.Decision.Valid() {
		return errors.Wrapf(ErrInvalidDecision, "%q", d.Decision)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.DialogueID] = d
	return nil
}

const reviewDecisionsTable = "review_decisions"

// SQLiteDecisions stores decisions in the review_decisions table. The last
// decision recorded for a dialogue wins.
type SQLiteDecisions struct {
	db *sql.DB
}

func NewSQLiteDecisions(db *sql.DB) (*SQLiteDecisions, error) {
	if db == nil {
		return nil, errors.New("review decisions: db is nil")
	}
	if err := EnsureDecisionTable(db); err != nil {
		return nil, err
	}
	return &SQLiteDecisions{db: db}, nil
}

func EnsureDecisionTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + reviewDecisionsTable + ` (
  dialogue_id TEXT PRIMARY KEY,
  decision TEXT NOT NULL,
  reviewer TEXT,
  note TEXT,
  decided_at_ms INTEGER NOT NULL
)`)
	return errors.Wrap(err, "could not create review decision table")
}

func (s *SQLiteDecisions) Decision(ctx context.Context, dialogueID string) (DecisionRecord, bool, error) {
	var (
		d         DecisionRecord
		decision  string
		reviewer  sql.NullString
		note      sql.NullString
		decidedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT dialogue_id, decision, reviewer, note, decided_at_ms FROM `+reviewDecisionsTable+` WHERE dialogue_id = ?`,
		dialogueID,
	).Scan(&d.DialogueID, &decision, &reviewer, &note, &decidedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionRecord{}, false, nil
	}
	if err != nil {
		return DecisionRecord{}, false, errors.Wrap(err, "could not read review decision")
	}
	d.Decision = report.Decision(decision)
	d.Reviewer = reviewer.String
	d.Note = note.String
	d.DecidedAt = time.UnixMilli(decidedMs).UTC()
	return d, true, nil
}

func (s *SQLiteDecisions) Record(ctx context.Context, d DecisionRecord) error {
	if !d.Decision.Valid() {
		return errors.Wrapf(ErrInvalidDecision, "%q", d.Decision)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO `+reviewDecisionsTable+` (
  dialogue_id,
  decision,
  reviewer,
  note,
  decided_at_ms
) VALUES (?, ?, ?, ?, ?)`,
		d.DialogueID,
		string(d.Decision),
		nullableString(d.Reviewer),
		nullableString(d.Note),
		d.DecidedAt.UnixMilli(),
	)
	return errors.Wrap(err, "could not record review decision")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
