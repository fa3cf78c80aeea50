package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the summary interface consumed by reporting. It carries only
// identifiers, outcomes and counts; evidence and commands stay in case files.
type Status struct {
	LastRunID       string    `json:"last_run_id,omitempty"`
	LastOutcome     Outcome   `json:"last_outcome,omitempty"`
	LastReliability int       `json:"last_reliability"`
	LastSpecialist  string    `json:"last_specialist,omitempty"`
	LastCreatedAt   time.Time `json:"last_created_at,omitempty"`

	Cases      int `json:"cases"`
	Attempted  int `json:"mutations_attempted"`
	Succeeded  int `json:"mutations_succeeded"`
	RolledBack int `json:"mutations_rolled_back"`
}

// Summary is one row of the case index.
type Summary struct {
	RunID       string    `json:"run_id"`
	Specialist  string    `json:"specialist,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reliability int       `json:"reliability"`
	CreatedAt   time.Time `json:"created_at"`
}

type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger index: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	idx := &index{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *index) initialize() error {
	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS cases (
			run_id TEXT PRIMARY KEY,
			specialist TEXT NOT NULL DEFAULT '',
			case_file TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reliability INTEGER NOT NULL DEFAULT 0,
			mutation_attempted INTEGER NOT NULL DEFAULT 0,
			created_ns INTEGER NOT NULL,
			closed_ns INTEGER
		)`,
		"CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_ns)",
		"CREATE INDEX IF NOT EXISTS idx_cases_outcome ON cases(outcome)",
	} {
		if _, err := i.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize ledger index: %w", err)
		}
	}
	return nil
}

func (i *index) insert(rec *CaseRecord) error {
	_, err := i.db.Exec(
		`INSERT INTO cases (run_id, specialist, case_file, outcome, created_ns) VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.Specialist, rec.CaseFile, string(rec.Outcome), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("index case %s: %w", rec.RunID, err)
	}
	return nil
}

func (i *index) close(rec *CaseRecord) error {
	reliability := 0
	if rec.Reliability != nil {
		reliability = rec.Reliability.Value
	}
	attempted := 0
	if rec.MutationRun != nil && rec.MutationRun.Mutated() {
		attempted = 1
	}
	var closed int64
	if rec.ClosedAt != nil {
		closed = rec.ClosedAt.UnixNano()
	}
	_, err := i.db.Exec(
		`UPDATE cases SET specialist = ?, outcome = ?, reliability = ?, mutation_attempted = ?, closed_ns = ? WHERE run_id = ?`,
		rec.Specialist, string(rec.Outcome), reliability, attempted, closed, rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("close case %s in index: %w", rec.RunID, err)
	}
	return nil
}

func (i *index) caseFile(runID string) (string, error) {
	var name string
	err := i.db.QueryRow(`SELECT case_file FROM cases WHERE run_id = ?`, runID).Scan(&name)
	return name, err
}

func (i *index) status() (Status, error) {
	var s Status
	err := i.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(mutation_attempted), 0),
			COALESCE(SUM(CASE WHEN mutation_attempted = 1 AND outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'rolled_back' THEN 1 ELSE 0 END), 0)
		FROM cases`).Scan(&s.Cases, &s.Attempted, &s.Succeeded, &s.RolledBack)
	if err != nil {
		return Status{}, fmt.Errorf("query ledger status: %w", err)
	}
	if s.Cases == 0 {
		return s, nil
	}

	var outcome string
	var created int64
	err = i.db.QueryRow(`
		SELECT run_id, outcome, reliability, specialist, created_ns
		FROM cases ORDER BY created_ns DESC, rowid DESC LIMIT 1`,
	).Scan(&s.LastRunID, &outcome, &s.LastReliability, &s.LastSpecialist, &created)
	if err != nil {
		return Status{}, fmt.Errorf("query last case: %w", err)
	}
	s.LastOutcome = Outcome(outcome)
	s.LastCreatedAt = time.Unix(0, created)
	return s, nil
}

func (i *index) recent(limit int) ([]Summary, error) {
	rows, err := i.db.Query(`
		SELECT run_id, specialist, outcome, reliability, created_ns
		FROM cases ORDER BY created_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var outcome string
		var created int64
		if err := rows.Scan(&s.RunID, &s.Specialist, &outcome, &s.Reliability, &created); err != nil {
			return nil, err
		}
		s.Outcome = Outcome(outcome)
		s.CreatedAt = time.Unix(0, created)
		out = append(out, s)
	}
	return out, rows.Err()
}
