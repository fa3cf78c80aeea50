// Package ledger persists one case file per request and keeps a small
// SQLite index over them for status reporting.
//
// Case files live at <cases>/<run_id>/<case_file> and are rewritten
// atomically on every update. Each write is sealed with the sha256 of the
// record's canonical JSON so later tampering is detectable. Updates are
// append-only: recorded findings, hypotheses, evidence and timings are never
// removed or rewritten, and a closed case cannot be reopened.
package ledger

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hostmedic/internal/logging"
	"hostmedic/internal/types"
)

// DefaultCaseFile is used when a record names no case file.
const DefaultCaseFile = "case.json"

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("case not found")

// Ledger owns the case directory and its index.
type Ledger struct {
	dir   string
	idx   *index
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.clock = now }
}

// Open opens (or creates) the ledger rooted at casesDir with its index at dbPath.
func Open(casesDir, dbPath string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(casesDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cases directory: %w", err)
	}
	idx, err := openIndex(dbPath)
	if err != nil {
		return nil, err
	}
	l := &Ledger{dir: casesDir, idx: idx, clock: time.Now, locks: make(map[string]*sync.Mutex)}
	for _, opt := range opts {
		opt(l)
	}
	logging.Ledger("Ledger opened: cases=%s index=%s", casesDir, dbPath)
	return l, nil
}

// Shutdown closes the index.
func (l *Ledger) Shutdown() error {
	return l.idx.db.Close()
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

func (l *Ledger) lockFor(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[runID] = m
	}
	return m
}

// forget drops the per-run mutex once no further writes can succeed.
// Callers hold that mutex.
func (l *Ledger) forget(runID string) {
	l.mu.Lock()
	delete(l.locks, runID)
	l.mu.Unlock()
}

// Path returns the case file location for runID.
func (l *Ledger) Path(runID string) (string, error) {
	name, err := l.idx.caseFile(runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return "", err
	}
	return l.casePath(runID, name), nil
}

// Dir returns the directory holding runID's case file and staged artifacts.
func (l *Ledger) Dir(runID string) string {
	return filepath.Join(l.dir, runID)
}

func (l *Ledger) casePath(runID, name string) string {
	return filepath.Join(l.dir, runID, name)
}

func validCaseFile(name string) bool {
	return name != "" && filepath.Base(name) == name && strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// Create persists a new open case. A missing RunID is generated; a supplied
// one must be a UUID.
func (l *Ledger) Create(rec *CaseRecord) error {
	if rec.RunID == "" {
		rec.RunID = NewRunID()
	} else if _, err := uuid.Parse(rec.RunID); err != nil {
		return types.NewError(types.KindInvalidInput, "ledger.create", "run id %q is not a UUID", rec.RunID)
	}
	if rec.CaseFile == "" {
		rec.CaseFile = DefaultCaseFile
	}
	if !validCaseFile(rec.CaseFile) {
		return types.NewError(types.KindInvalidInput, "ledger.create", "case file %q must be a plain .json file name", rec.CaseFile)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.clock()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeOpen
	}
	rec.ClosedAt = nil

	m := l.lockFor(rec.RunID)
	m.Lock()
	defer m.Unlock()

	path := l.casePath(rec.RunID, rec.CaseFile)
	if _, err := os.Stat(filepath.Dir(path)); err == nil {
		return types.NewError(types.KindInvalidInput, "ledger.create", "case %s already exists", rec.RunID)
	}
	if err := writeCase(path, rec); err != nil {
		return types.WrapError(types.KindInternal, "ledger.create", err)
	}
	if err := l.idx.insert(rec); err != nil {
		return types.WrapError(types.KindInternal, "ledger.create", err)
	}
	logging.Ledger("Case %s created for %q (%s)", rec.RunID, rec.RequestText, rec.CaseFile)
	return nil
}

// Get loads the case for runID.
func (l *Ledger) Get(runID string) (*CaseRecord, error) {
	path, err := l.Path(runID)
	if err != nil {
		return nil, err
	}
	return readCase(path)
}

// Update applies fn to the stored case and persists the result. Updates of
// one run are serialized. fn must only append.
func (l *Ledger) Update(runID string, fn func(*CaseRecord) error) (*CaseRecord, error) {
	m := l.lockFor(runID)
	m.Lock()
	defer m.Unlock()
	return l.update(runID, fn)
}

func (l *Ledger) update(runID string, fn func(*CaseRecord) error) (*CaseRecord, error) {
	path, err := l.Path(runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.forget(runID)
		}
		return nil, err
	}
	before, err := readCase(path)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "ledger.update", err)
	}
	if before.Closed() {
		l.forget(runID)
		return nil, types.NewError(types.KindInvalidInput, "ledger.update", "case %s is closed", runID)
	}
	after, err := readCase(path)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "ledger.update", err)
	}
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := checkAppendOnly(before, after); err != nil {
		return nil, types.NewError(types.KindInvalidInput, "ledger.update", "case %s: %v", runID, err)
	}
	if err := writeCase(path, after); err != nil {
		return nil, types.WrapError(types.KindInternal, "ledger.update", err)
	}
	return after, nil
}

// Close records the final outcome and seals the case.
func (l *Ledger) Close(runID string, outcome Outcome) (*CaseRecord, error) {
	if outcome == "" || outcome == OutcomeOpen {
		return nil, types.NewError(types.KindInvalidInput, "ledger.close", "outcome %q is not terminal", outcome)
	}
	m := l.lockFor(runID)
	m.Lock()
	defer m.Unlock()

	rec, err := l.update(runID, func(r *CaseRecord) error {
		now := l.clock()
		r.Outcome = outcome
		r.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := l.idx.close(rec); err != nil {
		return nil, types.WrapError(types.KindInternal, "ledger.close", err)
	}
	l.forget(runID)
	logging.Ledger("Case %s closed: %s", runID, outcome)
	return rec, nil
}

// Verify recomputes the digest of the stored case and compares it.
func (l *Ledger) Verify(runID string) error {
	rec, err := l.Get(runID)
	if err != nil {
		return err
	}
	want := rec.Digest
	got, err := digest(rec)
	if err != nil {
		return err
	}
	if got != want {
		return types.NewError(types.KindInternal, "ledger.verify", "case %s digest mismatch: recorded %s, computed %s", runID, want, got)
	}
	return nil
}

// Status summarizes the index.
func (l *Ledger) Status() (Status, error) {
	return l.idx.status()
}

// Recent returns up to n cases, newest first.
func (l *Ledger) Recent(n int) ([]Summary, error) {
	if n <= 0 {
		n = 10
	}
	return l.idx.recent(n)
}

// ===== APPEND-ONLY CHECK =====

func checkAppendOnly(before, after *CaseRecord) error {
	switch {
	case after.RunID != before.RunID:
		return errors.New("run id is immutable")
	case after.RequestText != before.RequestText:
		return errors.New("request text is immutable")
	case after.CaseFile != before.CaseFile:
		return errors.New("case file is immutable")
	case !after.CreatedAt.Equal(before.CreatedAt):
		return errors.New("creation time is immutable")
	case before.Specialist != "" && after.Specialist != before.Specialist:
		return errors.New("specialist is immutable once recorded")
	}
	if err := samePrefix("evidence", before.Evidence, after.Evidence); err != nil {
		return err
	}
	if err := samePrefix("findings", before.Findings, after.Findings); err != nil {
		return err
	}
	if err := samePrefix("secondary findings", before.SecondaryFindings, after.SecondaryFindings); err != nil {
		return err
	}
	if err := samePrefix("hypotheses", before.Hypotheses, after.Hypotheses); err != nil {
		return err
	}
	if err := samePrefix("timings", before.Timings, after.Timings); err != nil {
		return err
	}
	if before.Selection != nil && !sameJSON(before.Selection, after.Selection) {
		return errors.New("selection is immutable once recorded")
	}
	if before.ChosenPlan != nil && !sameJSON(before.ChosenPlan, after.ChosenPlan) {
		return errors.New("chosen plan is immutable once recorded")
	}
	return nil
}

func samePrefix[T any](what string, before, after []T) error {
	if len(after) < len(before) {
		return fmt.Errorf("%s cannot be removed (%d recorded, %d after update)", what, len(before), len(after))
	}
	for i := range before {
		if !sameJSON(before[i], after[i]) {
			return fmt.Errorf("%s entry %d cannot be rewritten", what, i)
		}
	}
	return nil
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
