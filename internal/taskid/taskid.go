// Package taskid generates and maps canonical task identifiers.
//
// A task ID has the form {AREA}-{YYYYMMDD}-{SEQ:03d}, with the sequence
// monotonic per date. Legacy free-form taskcodes (typically {AREA}__{YYYYMMDD})
// are mapped 1:1 to task IDs through a bidirectional table in the embedded
// store, and the per-date sequence counters live in the same store so counter
// increments share the database's atomic upsert semantics.
package taskid

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultArea is the fallback area used when a legacy taskcode cannot be
// parsed into an area and date of its own.
const DefaultArea = "QSYS"

const dateLayout = "20060102"

var (
	// ErrInvalidArea is returned when an area contains disallowed characters.
	ErrInvalidArea = errors.New("invalid area: must match [A-Za-z0-9_-]+")

	// ErrMappingConflict is returned when a taskcode or task ID is already
	// mapped to a different counterpart.
	ErrMappingConflict = errors.New("mapping conflict")
)

var (
	idPattern   = regexp.MustCompile(`^([A-Za-z0-9_-]+)-(\d{8})-(\d{3,})$`)
	areaPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ID is the parsed form of a task identifier.
type ID struct {
	Area string
	Date string // YYYYMMDD
	Seq  int
}

// String re-formats the parsed ID. Format followed by Parse round-trips.
func (id ID) String() string {
	return Format(id.Area, id.Date, id.Seq)
}

// Format renders a task ID from its parts. Seq is zero-padded to three digits.
func Format(area, date string, seq int) string {
	return fmt.Sprintf("%s-%s-%03d", area, date, seq)
}

// Parse splits a task ID into area, date, and sequence.
// Returns false if the string is not a valid task ID.
func Parse(id string) (ID, bool) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return ID{}, false
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return ID{}, false
	}
	return ID{Area: m[1], Date: m[2], Seq: seq}, true
}

// IsValid reports whether id is a well-formed task identifier.
func IsValid(id string) bool {
	_, ok := Parse(id)
	return ok
}

// Manager generates task IDs and maintains the taskcode mapping.
// Safe for concurrent use within a process; cross-process safety on shared
// filesystems is an explicit non-goal.
type Manager struct {
	db          *sql.DB
	defaultArea string
	mu          sync.Mutex
	now         func() time.Time
}

// NewManager creates a Manager backed by the given database.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:          db,
		defaultArea: DefaultArea,
		now:         time.Now,
	}
}

// Generate produces the next task ID for area using the local date.
func (m *Manager) Generate(area string) (string, error) {
	return m.GenerateFor(area, m.now().Format(dateLayout))
}

// GenerateFor produces the next task ID for area on the given YYYYMMDD date.
// The per-date counter starts at 1 and increments atomically.
func (m *Manager) GenerateFor(area, date string) (string, error) {
	if !areaPattern.MatchString(area) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArea, area)
	}
	if len(date) != 8 {
		return "", fmt.Errorf("invalid date %q: want YYYYMMDD", date)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var seq int
	err := m.db.QueryRow(
		`INSERT INTO task_seq (seq_date, seq) VALUES (?, 1)
		 ON CONFLICT (seq_date) DO UPDATE SET seq = seq + 1
		 RETURNING seq`, date,
	).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("incrementing sequence for %s: %w", date, err)
	}
	return Format(area, date, seq), nil
}

// RegisterMapping records taskcode <-> taskID. Re-registering the identical
// pair refreshes updated_at; a taskcode or task ID already bound to a
// different counterpart returns ErrMappingConflict.
func (m *Manager) RegisterMapping(taskcode, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerMapping(taskcode, taskID)
}

func (m *Manager) registerMapping(taskcode, taskID string) error {
	var existingID string
	err := m.db.QueryRow(`SELECT task_id FROM task_id_mapping WHERE taskcode = ?`, taskcode).Scan(&existingID)
	switch {
	case err == nil:
		if existingID != taskID {
			return fmt.Errorf("%w: taskcode %q already mapped to %q", ErrMappingConflict, taskcode, existingID)
		}
		_, err = m.db.Exec(`UPDATE task_id_mapping SET updated_at = ? WHERE taskcode = ?`,
			m.now().UnixNano(), taskcode)
		return err
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("looking up taskcode %q: %w", taskcode, err)
	}

	var existingCode string
	err = m.db.QueryRow(`SELECT taskcode FROM task_id_mapping WHERE task_id = ?`, taskID).Scan(&existingCode)
	switch {
	case err == nil:
		return fmt.Errorf("%w: task id %q already mapped to %q", ErrMappingConflict, taskID, existingCode)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("looking up task id %q: %w", taskID, err)
	}

	now := m.now().UnixNano()
	_, err = m.db.Exec(
		`INSERT INTO task_id_mapping (taskcode, task_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		taskcode, taskID, now, now,
	)
	return err
}

// TaskID returns the task ID mapped to taskcode, if any.
func (m *Manager) TaskID(taskcode string) (string, bool, error) {
	var id string
	err := m.db.QueryRow(`SELECT task_id FROM task_id_mapping WHERE taskcode = ?`, taskcode).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// TaskCode returns the taskcode mapped to taskID, if any.
func (m *Manager) TaskCode(taskID string) (string, bool, error) {
	var code string
	err := m.db.QueryRow(`SELECT taskcode FROM task_id_mapping WHERE task_id = ?`, taskID).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

// EnsureTaskID returns the task ID for taskcode, creating and registering one
// on first use. When the taskcode parses as {AREA}__{YYYYMMDD} the new ID
// keeps that area and date; otherwise the ID falls back to area (or the
// default area) and the current date.
func (m *Manager) EnsureTaskID(taskcode, area string) (string, error) {
	if id, ok, err := m.TaskID(taskcode); err != nil || ok {
		return id, err
	}

	if codeArea, date, ok := splitTaskCode(taskcode); ok {
		id, err := m.GenerateFor(codeArea, date)
		if err == nil {
			if err := m.RegisterMapping(taskcode, id); err != nil {
				return "", err
			}
			return id, nil
		}
		// Unparseable despite the separator (bad area or date): fall through.
	}
	return m.MigrateTaskCode(taskcode, area)
}

// MigrateTaskCode assigns a fresh task ID in the given area (default area when
// empty) using the current date, and registers the mapping.
func (m *Manager) MigrateTaskCode(taskcode, area string) (string, error) {
	if area == "" {
		area = m.defaultArea
	}
	id, err := m.Generate(area)
	if err != nil {
		return "", err
	}
	if err := m.RegisterMapping(taskcode, id); err != nil {
		return "", err
	}
	return id, nil
}

// splitTaskCode parses the legacy {AREA}__{YYYYMMDD} form.
func splitTaskCode(taskcode string) (area, date string, ok bool) {
	area, date, found := strings.Cut(taskcode, "__")
	if !found || !areaPattern.MatchString(area) {
		return "", "", false
	}
	if len(date) != 8 {
		return "", "", false
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", "", false
	}
	return area, date, true
}
