// Package board maintains the shared markdown task board and the per-day
// inbox files. Writes support an optional base-rev check: a caller holding
// a stale revision gets a conflict with the current revision and a diff of
// what its write would have changed.
package board

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/quantsys/atabus/internal/log"
)

// ConflictError reports a base-rev mismatch. No write is performed.
type ConflictError struct {
	CurrentRev string
	Diff       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("base revision mismatch, current_rev=%s", e.CurrentRev)
}

// Entry is one row of the task board.
type Entry struct {
	TaskID    string
	Title     string
	Status    string
	Artifacts string
	UpdatedAt time.Time
}

const boardHeader = `# Task Board

| Task | Title | Status | Artifacts | Updated |
|------|-------|--------|-----------|---------|
`

// Board owns the board file and inbox directory.
type Board struct {
	mu        sync.Mutex
	boardPath string
	inboxDir  string
	now       func() time.Time
}

// New creates the board file and inbox directory if needed.
func New(dir string) (*Board, error) {
	inboxDir := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		return nil, fmt.Errorf("creating board dir: %w", err)
	}
	b := &Board{
		boardPath: filepath.Join(dir, "board.md"),
		inboxDir:  inboxDir,
		now:       time.Now,
	}
	if _, err := os.Stat(b.boardPath); os.IsNotExist(err) {
		if err := os.WriteFile(b.boardPath, []byte(boardHeader), 0644); err != nil {
			return nil, fmt.Errorf("initializing board: %w", err)
		}
	}
	return b, nil
}

// Rev computes the revision token of content.
func Rev(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:12]
}

// Get returns the board markdown and its revision.
func (b *Board) Get() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read()
}

// Upsert adds or replaces the board row for taskID. An empty baseRev skips
// the conflict check.
func (b *Board) Upsert(taskID, title, status, artifacts, baseRev string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	content, rev, err := b.read()
	if err != nil {
		return err
	}

	updated := upsertRow(content, Entry{
		TaskID:    taskID,
		Title:     title,
		Status:    strings.ToUpper(status),
		Artifacts: artifacts,
		UpdatedAt: b.now().UTC(),
	})
	if baseRev != "" && baseRev != rev {
		return &ConflictError{CurrentRev: rev, Diff: diffText(content, updated)}
	}
	return os.WriteFile(b.boardPath, []byte(updated), 0644)
}

// SetStatus updates the status (and optionally artifacts) of an existing
// row, creating the row when absent.
func (b *Board) SetStatus(taskID, status, artifacts, baseRev string) error {
	b.mu.Lock()
	title := ""
	if entry, ok := b.findLocked(taskID); ok {
		title = entry.Title
		if artifacts == "" {
			artifacts = entry.Artifacts
		}
	}
	b.mu.Unlock()
	return b.Upsert(taskID, title, status, artifacts, baseRev)
}

// Entries parses the board rows.
func (b *Board) Entries() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	content, _, err := b.read()
	if err != nil {
		return nil, err
	}
	return parseRows(content), nil
}

// Find returns the board row for taskID.
func (b *Board) Find(taskID string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findLocked(taskID)
}

func (b *Board) findLocked(taskID string) (Entry, bool) {
	content, _, err := b.read()
	if err != nil {
		return Entry{}, false
	}
	for _, entry := range parseRows(content) {
		if entry.TaskID == taskID {
			return entry, true
		}
	}
	return Entry{}, false
}

// InboxAppend appends a timestamped line to today's inbox file and returns
// the new revision.
func (b *Board) InboxAppend(text, baseRev string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	path := b.inboxPath(now)
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	content := string(raw)
	rev := Rev(content)

	updated := content + fmt.Sprintf("- %s %s\n", now.Format("15:04:05"), strings.TrimSpace(text))
	if baseRev != "" && baseRev != rev {
		return "", &ConflictError{CurrentRev: rev, Diff: diffText(content, updated)}
	}
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return "", fmt.Errorf("writing inbox: %w", err)
	}
	return Rev(updated), nil
}

// InboxTail returns the last n lines of today's inbox.
func (b *Board) InboxTail(n int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.inboxPath(b.now().UTC()))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// PatchDoc replaces a document under the board dir with newContent, guarded
// by a mandatory base-rev check.
func (b *Board) PatchDoc(name, newContent, baseRev string) (string, error) {
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(filepath.Dir(b.boardPath), name)
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	current := string(raw)
	rev := Rev(current)
	if baseRev != rev {
		return "", &ConflictError{CurrentRev: rev, Diff: diffText(current, newContent)}
	}
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return "", fmt.Errorf("writing document: %w", err)
	}
	log.Debug(log.CatBoard, "Document patched", "name", name, "rev", Rev(newContent))
	return Rev(newContent), nil
}

func (b *Board) read() (string, string, error) {
	raw, err := os.ReadFile(b.boardPath)
	if err != nil {
		return "", "", fmt.Errorf("reading board: %w", err)
	}
	return string(raw), Rev(string(raw)), nil
}

func (b *Board) inboxPath(now time.Time) string {
	return filepath.Join(b.inboxDir, now.Format("2006-01-02")+".md")
}

func upsertRow(content string, entry Entry) string {
	row := fmt.Sprintf("| %s | %s | %s | %s | %s |",
		entry.TaskID, entry.Title, entry.Status, entry.Artifacts,
		entry.UpdatedAt.Format(time.RFC3339))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "| "+entry.TaskID+" ") {
			if entry.Title == "" {
				if existing := parseRow(line); existing != nil {
					row = fmt.Sprintf("| %s | %s | %s | %s | %s |",
						entry.TaskID, existing.Title, entry.Status, entry.Artifacts,
						entry.UpdatedAt.Format(time.RFC3339))
				}
			}
			lines[i] = row
			return strings.Join(lines, "\n") + "\n"
		}
	}
	return strings.Join(append(lines, row), "\n") + "\n"
}

func parseRows(content string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(content, "\n") {
		if entry := parseRow(line); entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func parseRow(line string) *Entry {
	if !strings.HasPrefix(line, "| ") || strings.HasPrefix(line, "| Task ") || strings.HasPrefix(line, "|--") {
		return nil
	}
	cells := strings.Split(strings.Trim(line, "|"), "|")
	if len(cells) != 5 {
		return nil
	}
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	if strings.HasPrefix(cells[0], "--") {
		return nil
	}
	updated, _ := time.Parse(time.RFC3339, cells[4])
	return &Entry{
		TaskID:    cells[0],
		Title:     cells[1],
		Status:    cells[2],
		Artifacts: cells[3],
		UpdatedAt: updated,
	}
}

func diffText(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	return dmp.DiffPrettyText(dmp.DiffCleanupSemantic(diffs))
}
