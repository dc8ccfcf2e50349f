// Package conversation keeps a per-task rolling summary of the message
// exchange: participants, counts, and the most recent key points and next
// actions. The outbox approval path and direct sends both feed it.
package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxRecent caps key_points and next_actions.
const maxRecent = 10

// Context is the per-task conversation document.
type Context struct {
	TaskCode      string    `json:"taskcode"`
	Participants  []string  `json:"participants"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	Status        string    `json:"status"`
	Summary       string    `json:"summary"`
	KeyPoints     []string  `json:"key_points"`
	NextActions   []string  `json:"next_actions"`
}

// Update carries the deltas one message contributes.
type Update struct {
	FromAgent   string
	ToAgent     string
	Summary     string
	KeyPoints   []string
	NextActions []string
	Status      string
	At          time.Time
}

// Store persists one JSON document per taskcode.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewStore creates the conversation directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating conversation dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Record applies one message's update to the task's conversation context,
// creating the document on first use.
func (s *Store) Record(taskcode string, u Update) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := s.load(taskcode)
	if err != nil {
		return Context{}, err
	}
	ctx.TaskCode = taskcode
	ctx.Participants = addUnique(ctx.Participants, u.FromAgent, u.ToAgent)
	ctx.MessageCount++
	if u.At.IsZero() {
		u.At = s.now().UTC()
	}
	ctx.LastMessageAt = u.At
	if u.Summary != "" {
		ctx.Summary = u.Summary
	}
	if u.Status != "" {
		ctx.Status = u.Status
	}
	ctx.KeyPoints = lastN(append(ctx.KeyPoints, u.KeyPoints...), maxRecent)
	ctx.NextActions = lastN(append(ctx.NextActions, u.NextActions...), maxRecent)

	if err := s.save(taskcode, ctx); err != nil {
		return Context{}, err
	}
	return ctx, nil
}

// Get returns the conversation context for a taskcode; a zero-valued
// context when none exists yet.
func (s *Store) Get(taskcode string) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(taskcode)
}

func (s *Store) load(taskcode string) (Context, error) {
	data, err := os.ReadFile(s.path(taskcode))
	if os.IsNotExist(err) {
		return Context{TaskCode: taskcode}, nil
	}
	if err != nil {
		return Context{}, err
	}
	var ctx Context
	if err := json.Unmarshal(data, &ctx); err != nil {
		return Context{}, fmt.Errorf("decoding conversation %s: %w", taskcode, err)
	}
	return ctx, nil
}

func (s *Store) save(taskcode string, ctx Context) error {
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(taskcode) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing conversation: %w", err)
	}
	return os.Rename(tmp, s.path(taskcode))
}

func (s *Store) path(taskcode string) string {
	return filepath.Join(s.dir, taskcode+".json")
}

func addUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, item := range items {
		if item != "" && !seen[item] {
			list = append(list, item)
			seen[item] = true
		}
	}
	return list
}

func lastN(list []string, n int) []string {
	if len(list) > n {
		return append([]string(nil), list[len(list)-n:]...)
	}
	return list
}
