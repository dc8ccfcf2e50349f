package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicate is returned when an event id is appended twice.
var ErrDuplicate = errors.New("event already persisted")

// Store is the append-only event store: one JSON file per event, named by
// event id. Files are written once and never modified.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the store directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating event store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Append persists an event. Appending the same event id twice returns
// ErrDuplicate.
func (s *Store) Append(ev Event) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(ev.EventID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, ev.EventID)
		}
		return fmt.Errorf("creating event file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing event file: %w", err)
	}
	return nil
}

// Get loads a single event by id.
func (s *Store) Get(eventID string) (Event, error) {
	data, err := os.ReadFile(s.path(eventID))
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event %s: %w", eventID, err)
	}
	return ev, nil
}

// List returns every stored event ordered by timestamp.
func (s *Store) List() ([]Event, error) {
	return s.scan(func(Event) bool { return true }, 0)
}

// ListByCorrelation returns events whose correlation id matches, ordered by
// timestamp. A limit of 0 means no limit.
func (s *Store) ListByCorrelation(correlationID string, limit int) ([]Event, error) {
	return s.scan(func(ev Event) bool { return ev.CorrelationID == correlationID }, limit)
}

func (s *Store) scan(keep func(Event) bool, limit int) ([]Event, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning event store: %w", err)
	}

	var events []Event
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ev, err := s.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// A torn write is skipped, not fatal.
			continue
		}
		if keep(ev) {
			events = append(events, ev)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (s *Store) path(eventID string) string {
	return filepath.Join(s.dir, eventID+".json")
}
