package message

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store writes one JSON file per message under a per-task directory. File
// names encode the creation timestamp and msg_id so a directory listing
// reads in send order.
type Store struct {
	baseDir string
}

// NewStore creates the message store root if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating message store dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Write persists a sealed message and returns the file path.
func (s *Store) Write(m Message) (string, error) {
	if m.MsgID == "" || m.SHA256 == "" {
		return "", fmt.Errorf("message must be sealed before writing")
	}

	dir := filepath.Join(s.baseDir, s.taskKey(m))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating task message dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", m.CreatedAt.Format("20060102T150405"), m.MsgID)
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling message: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing message file: %w", err)
	}
	return path, nil
}

// List returns every message recorded for a task key (task id or taskcode),
// in file-name order.
func (s *Store) List(taskKey string) ([]Message, error) {
	dir := filepath.Join(s.baseDir, taskKey)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing task messages: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	messages := make([]Message, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", name, err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Receive returns the messages addressed to an agent under a task key, in
// file-name order.
func (s *Store) Receive(taskKey, toAgent string) ([]Message, error) {
	all, err := s.List(taskKey)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range all {
		if m.ToAgent == toAgent {
			out = append(out, m)
		}
	}
	return out, nil
}

// Mark sets a message's delivery status and reseals its hash. The status
// field is part of the canonical content, so the sha256 must be recomputed.
func (s *Store) Mark(taskKey, msgID string, status Status) (Message, error) {
	dir := filepath.Join(s.baseDir, taskKey)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("listing task messages: %w", err)
	}

	suffix := "_" + msgID + ".json"
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return Message{}, err
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{}, fmt.Errorf("decoding message %s: %w", entry.Name(), err)
		}

		m.Status = status
		sum, err := ComputeSHA256(m)
		if err != nil {
			return Message{}, err
		}
		m.SHA256 = sum

		updated, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return Message{}, fmt.Errorf("marshaling message: %w", err)
		}
		if err := os.WriteFile(path, updated, 0644); err != nil {
			return Message{}, fmt.Errorf("rewriting message file: %w", err)
		}
		return m, nil
	}
	return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
}

// taskKey prefers the canonical task id, falling back to the taskcode.
func (s *Store) taskKey(m Message) string {
	if m.TaskID != "" {
		return m.TaskID
	}
	return m.TaskCode
}
