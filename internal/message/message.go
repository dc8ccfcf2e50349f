// Package message defines agent-to-agent (ATA) messages: the wire shape,
// the msg_id format, the canonical sha256 over message contents, and the
// per-task message files written on every real send.
package message

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind categorizes the purpose of a message.
type Kind string

const (
	KindRequest   Kind = "request"
	KindAck       Kind = "ack"
	KindResponse  Kind = "response"
	KindBootstrap Kind = "bootstrap"
)

// Priority orders delivery urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status tracks a message through its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusAcked     Status = "acked"
	StatusArchived  Status = "archived"
)

// ErrNoText is returned when a payload carries neither a "message" nor a
// "text" string.
var ErrNoText = errors.New("payload must include a non-empty message or text string")

// ErrMessageNotFound is returned when a msg_id has no file under the task.
var ErrMessageNotFound = errors.New("message not found")

// Message is a single ATA message.
type Message struct {
	MsgID            string         `json:"msg_id"`
	TaskCode         string         `json:"taskcode"`
	TaskID           string         `json:"task_id,omitempty"`
	FromAgent        string         `json:"from_agent"`
	ToAgent          string         `json:"to_agent"`
	Kind             Kind           `json:"kind"`
	Payload          map[string]any `json:"payload"`
	PrevSHA256       string         `json:"prev_sha256,omitempty"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	SHA256           string         `json:"sha256"`
}

// NewID generates a message id of the form ATA-MSG-{yyyymmddHHMMSS}-{8 hex}.
func NewID(now time.Time) string {
	return fmt.Sprintf("ATA-MSG-%s-%s", now.Format("20060102150405"), randomHex(4))
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Text returns the human-readable body of the payload: the "message" key,
// falling back to "text".
func (m *Message) Text() (string, error) {
	for _, key := range []string{"message", "text"} {
		if v, ok := m.Payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, nil
			}
		}
	}
	return "", ErrNoText
}

// ComputeSHA256 hashes the message minus its sha256 and msg_id fields over
// key-sorted JSON. A persisted message's stored hash must be reproducible
// from its contents with this function.
func ComputeSHA256(m Message) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling message: %w", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalizing message: %w", err)
	}
	delete(generic, "sha256")
	delete(generic, "msg_id")

	// encoding/json sorts map keys, which yields the canonical form.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal assigns the message id and sha256. Call after all content fields are
// final.
func (m *Message) Seal() error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.MsgID = NewID(m.CreatedAt)
	sum, err := ComputeSHA256(*m)
	if err != nil {
		return err
	}
	m.SHA256 = sum
	return nil
}

// Verify recomputes the canonical hash and compares it with the stored one.
func (m *Message) Verify() (bool, error) {
	sum, err := ComputeSHA256(*m)
	if err != nil {
		return false, err
	}
	return sum == m.SHA256, nil
}
