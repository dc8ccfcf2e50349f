// Package queue provides the durable message queue backing the event
// fan-out and agent delivery lanes.
//
// Messages live in the embedded relational store with per-message-id dedupe
// and a dead-letter queue. Consumers poll for pending work and ack/nack;
// nacked messages retry on an exponential backoff schedule until they exceed
// the retry budget and land in the DLQ.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantsys/atabus/internal/log"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusAcked   Status = "ACKED"
	StatusNacked  Status = "NACKED"
	StatusFailed  Status = "FAILED"
	StatusDLQ     Status = "DLQ"
)

// DefaultMaxRetries is the retry budget before a message moves to the DLQ.
const DefaultMaxRetries = 3

// DefaultRetryDelays is the backoff schedule indexed by retry count.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

// Message is a queued delivery.
type Message struct {
	MessageID    string
	TaskID       string
	ToAgent      string
	Payload      []byte
	Status       Status
	RetryCount   int
	CreatedAt    time.Time
	SentAt       *time.Time
	AckedAt      *time.Time
	NextRetryAt  *time.Time
	ErrorMessage string
}

// Queue is the durable message queue.
type Queue struct {
	db          *sql.DB
	maxRetries  int
	retryDelays []time.Duration
	now         func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithRetryDelays overrides the backoff schedule.
func WithRetryDelays(delays []time.Duration) Option {
	return func(q *Queue) { q.retryDelays = delays }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over the given database.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          db,
		maxRetries:  DefaultMaxRetries,
		retryDelays: DefaultRetryDelays,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a message in PENDING state. Returns false (and no error)
// when the message id was already enqueued at any point in the store's
// lifetime; the dedupe row and the message row are written in one
// transaction.
func (q *Queue) Enqueue(messageID, taskID, toAgent string, payload []byte) (bool, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now()
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO message_dedupe (message_id, created_at) VALUES (?, ?)`,
		messageID, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting dedupe row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		log.Debug(log.CatQueue, "Duplicate enqueue suppressed", "messageID", messageID)
		return false, nil
	}

	_, err = tx.Exec(
		`INSERT INTO messages (message_id, task_id, to_agent, payload, status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		messageID, nullable(taskID), toAgent, string(payload), StatusPending, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	log.Debug(log.CatQueue, "Enqueued", "messageID", messageID, "toAgent", toAgent)
	return true, nil
}

// Pending returns deliverable messages: PENDING, or NACKED whose backoff
// window has elapsed. Ordered oldest first.
func (q *Queue) Pending(limit int) ([]Message, error) {
	return q.pending("", limit)
}

// PendingFor returns deliverable messages addressed to the given lane.
func (q *Queue) PendingFor(lane string, limit int) ([]Message, error) {
	return q.pending(lane, limit)
}

func (q *Queue) pending(lane string, limit int) ([]Message, error) {
	query := `SELECT message_id, task_id, to_agent, payload, status, retry_count,
	                 created_at, sent_at, acked_at, next_retry_at, error_message
	          FROM messages
	          WHERE (status = ? OR (status = ? AND next_retry_at <= ?))`
	args := []any{StatusPending, StatusNacked, q.now().UnixNano()}
	if lane != "" {
		query += ` AND to_agent = ?`
		args = append(args, lane)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent transitions a message to SENT.
func (q *Queue) MarkSent(messageID string) error {
	return q.setStatus(messageID, StatusSent, "sent_at")
}

// MarkAcked transitions a message to ACKED.
func (q *Queue) MarkAcked(messageID string) error {
	return q.setStatus(messageID, StatusAcked, "acked_at")
}

func (q *Queue) setStatus(messageID string, status Status, tsColumn string) error {
	res, err := q.db.Exec(
		`UPDATE messages SET status = ?, `+tsColumn+` = ? WHERE message_id = ?`,
		status, q.now().UnixNano(), messageID,
	)
	if err != nil {
		return fmt.Errorf("marking %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	return nil
}

// MarkNacked records a delivery failure. While the retry budget holds, the
// message is rescheduled with backoff; once retry_count reaches the budget
// the message moves to the DLQ.
func (q *Queue) MarkNacked(messageID, errMsg string) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning nack: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		taskID     sql.NullString
		toAgent    string
		payload    string
		retryCount int
	)
	err = tx.QueryRow(
		`SELECT task_id, to_agent, payload, retry_count FROM messages WHERE message_id = ?`,
		messageID,
	).Scan(&taskID, &toAgent, &payload, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return err
	}

	now := q.now()
	if retryCount >= q.maxRetries {
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO dlq (message_id, task_id, to_agent, payload, retry_count, error_message, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			messageID, taskID, toAgent, payload, retryCount, errMsg, now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("moving to dlq: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE messages SET status = ?, error_message = ? WHERE message_id = ?`,
			StatusDLQ, errMsg, messageID,
		)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Warn(log.CatQueue, "Message moved to DLQ", "messageID", messageID, "retries", retryCount, "error", errMsg)
		return nil
	}

	retryCount++
	delay := q.retryDelays[min(retryCount, len(q.retryDelays)-1)]
	nextRetry := now.Add(delay)
	_, err = tx.Exec(
		`UPDATE messages SET status = ?, retry_count = ?, next_retry_at = ?, error_message = ? WHERE message_id = ?`,
		StatusNacked, retryCount, nextRetry.UnixNano(), errMsg, messageID,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debug(log.CatQueue, "Message nacked", "messageID", messageID, "retryCount", retryCount, "nextRetryIn", delay)
	return nil
}

// DLQMessages returns dead-lettered messages, most recent failure first.
func (q *Queue) DLQMessages(limit int) ([]Message, error) {
	rows, err := q.db.Query(
		`SELECT message_id, task_id, to_agent, payload, retry_count, error_message, failed_at
		 FROM dlq ORDER BY failed_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dlq: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m        Message
			taskID   sql.NullString
			payload  string
			failedAt int64
		)
		if err := rows.Scan(&m.MessageID, &taskID, &m.ToAgent, &payload, &m.RetryCount, &m.ErrorMessage, &failedAt); err != nil {
			return nil, err
		}
		m.TaskID = taskID.String
		m.Payload = []byte(payload)
		m.Status = StatusDLQ
		t := time.Unix(0, failedAt)
		m.CreatedAt = t
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplayDLQ returns a dead-lettered message to the pending queue and drops it
// from the DLQ. The existing message row is reset rather than re-inserted, so
// the dedupe table keeps its permanent record. Returns false when the id is
// not in the DLQ.
func (q *Queue) ReplayDLQ(messageID string) (bool, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning replay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM dlq WHERE message_id = ?`, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.Exec(
		`UPDATE messages SET status = ?, retry_count = 0, next_retry_at = NULL, error_message = NULL
		 WHERE message_id = ?`,
		StatusPending, messageID,
	)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	log.Info(log.CatQueue, "Replayed DLQ message", "messageID", messageID)
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		taskID      sql.NullString
		payload     string
		createdAt   int64
		sentAt      sql.NullInt64
		ackedAt     sql.NullInt64
		nextRetryAt sql.NullInt64
		errMsg      sql.NullString
	)
	err := row.Scan(&m.MessageID, &taskID, &m.ToAgent, &payload, &m.Status, &m.RetryCount,
		&createdAt, &sentAt, &ackedAt, &nextRetryAt, &errMsg)
	if err != nil {
		return Message{}, err
	}
	m.TaskID = taskID.String
	m.Payload = []byte(payload)
	m.CreatedAt = time.Unix(0, createdAt)
	if sentAt.Valid {
		t := time.Unix(0, sentAt.Int64)
		m.SentAt = &t
	}
	if ackedAt.Valid {
		t := time.Unix(0, ackedAt.Int64)
		m.AckedAt = &t
	}
	if nextRetryAt.Valid {
		t := time.Unix(0, nextRetryAt.Int64)
		m.NextRetryAt = &t
	}
	m.ErrorMessage = errMsg.String
	return m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
