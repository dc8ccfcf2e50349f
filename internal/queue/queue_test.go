package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/atabus/internal/testutil"
)

func newQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	return New(testutil.NewDB(t), opts...)
}

func TestEnqueue_Dedupe(t *testing.T) {
	q := newQueue(t)

	ok, err := q.Enqueue("msg-1", "TASK-20260116-001", "board", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, ok, "first enqueue must return true")

	for i := 0; i < 3; i++ {
		ok, err := q.Enqueue("msg-1", "TASK-20260116-001", "board", []byte(`{"a":1}`))
		require.NoError(t, err)
		assert.False(t, ok, "subsequent enqueues must return false")
	}

	pending, err := q.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestPending_FIFO(t *testing.T) {
	now := time.Now()
	clock := now
	q := newQueue(t, WithClock(func() time.Time { return clock }))

	for i := 0; i < 3; i++ {
		clock = now.Add(time.Duration(i) * time.Millisecond)
		_, err := q.Enqueue(fmt.Sprintf("msg-%d", i), "", "board", []byte(`{}`))
		require.NoError(t, err)
	}

	pending, err := q.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, m := range pending {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), m.MessageID)
	}
}

func TestPendingFor_FiltersByLane(t *testing.T) {
	q := newQueue(t)

	_, err := q.Enqueue("e1", "", "board", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue("e1-orchestrator", "", "orchestrator", []byte(`{}`))
	require.NoError(t, err)

	pending, err := q.PendingFor("orchestrator", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e1-orchestrator", pending[0].MessageID)
}

func TestMarkSentAcked(t *testing.T) {
	q := newQueue(t)

	_, err := q.Enqueue("msg-1", "", "board", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.MarkSent("msg-1"))
	pending, err := q.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "SENT messages are not pending")

	require.NoError(t, q.MarkAcked("msg-1"))
	assert.ErrorIs(t, q.MarkAcked("missing"), ErrNotFound)
}

func TestMarkNacked_BackoffSchedule(t *testing.T) {
	now := time.Now()
	q := newQueue(t, WithClock(func() time.Time { return now }))

	_, err := q.Enqueue("msg-1", "", "board", []byte(`{}`))
	require.NoError(t, err)

	// k-th nack schedules now + delays[min(k, len-1)].
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 4 * time.Second}
	for k, want := range wantDelays {
		require.NoError(t, q.MarkNacked("msg-1", "boom"))

		var nextRetry int64
		var retryCount int
		err := q.db.QueryRow(
			`SELECT next_retry_at, retry_count FROM messages WHERE message_id = ?`, "msg-1",
		).Scan(&nextRetry, &retryCount)
		require.NoError(t, err)
		assert.Equal(t, k+1, retryCount)
		assert.Equal(t, now.Add(want).UnixNano(), nextRetry, "nack %d", k+1)
	}
}

func TestMarkNacked_MovesToDLQAfterMaxRetries(t *testing.T) {
	q := newQueue(t)

	_, err := q.Enqueue("msg-1", "TASK-20260116-001", "board", []byte(`{}`))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries; i++ {
		require.NoError(t, q.MarkNacked("msg-1", "boom"))
	}
	// Budget exhausted: the next nack dead-letters the message.
	require.NoError(t, q.MarkNacked("msg-1", "final failure"))

	dlq, err := q.DLQMessages(10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "msg-1", dlq[0].MessageID)
	assert.Equal(t, DefaultMaxRetries, dlq[0].RetryCount)
	assert.Equal(t, "final failure", dlq[0].ErrorMessage)

	pending, err := q.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "DLQ messages are not pending")
}

func TestMarkNacked_NotDeliverableUntilBackoffElapses(t *testing.T) {
	now := time.Now()
	clock := now
	q := newQueue(t, WithClock(func() time.Time { return clock }))

	_, err := q.Enqueue("msg-1", "", "board", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.MarkNacked("msg-1", "boom"))

	pending, err := q.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "backoff window still open")

	clock = now.Add(5 * time.Second)
	pending, err = q.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StatusNacked, pending[0].Status)
}

func TestReplayDLQ(t *testing.T) {
	q := newQueue(t)

	_, err := q.Enqueue("msg-1", "", "board", []byte(`{}`))
	require.NoError(t, err)
	for i := 0; i <= DefaultMaxRetries; i++ {
		require.NoError(t, q.MarkNacked("msg-1", "boom"))
	}

	ok, err := q.ReplayDLQ("msg-1")
	require.NoError(t, err)
	require.True(t, ok)

	dlq, err := q.DLQMessages(10)
	require.NoError(t, err)
	assert.Empty(t, dlq)

	pending, err := q.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)

	// Dedupe still holds: the replayed id cannot be enqueued fresh.
	dup, err := q.Enqueue("msg-1", "", "board", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestReplayDLQ_MissingID(t *testing.T) {
	q := newQueue(t)

	ok, err := q.ReplayDLQ("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
