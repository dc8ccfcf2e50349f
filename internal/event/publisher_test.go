package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/atabus/internal/queue"
	"github.com/quantsys/atabus/internal/testutil"
)

func newPublisher(t *testing.T) (*Publisher, *queue.Queue) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	q := queue.New(testutil.NewDB(t))
	return NewPublisher(store, q, "test"), q
}

func TestPublish_FanOutPerLane(t *testing.T) {
	p, q := newPublisher(t)

	ev, err := p.PublishTaskCreated("AREA-20260116-001", map[string]any{"goal": "demo"})
	require.NoError(t, err)

	// Exactly one queued copy per lane with the documented message-id patterns.
	for laneName, wantID := range map[string]string{
		LaneBoard:        ev.EventID,
		LaneOrchestrator: ev.EventID + "-orchestrator",
		LaneBridge:       ev.EventID + "-aws",
	} {
		pending, err := q.PendingFor(laneName, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1, "lane %s", laneName)
		assert.Equal(t, wantID, pending[0].MessageID)
		assert.Equal(t, "AREA-20260116-001", pending[0].TaskID)

		var decoded Event
		require.NoError(t, json.Unmarshal(pending[0].Payload, &decoded))
		assert.Equal(t, ev.EventID, decoded.EventID)
		assert.Equal(t, TaskCreated, decoded.Type)
	}
}

func TestPublish_PersistsToStore(t *testing.T) {
	p, _ := newPublisher(t)

	ev, err := p.PublishVerdict("AREA-20260116-001", "fail", []string{"STAGE_MISSING"}, nil)
	require.NoError(t, err)

	stored, err := p.Store().Get(ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, VerdictGenerated, stored.Type)
	assert.Equal(t, "fail", stored.Payload["status"])

	byCorr, err := p.Store().ListByCorrelation("AREA-20260116-001", 0)
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
}

func TestStore_AppendIsImmutable(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ev := New(TaskCreated, "AREA-20260116-001", "test", nil)
	require.NoError(t, store.Append(ev))
	assert.ErrorIs(t, store.Append(ev), ErrDuplicate)
}

func TestStore_ListOrdersByTimestamp(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first := New(TaskCreated, "A-20260116-001", "test", nil)
	second := New(TaskUpdated, "A-20260116-001", "test", nil)
	second.Timestamp = first.Timestamp.Add(1)

	// Append out of order; List must sort by timestamp.
	require.NoError(t, store.Append(second))
	require.NoError(t, store.Append(first))

	events, err := store.List()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.EventID, events[0].EventID)
	assert.Equal(t, second.EventID, events[1].EventID)
}
