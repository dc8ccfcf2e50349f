package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_AccumulatesParticipants(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx, err := store.Record("QR-PIPE-v2__20260116", Update{
		FromAgent: "orchestrator",
		ToAgent:   "quant_dev",
		Summary:   "kickoff",
		KeyPoints: []string{"scope agreed"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"orchestrator", "quant_dev"}, ctx.Participants)
	assert.Equal(t, 1, ctx.MessageCount)
	assert.Equal(t, "kickoff", ctx.Summary)

	// Repeat senders are not duplicated.
	ctx, err = store.Record("QR-PIPE-v2__20260116", Update{
		FromAgent:   "quant_dev",
		ToAgent:     "tester",
		NextActions: []string{"run suite"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"orchestrator", "quant_dev", "tester"}, ctx.Participants)
	assert.Equal(t, 2, ctx.MessageCount)
	assert.Equal(t, "kickoff", ctx.Summary)
	assert.Equal(t, []string{"run suite"}, ctx.NextActions)
}

func TestRecord_TruncatesToLastTen(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		_, err := store.Record("T__20260116", Update{
			FromAgent: "a",
			ToAgent:   "b",
			KeyPoints: []string{fmt.Sprintf("point-%d", i)},
		})
		require.NoError(t, err)
	}

	ctx, err := store.Get("T__20260116")
	require.NoError(t, err)
	require.Len(t, ctx.KeyPoints, 10)
	assert.Equal(t, "point-2", ctx.KeyPoints[0])
	assert.Equal(t, "point-11", ctx.KeyPoints[9])
}

func TestRecord_Timestamps(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	at := time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	ctx, err := store.Record("T__20260116", Update{FromAgent: "a", ToAgent: "b", At: at})
	require.NoError(t, err)
	assert.Equal(t, at, ctx.LastMessageAt)
}

func TestGet_MissingReturnsEmpty(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx, err := store.Get("NOPE__20260101")
	require.NoError(t, err)
	assert.Equal(t, "NOPE__20260101", ctx.TaskCode)
	assert.Zero(t, ctx.MessageCount)
}
