package message

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewID_Format(t *testing.T) {
	now := time.Date(2026, 1, 16, 9, 30, 45, 0, time.UTC)
	id := NewID(now)
	assert.Regexp(t, regexp.MustCompile(`^ATA-MSG-20260116093045-[0-9a-f]{8}$`), id)
}

func TestSeal_HashExcludesIDAndHash(t *testing.T) {
	m := Message{
		TaskCode:  "QR-PIPE-v2__20260116",
		FromAgent: "orchestrator",
		ToAgent:   "quant_dev",
		Kind:      KindRequest,
		Payload:   map[string]any{"message": "@QuantDev#03 please review"},
		Priority:  PriorityNormal,
		Status:    StatusPending,
	}
	require.NoError(t, m.Seal())
	require.NotEmpty(t, m.MsgID)
	require.Len(t, m.SHA256, 64)

	ok, err := m.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	// Changing msg_id must not change the hash; changing content must.
	altered := m
	altered.MsgID = "ATA-MSG-20990101000000-deadbeef"
	sum, err := ComputeSHA256(altered)
	require.NoError(t, err)
	assert.Equal(t, m.SHA256, sum)

	altered.Payload = map[string]any{"message": "tampered"}
	sum, err = ComputeSHA256(altered)
	require.NoError(t, err)
	assert.NotEqual(t, m.SHA256, sum)
}

func TestComputeSHA256_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := Message{
			TaskCode:  rapid.StringMatching(`[A-Z]{2,6}__\d{8}`).Draw(t, "taskcode"),
			FromAgent: rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "from"),
			ToAgent:   rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "to"),
			Kind:      KindRequest,
			Payload:   map[string]any{"message": rapid.String().Draw(t, "body")},
			Priority:  PriorityNormal,
			Status:    StatusPending,
			CreatedAt: time.Unix(rapid.Int64Range(0, 1<<32).Draw(t, "ts"), 0).UTC(),
		}
		first, err := ComputeSHA256(m)
		require.NoError(t, err)
		second, err := ComputeSHA256(m)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestText(t *testing.T) {
	m := Message{Payload: map[string]any{"message": "hello"}}
	text, err := m.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	m = Message{Payload: map[string]any{"text": "fallback"}}
	text, err = m.Text()
	require.NoError(t, err)
	assert.Equal(t, "fallback", text)

	m = Message{Payload: map[string]any{"other": 1}}
	_, err = m.Text()
	assert.ErrorIs(t, err, ErrNoText)
}

func TestStore_WriteAndList(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		m := Message{
			TaskID:    "QSYS-20260116-001",
			TaskCode:  "QSYS__20260116",
			FromAgent: "a",
			ToAgent:   "b",
			Kind:      KindRequest,
			Payload:   map[string]any{"message": "hi"},
			Priority:  PriorityNormal,
			Status:    StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, m.Seal())
		path, err := store.Write(m)
		require.NoError(t, err)
		assert.FileExists(t, path)
	}

	// Files are keyed by task id when present, and listed in send order.
	messages, err := store.List("QSYS-20260116-001")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i := 1; i < len(messages); i++ {
		assert.True(t, messages[i-1].CreatedAt.Before(messages[i].CreatedAt))
	}

	none, err := store.List("QSYS-20260116-999")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_RejectsUnsealed(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Write(Message{TaskCode: "X__20260116"})
	assert.Error(t, err)
}

func TestStore_ReceiveFiltersByRecipient(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, to := range []string{"Tester", "Worker", "Tester"} {
		m := Message{
			TaskID:    "RCV-20260116-001",
			TaskCode:  "RCV__20260116",
			FromAgent: "Orchestrator",
			ToAgent:   to,
			Kind:      KindRequest,
			Payload:   map[string]any{"message": "hello " + to},
			Priority:  PriorityNormal,
			Status:    StatusPending,
		}
		require.NoError(t, m.Seal())
		_, err := store.Write(m)
		require.NoError(t, err)
	}

	inbox, err := store.Receive("RCV-20260116-001", "Tester")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	for _, m := range inbox {
		assert.Equal(t, "Tester", m.ToAgent)
	}
}

func TestStore_MarkResealsHash(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	m := Message{
		TaskID:    "MRK-20260116-001",
		TaskCode:  "MRK__20260116",
		FromAgent: "Orchestrator",
		ToAgent:   "Tester",
		Kind:      KindRequest,
		Payload:   map[string]any{"message": "please ack"},
		Priority:  PriorityNormal,
		Status:    StatusPending,
	}
	require.NoError(t, m.Seal())
	_, err = store.Write(m)
	require.NoError(t, err)

	marked, err := store.Mark("MRK-20260116-001", m.MsgID, StatusAcked)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, marked.Status)
	assert.NotEqual(t, m.SHA256, marked.SHA256)

	ok, err := marked.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	listed, err := store.List("MRK-20260116-001")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusAcked, listed[0].Status)

	_, err = store.Mark("MRK-20260116-001", "ATA-MSG-20990101000000-deadbeef", StatusRead)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
