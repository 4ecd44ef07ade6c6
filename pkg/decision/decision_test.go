package decision

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerlabs/tiller/pkg/crypto"
	"github.com/tillerlabs/tiller/pkg/worm"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *worm.Log) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("decision")
	require.NoError(t, err)
	journal, err := worm.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	m, err := NewManager(signer, t.TempDir(), journal, opts...)
	require.NoError(t, err)
	return m, journal
}

func TestRecord_SignedAndVerifiable(t *testing.T) {
	m, journal := newTestManager(t)

	input := map[string]any{"query": "read sales.csv"}
	plan := map[string]any{"tasks": []any{"t1", "t2"}}
	result := map[string]any{"status": "ok"}

	rec, err := m.Record(KindPlanning, input, plan, result, Context{
		Actor:          "agent",
		ConversationID: "conv-1",
		ToolsUsed:      []string{"file_read@1.0.0"},
	})
	require.NoError(t, err)

	assert.Regexp(t, `^DR-\d{8}-\d{6}-[0-9a-f]{8}$`, rec.ID)
	assert.True(t, strings.HasPrefix(rec.InputHash, "sha256:"))
	assert.Equal(t, StatusOK, Verify(rec, m.PublicKey()))
	assert.Equal(t, StatusOK, VerifyAgainst(rec, m.PublicKey(), input, plan, result))

	// A decision.recorded event lands in the journal.
	events := journal.Entries()
	require.Len(t, events, 1)
	assert.Equal(t, "decision.recorded", events[0].Kind)
	assert.Contains(t, string(events[0].Payload), rec.ID)
}

func TestVerify_TamperedRecord(t *testing.T) {
	m, _ := newTestManager(t)

	rec, err := m.Record(KindToolCall, "in", "plan", "out", Context{Actor: "agent", TaskID: "t1"})
	require.NoError(t, err)

	tampered := *rec
	tampered.Actor = "intruder"
	assert.Equal(t, StatusBadSignature, Verify(&tampered, m.PublicKey()))

	unsigned := *rec
	unsigned.Signature = ""
	assert.Equal(t, StatusBadSignature, Verify(&unsigned, m.PublicKey()))
}

func TestVerifyAgainst_HashMismatch(t *testing.T) {
	m, _ := newTestManager(t)

	rec, err := m.Record(KindToolCall, "in", "plan", "out", Context{Actor: "agent"})
	require.NoError(t, err)

	assert.Equal(t, StatusBadHash, VerifyAgainst(rec, m.PublicKey(), "different-input", "plan", "out"))
	assert.Equal(t, StatusBadHash, VerifyAgainst(rec, m.PublicKey(), "in", "plan", "different-out"))
}

func TestRecord_Persisted(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("decision")
	require.NoError(t, err)
	dir := t.TempDir()
	m, err := NewManager(signer, dir, nil)
	require.NoError(t, err)

	rec, err := m.Record(KindResponse, "q", nil, "answer", Context{Actor: "agent"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, rec.ID+".json"))
	require.NoError(t, err)

	loaded, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)
	assert.Equal(t, StatusOK, Verify(loaded, m.PublicKey()))
}

func TestSerialize_RoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	rec, err := m.Record(KindVerification, 1, 2, 3, Context{Actor: "verifier", TaskID: "t9"})
	require.NoError(t, err)

	data, err := Serialize(rec)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	// Serialization is canonical: serializing again yields identical bytes.
	data2, err := Serialize(back)
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestRecord_TaskIDNullWhenAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	rec, err := m.Record(KindPlanning, "q", nil, nil, Context{Actor: "agent"})
	require.NoError(t, err)
	assert.Nil(t, rec.TaskID)

	data, err := Serialize(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":null`)
}

func TestRecord_EqualInputsHashEqual(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Record(KindPlanning, map[string]any{"x": 1, "y": 2}, nil, nil, Context{Actor: "agent"})
	require.NoError(t, err)
	b, err := m.Record(KindPlanning, map[string]any{"y": 2, "x": 1}, nil, nil, Context{Actor: "agent"})
	require.NoError(t, err)

	assert.Equal(t, a.InputHash, b.InputHash)
}
