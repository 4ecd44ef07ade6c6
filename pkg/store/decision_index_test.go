package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerlabs/tiller/pkg/crypto"
	"github.com/tillerlabs/tiller/pkg/decision"
)

func newIndex(t *testing.T) *SQLiteDecisionIndex {
	t.Helper()
	idx, err := OpenDecisionIndex(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func newRecord(t *testing.T, kind decision.Kind, conv string) *decision.Record {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("decision")
	require.NoError(t, err)
	m, err := decision.NewManager(signer, t.TempDir(), nil)
	require.NoError(t, err)
	rec, err := m.Record(kind, "input", nil, "result", decision.Context{
		Actor:          "agent",
		ConversationID: conv,
	})
	require.NoError(t, err)
	return rec
}

func TestPutAndGet(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	rec := newRecord(t, decision.KindPlanning, "conv-1")
	require.NoError(t, idx.Put(ctx, rec))

	got, err := idx.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestPut_RejectsDuplicate(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	rec := newRecord(t, decision.KindPlanning, "conv-1")
	require.NoError(t, idx.Put(ctx, rec))
	assert.Error(t, idx.Put(ctx, rec))
}

func TestFind_Filters(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	a := newRecord(t, decision.KindPlanning, "conv-1")
	b := newRecord(t, decision.KindToolCall, "conv-1")
	c := newRecord(t, decision.KindResponse, "conv-2")
	for _, r := range []*decision.Record{a, b, c} {
		require.NoError(t, idx.Put(ctx, r))
	}

	byConv, err := idx.Find(ctx, Query{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Len(t, byConv, 2)

	byKind, err := idx.Find(ctx, Query{DecisionType: decision.KindResponse})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, c.ID, byKind[0].ID)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
