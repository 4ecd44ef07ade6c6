package worm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
	"github.com/tillerlabs/tiller/pkg/crypto"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	l, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppend_SequenceAndChain(t *testing.T) {
	l := newTestLog(t)

	seq0, err := l.Append("query.validated", map[string]any{"ok": true})
	require.NoError(t, err)
	seq1, err := l.Append("plan.created", map[string]any{"tasks": 2})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), seq0)
	assert.Equal(t, uint64(1), seq1)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, GenesisHash, entries[0].PriorHash)
	assert.Equal(t, entries[0].Hash, entries[1].PriorHash)

	// hash(n) = H(hash(n-1) || canonical_payload(n))
	preimage := append([]byte(entries[1].PriorHash), entries[1].Payload...)
	assert.Equal(t, canonicalize.HashBytes(preimage), entries[1].Hash)
}

func TestAppend_RedactsPayload(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append("tool.executed", map[string]any{
		"output": "wrote to bob@example.com",
	})
	require.NoError(t, err)

	entries := l.Entries()
	assert.Contains(t, string(entries[0].Payload), "[EMAIL_REDACTED]")
	assert.NotContains(t, string(entries[0].Payload), "bob@example.com")
}

func TestVerify_CleanChain(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 10; i++ {
		_, err := l.Append("event", map[string]any{"i": i})
		require.NoError(t, err)
	}
	res := l.Verify()
	assert.True(t, res.OK)
	assert.Equal(t, int64(-1), res.BrokenAt)
}

func TestReopen_ContinuesChain(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.Append("a", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = l.Append("b", map[string]any{"n": 2})
	require.NoError(t, err)
	tip := l.Tip()
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 2, l2.Len())
	assert.Equal(t, tip, l2.Tip())

	seq, err := l2.Append("c", map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.True(t, l2.Verify().OK)
}

func TestReopen_TruncatesPartialWrite(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.Append("a", map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a torn write: append half a JSON line.
	path := filepath.Join(dir, "events-000000.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":1,"ts":"2024-01-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 1, l2.Len())
	assert.True(t, l2.Verify().OK)

	seq, err := l2.Append("b", map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestTamperDetection(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append("event", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Flip a byte inside entry 2's payload on disk.
	path := filepath.Join(dir, "events-000000.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &ev))
	tampered := strings.Replace(lines[2], `"i":2`, `"i":9`, 1)
	require.NotEqual(t, lines[2], tampered)
	lines[2] = tampered
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	res := l2.Verify()
	assert.False(t, res.OK)
	assert.Equal(t, int64(2), res.BrokenAt)

	// The chain continues from the current tip: appends still work.
	_, err = l2.Append("after-tamper", map[string]any{"ok": true})
	require.NoError(t, err)

	// Still broken without a repair record.
	res = l2.Verify()
	assert.False(t, res.OK)
	assert.Equal(t, int64(2), res.BrokenAt)

	// An explicit repair record acknowledges the divergence.
	_, err = l2.AppendRepair(2, "byte flip acknowledged by operator")
	require.NoError(t, err)
	res = l2.Verify()
	assert.True(t, res.OK)
}

func TestSeal_MerkleRootAndSignature(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("worm-seal")
	require.NoError(t, err)

	l := newTestLog(t, WithSealer(signer, 0))
	for i := 0; i < 4; i++ {
		_, err := l.Append("event", map[string]any{"i": i})
		require.NoError(t, err)
	}

	root, sig, err := l.Seal(3)
	require.NoError(t, err)
	assert.Len(t, root, 64)
	require.NoError(t, crypto.Verify(signer.PublicKey(), sig, []byte(root)))

	entries := l.Entries()
	sealed := entries[len(entries)-1]
	assert.Equal(t, KindSealed, sealed.Kind)
	assert.Equal(t, root, sealed.MerkleRoot)
	assert.Equal(t, sig, sealed.Signature)
	assert.True(t, l.Verify().OK)
}

func TestSeal_Automatic(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("worm-seal")
	require.NoError(t, err)

	l := newTestLog(t, WithSealer(signer, 3))
	for i := 0; i < 3; i++ {
		_, err := l.Append("event", map[string]any{"i": i})
		require.NoError(t, err)
	}

	var sealedCount int
	for _, ev := range l.Entries() {
		if ev.Kind == KindSealed {
			sealedCount++
			assert.NotEmpty(t, ev.MerkleRoot)
			assert.NotEmpty(t, ev.Signature)
		}
	}
	assert.Equal(t, 1, sealedCount)
}

func TestSeal_NoSigner(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append("event", map[string]any{})
	require.NoError(t, err)
	_, _, err = l.Seal(0)
	assert.ErrorIs(t, err, ErrSealUnavailable)
}

func TestSegmentRotation_Checkpoint(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, WithSegmentSize(2))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append("event", map[string]any{"i": i})
		require.NoError(t, err)
	}
	tip := l.Tip()
	require.NoError(t, l.Close())

	names, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(names), 2)

	// The second segment opens with a checkpoint referencing the
	// previous segment's final hash.
	data, err := os.ReadFile(filepath.Join(dir, "events-000001.jsonl"))
	require.NoError(t, err)
	firstLine := strings.SplitN(string(data), "\n", 2)[0]
	var cp checkpoint
	require.NoError(t, json.Unmarshal([]byte(firstLine), &cp))
	assert.Equal(t, "events-000000.jsonl", cp.Checkpoint.PriorSegment)
	assert.NotEmpty(t, cp.Checkpoint.FinalHash)

	// Reopen across segments preserves chain and count.
	l2, err := Open(dir, WithSegmentSize(2))
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 5, l2.Len())
	assert.Equal(t, tip, l2.Tip())
	assert.True(t, l2.Verify().OK)
}

func TestClockInjection(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLog(t, WithClock(fixedClock{t: ts}))
	_, err := l.Append("event", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, ts, l.Entries()[0].Timestamp)
}
