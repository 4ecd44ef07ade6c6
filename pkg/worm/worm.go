// Package worm implements the append-only, hash-chained event journal
// backing the audit trail. Entries are written as JSONL segments under a
// log directory, chained by hash(n) = SHA-256(hash(n-1) || canonical
// payload(n)), and periodically sealed with a signed Merkle root.
//
// Entries are never rewritten. Corruption is reported by Verify, never
// silently repaired; an explicit repair record can acknowledge a known
// divergence without touching the damaged entry.
package worm

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
	"github.com/tillerlabs/tiller/pkg/crypto"
	"github.com/tillerlabs/tiller/pkg/merkle"
	"github.com/tillerlabs/tiller/pkg/redact"
)

// GenesisHash anchors the chain before the first entry.
const GenesisHash = "sha256:genesis"

// Reserved event kinds emitted by the log itself.
const (
	KindSealed     = "worm.sealed"
	KindRepair     = "worm.repair"
	KindCheckpoint = "worm.checkpoint"
)

var (
	// ErrStorage wraps failures of the underlying medium.
	ErrStorage = errors.New("worm: storage error")
	// ErrSealUnavailable is returned by Seal when no signer is configured.
	ErrSealUnavailable = errors.New("worm: no sealing signer configured")
)

// Event is one journal entry.
type Event struct {
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"ts"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	PriorHash  string          `json:"prior_hash"`
	Hash       string          `json:"hash"`
	MerkleRoot string          `json:"merkle_root,omitempty"`
	Signature  string          `json:"signature,omitempty"`
}

// repairPayload is the payload shape of a KindRepair event.
type repairPayload struct {
	EntrySeq     uint64 `json:"entry_seq"`
	ObservedHash string `json:"observed_hash"`
	Note         string `json:"note,omitempty"`
}

// checkpoint opens each segment after the first, anchoring it to the
// previous segment's final hash.
type checkpoint struct {
	Checkpoint struct {
		PriorSegment string `json:"prior_segment"`
		FinalHash    string `json:"final_hash"`
		NextSeq      uint64 `json:"next_seq"`
	} `json:"checkpoint"`
}

// Clock provides the journal's notion of time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Option configures a Log.
type Option func(*Log)

// WithRedactor sets the PII redactor applied to every payload.
func WithRedactor(r *redact.Redactor) Option {
	return func(l *Log) { l.redactor = r }
}

// WithSealer sets the signer used by Seal and enables automatic sealing
// every n appends (n <= 0 disables automatic sealing).
func WithSealer(s crypto.Signer, every int) Option {
	return func(l *Log) {
		l.sealer = s
		l.sealEvery = every
	}
}

// WithSegmentSize caps events per segment file before rollover.
func WithSegmentSize(n int) Option {
	return func(l *Log) { l.segmentSize = n }
}

// WithClock injects a clock.
func WithClock(c Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) { l.log = lg }
}

// Log is the append-only journal. Appends serialize behind a mutex that
// protects the hash chain; reads copy from an immutable snapshot.
type Log struct {
	mu          sync.Mutex
	dir         string
	entries     []Event
	chainTip    string
	nextSeq     uint64
	lastSealed  int // count of entries covered by the latest seal
	segment     *os.File
	segmentIdx  int
	segmentLen  int
	segmentSize int
	sealEvery   int
	sealer      crypto.Signer
	redactor    *redact.Redactor
	clock       Clock
	log         *slog.Logger

	snapMu   sync.RWMutex
	snapshot []Event
}

// Open creates or reopens a journal rooted at dir. Existing segments are
// replayed in order; a trailing partial line (torn write) is truncated.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	l := &Log{
		dir:         dir,
		chainTip:    GenesisHash,
		segmentSize: 4096,
		clock:       wallClock{},
		redactor:    redact.NewDefault(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.load(); err != nil {
		return nil, err
	}
	if err := l.openSegment(); err != nil {
		return nil, err
	}
	l.publishSnapshot()
	return l, nil
}

// Close releases the active segment file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.segment == nil {
		return nil
	}
	err := l.segment.Close()
	l.segment = nil
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Append redacts payload, chains it onto the journal, durably writes the
// entry, and returns its sequence number. On a storage failure the
// in-memory state is rolled back and ErrStorage is returned.
func (l *Log) Append(kind string, payload any) (uint64, error) {
	canonical, err := l.canonicalPayload(payload)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev, err := l.appendLocked(kind, canonical)
	if err != nil {
		return 0, err
	}

	if l.sealEvery > 0 && l.sealer != nil && len(l.entries)-l.lastSealed >= l.sealEvery {
		if _, _, err := l.sealLocked(uint64(len(l.entries)) - 1); err != nil {
			l.log.Warn("automatic seal failed", "error", err)
		}
	}

	l.publishSnapshot()
	return ev.Seq, nil
}

func (l *Log) appendLocked(kind string, canonical []byte) (*Event, error) {
	preimage := make([]byte, 0, len(l.chainTip)+len(canonical))
	preimage = append(preimage, l.chainTip...)
	preimage = append(preimage, canonical...)

	ev := Event{
		Seq:       l.nextSeq,
		Timestamp: l.clock.Now().UTC(),
		Kind:      kind,
		Payload:   canonical,
		PriorHash: l.chainTip,
		Hash:      canonicalize.HashBytes(preimage),
	}

	if err := l.writeEntry(&ev); err != nil {
		return nil, err
	}

	l.entries = append(l.entries, ev)
	l.chainTip = ev.Hash
	l.nextSeq++
	l.segmentLen++

	if l.segmentSize > 0 && l.segmentLen >= l.segmentSize {
		if err := l.rotateLocked(); err != nil {
			// The entry is durable; rollover failure only affects future writes.
			l.log.Warn("segment rotation failed", "error", err)
		}
	}
	return &l.entries[len(l.entries)-1], nil
}

func (l *Log) canonicalPayload(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("worm: payload not serializable: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("worm: payload decode: %w", err)
	}
	if l.redactor != nil {
		decoded = l.redactor.RedactValue(decoded)
	}
	canonical, err := canonicalize.JCS(decoded)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

func (l *Log) writeEntry(ev *Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("worm: entry marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.segment.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := l.segment.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// VerifyResult reports the outcome of chain verification.
type VerifyResult struct {
	OK       bool
	BrokenAt int64 // sequence of the first divergent entry; -1 when OK
	Reason   string
}

// Verify re-hashes the chain from the origin and reports the first
// divergence. A divergence acknowledged by a later repair record (whose
// observed hash matches the recomputation) does not break the chain.
func (l *Log) Verify() VerifyResult {
	entries := l.Entries()

	repairs := make(map[uint64]string)
	for _, ev := range entries {
		if ev.Kind != KindRepair {
			continue
		}
		var rp repairPayload
		if err := json.Unmarshal(ev.Payload, &rp); err == nil {
			repairs[rp.EntrySeq] = rp.ObservedHash
		}
	}

	prior := GenesisHash
	for i, ev := range entries {
		if ev.Seq != uint64(i) {
			return VerifyResult{BrokenAt: int64(ev.Seq), Reason: fmt.Sprintf("sequence gap: entry %d carries seq %d", i, ev.Seq)}
		}
		if ev.PriorHash != prior {
			return VerifyResult{BrokenAt: int64(ev.Seq), Reason: "prior hash mismatch"}
		}
		preimage := append([]byte(ev.PriorHash), ev.Payload...)
		recomputed := canonicalize.HashBytes(preimage)
		if recomputed != ev.Hash {
			if repairs[ev.Seq] != recomputed {
				return VerifyResult{BrokenAt: int64(ev.Seq), Reason: "payload hash mismatch"}
			}
		}
		prior = ev.Hash
	}
	return VerifyResult{OK: true, BrokenAt: -1}
}

// Seal finalizes the prefix up to and including sequence upTo: it builds
// a Merkle tree over the unsealed entries, signs the root, and appends a
// worm.sealed event carrying both.
func (l *Log) Seal(upTo uint64) (root, signature string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, signature, err = l.sealLocked(upTo)
	if err == nil {
		l.publishSnapshot()
	}
	return root, signature, err
}

func (l *Log) sealLocked(upTo uint64) (string, string, error) {
	if l.sealer == nil {
		return "", "", ErrSealUnavailable
	}
	if upTo >= uint64(len(l.entries)) {
		return "", "", fmt.Errorf("worm: seal target %d beyond tip %d", upTo, len(l.entries)-1)
	}
	covered := l.entries[l.lastSealed : upTo+1]
	if len(covered) == 0 {
		return "", "", errors.New("worm: nothing to seal")
	}

	leaves := make([][]byte, len(covered))
	for i, ev := range covered {
		leaves[i] = []byte(ev.Hash)
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", "", err
	}
	root := tree.Root()
	sig, err := l.sealer.Sign([]byte(root))
	if err != nil {
		return "", "", fmt.Errorf("worm: seal signing failed: %w", err)
	}

	canonical, err := l.canonicalPayload(map[string]any{
		"from_seq": covered[0].Seq,
		"to_seq":   covered[len(covered)-1].Seq,
		"entries":  len(covered),
	})
	if err != nil {
		return "", "", err
	}
	ev, err := l.appendLocked(KindSealed, canonical)
	if err != nil {
		return "", "", err
	}
	ev.MerkleRoot = root
	ev.Signature = sig
	l.chainTipRewrite(ev)
	l.lastSealed = int(upTo) + 1

	return root, sig, nil
}

// chainTipRewrite persists the seal metadata on the just-written entry.
// The merkle root and signature are outside the hash preimage, so the
// chain is unaffected; the line is re-emitted for durability.
func (l *Log) chainTipRewrite(ev *Event) {
	if err := l.writeEntry(ev); err != nil {
		l.log.Warn("seal metadata write failed", "seq", ev.Seq, "error", err)
	}
}

// AppendRepair records an acknowledged divergence at entrySeq. The
// damaged entry itself is never modified.
func (l *Log) AppendRepair(entrySeq uint64, note string) (uint64, error) {
	entries := l.Entries()
	if entrySeq >= uint64(len(entries)) {
		return 0, fmt.Errorf("worm: repair target %d beyond tip", entrySeq)
	}
	target := entries[entrySeq]
	preimage := append([]byte(target.PriorHash), target.Payload...)
	return l.Append(KindRepair, repairPayload{
		EntrySeq:     entrySeq,
		ObservedHash: canonicalize.HashBytes(preimage),
		Note:         note,
	})
}

// Entries returns a point-in-time copy of the journal.
func (l *Log) Entries() []Event {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snapshot
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.Entries())
}

// Tip returns the current chain head hash.
func (l *Log) Tip() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainTip
}

func (l *Log) publishSnapshot() {
	snap := make([]Event, len(l.entries))
	copy(snap, l.entries)
	l.snapMu.Lock()
	l.snapshot = snap
	l.snapMu.Unlock()
}

// --- segment persistence ---

func segmentName(idx int) string {
	return fmt.Sprintf("events-%06d.jsonl", idx)
}

func (l *Log) load() error {
	names, err := filepath.Glob(filepath.Join(l.dir, "events-*.jsonl"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := l.loadSegment(name); err != nil {
			return err
		}
		l.segmentIdx++
	}
	if l.segmentIdx > 0 {
		l.segmentIdx-- // reopen the last segment for appending
	}
	for _, ev := range l.entries {
		if ev.Kind == KindSealed {
			l.lastSealed = int(ev.Seq)
		}
	}
	return nil
}

func (l *Log) loadSegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer f.Close()

	var validLen int64
	l.segmentLen = 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			validLen += int64(len(line)) + 1
			continue
		}
		if first {
			first = false
			var cp checkpoint
			if err := json.Unmarshal(line, &cp); err == nil && cp.Checkpoint.FinalHash != "" {
				validLen += int64(len(line)) + 1
				continue
			}
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Torn write at the tail: truncate and stop.
			l.log.Warn("truncating partial journal line", "segment", path, "offset", validLen)
			if terr := os.Truncate(path, validLen); terr != nil {
				return fmt.Errorf("%w: truncate: %v", ErrStorage, terr)
			}
			return nil
		}
		// A seal rewrite re-emits the same seq with metadata; replace.
		if n := len(l.entries); n > 0 && l.entries[n-1].Seq == ev.Seq {
			l.entries[n-1] = ev
		} else {
			l.entries = append(l.entries, ev)
			l.segmentLen++
		}
		l.chainTip = ev.Hash
		l.nextSeq = ev.Seq + 1
		validLen += int64(len(line)) + 1
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (l *Log) openSegment() error {
	path := filepath.Join(l.dir, segmentName(l.segmentIdx))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	l.segment = f
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.segment.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	prior := segmentName(l.segmentIdx)
	l.segmentIdx++
	l.segmentLen = 0
	if err := l.openSegment(); err != nil {
		return err
	}

	var cp checkpoint
	cp.Checkpoint.PriorSegment = prior
	cp.Checkpoint.FinalHash = l.chainTip
	cp.Checkpoint.NextSeq = l.nextSeq
	line, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("worm: checkpoint marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.segment.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := l.segment.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
