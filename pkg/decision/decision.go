// Package decision creates and verifies signed decision records: the
// immutable, canonical-JSON artifacts documenting every significant
// choice the engine makes (planning, tool calls, verification, the
// final response, and policy rejections).
package decision

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
	"github.com/tillerlabs/tiller/pkg/crypto"
	"github.com/tillerlabs/tiller/pkg/worm"
)

// Kind labels what a record documents.
type Kind string

const (
	KindPlanning     Kind = "planning"
	KindToolCall     Kind = "tool_call"
	KindVerification Kind = "verification"
	KindResponse     Kind = "response"
	KindPolicyReject Kind = "policy_reject"
)

// Verification outcomes for Verify.
type Status string

const (
	StatusOK           Status = "ok"
	StatusBadSignature Status = "bad_signature"
	StatusBadHash      Status = "bad_hash"
)

var (
	ErrUnsigned   = errors.New("decision: record is unsigned")
	ErrStoreWrite = errors.New("decision: store write failed")
)

// Record is immutable once written. The signature is detached: it covers
// the canonical JSON form of the record with an empty signature field.
type Record struct {
	ID                     string   `json:"dr_id"`
	Timestamp              string   `json:"timestamp"` // ISO-8601 with offset
	Actor                  string   `json:"actor"`
	TaskID                 *string  `json:"task_id"`
	ConversationID         string   `json:"conversation_id,omitempty"`
	DecisionType           Kind     `json:"decision_type"`
	InputHash              string   `json:"input_hash"`
	PlanHash               string   `json:"plan_hash"`
	ResultHash             string   `json:"result_hash"`
	ToolsUsed              []string `json:"tools_used"`
	AlternativesConsidered []string `json:"alternatives_considered"`
	Frameworks             []string `json:"frameworks"`
	Signature              string   `json:"signature"`
}

// Context carries the request-scoped fields of a record.
type Context struct {
	Actor          string
	TaskID         string
	ConversationID string
	ToolsUsed      []string
	Alternatives   []string
}

// Manager builds, signs, persists, and journals decision records.
type Manager struct {
	mu         sync.Mutex
	signer     crypto.Signer
	journal    *worm.Log
	dir        string
	frameworks []string
	now        func() time.Time
	log        *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFrameworks declares the compliance frameworks stamped onto records.
func WithFrameworks(frameworks []string) ManagerOption {
	return func(m *Manager) { m.frameworks = frameworks }
}

// WithNow injects the timestamp source.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = lg }
}

// NewManager creates a Manager persisting records under dir
// (one DR-*.json file per record) and journaling to the WORM log.
// journal may be nil in offline verification tools.
func NewManager(signer crypto.Signer, dir string, journal *worm.Log, opts ...ManagerOption) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	m := &Manager{
		signer:  signer,
		journal: journal,
		dir:     dir,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Record builds a signed record for the given decision. input, plan, and
// result may be any JSON-serializable values; each is hashed through the
// canonical form, so structurally equal values hash identically.
func (m *Manager) Record(kind Kind, input, plan, result any, dctx Context) (*Record, error) {
	inputHash, err := canonicalize.Hash(input)
	if err != nil {
		return nil, fmt.Errorf("decision: input hash: %w", err)
	}
	planHash, err := canonicalize.Hash(plan)
	if err != nil {
		return nil, fmt.Errorf("decision: plan hash: %w", err)
	}
	resultHash, err := canonicalize.Hash(result)
	if err != nil {
		return nil, fmt.Errorf("decision: result hash: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := &Record{
		ID:                     newID(now),
		Timestamp:              now.Format(time.RFC3339),
		Actor:                  dctx.Actor,
		ConversationID:         dctx.ConversationID,
		DecisionType:           kind,
		InputHash:              inputHash,
		PlanHash:               planHash,
		ResultHash:             resultHash,
		ToolsUsed:              emptyIfNil(dctx.ToolsUsed),
		AlternativesConsidered: emptyIfNil(dctx.Alternatives),
		Frameworks:             emptyIfNil(m.frameworks),
	}
	if dctx.TaskID != "" {
		id := dctx.TaskID
		rec.TaskID = &id
	}

	if err := m.sign(rec); err != nil {
		return nil, err
	}
	if err := m.persist(rec); err != nil {
		return nil, err
	}
	if m.journal != nil {
		if _, err := m.journal.Append("decision.recorded", map[string]any{
			"dr_id":         rec.ID,
			"decision_type": string(rec.DecisionType),
			"actor":         rec.Actor,
			"input_hash":    rec.InputHash,
		}); err != nil {
			m.log.Warn("decision journal append failed", "dr_id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// Verify checks a record's detached signature against the public key.
func Verify(rec *Record, pub ed25519.PublicKey) Status {
	if rec.Signature == "" {
		return StatusBadSignature
	}
	payload, err := signingBytes(rec)
	if err != nil {
		return StatusBadSignature
	}
	if crypto.Verify(pub, rec.Signature, payload) != nil {
		return StatusBadSignature
	}
	return StatusOK
}

// VerifyAgainst additionally recomputes the three content hashes from
// the original values and reports bad_hash on any mismatch.
func VerifyAgainst(rec *Record, pub ed25519.PublicKey, input, plan, result any) Status {
	if st := Verify(rec, pub); st != StatusOK {
		return st
	}
	for _, check := range []struct {
		stored string
		value  any
	}{
		{rec.InputHash, input},
		{rec.PlanHash, plan},
		{rec.ResultHash, result},
	} {
		h, err := canonicalize.Hash(check.value)
		if err != nil || h != check.stored {
			return StatusBadHash
		}
	}
	return StatusOK
}

// Load reads a persisted record by id.
func (m *Manager) Load(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("decision: load %s: %w", id, err)
	}
	return Parse(data)
}

// PublicKey exposes the verification key for this manager's records.
func (m *Manager) PublicKey() ed25519.PublicKey {
	return m.signer.PublicKey()
}

func (m *Manager) sign(rec *Record) error {
	payload, err := signingBytes(rec)
	if err != nil {
		return err
	}
	sig, err := m.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("decision: signing failed: %w", err)
	}
	rec.Signature = sig
	return nil
}

func (m *Manager) persist(rec *Record) error {
	data, err := Serialize(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, rec.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

// signingBytes is the canonical form of the record with the signature
// field cleared.
func signingBytes(rec *Record) ([]byte, error) {
	unsigned := *rec
	unsigned.Signature = ""
	return canonicalize.JCS(&unsigned)
}

func newID(now time.Time) string {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// Clock-derived fallback keeps ids unique enough for filenames.
		return fmt.Sprintf("DR-%s-%08x", now.UTC().Format("20060102-150405"), now.UnixNano())
	}
	return fmt.Sprintf("DR-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix[:]))
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
