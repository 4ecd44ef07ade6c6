package decision

import (
	"encoding/json"
	"fmt"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
)

// Serialize renders a record as canonical JSON, suitable for storage.
// Parse(Serialize(dr)) round-trips exactly.
func Serialize(rec *Record) ([]byte, error) {
	b, err := canonicalize.JCS(rec)
	if err != nil {
		return nil, fmt.Errorf("decision: serialize: %w", err)
	}
	return b, nil
}

// Parse decodes a stored record.
func Parse(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decision: parse: %w", err)
	}
	return &rec, nil
}
