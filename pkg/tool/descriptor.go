// Package tool provides the tool registry and the invocation adapter
// the executor calls through: descriptor-driven argument validation,
// policy gating, timeouts, rate limits, and redacted audit events.
package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrUnknownTool = errors.New("tool: unknown tool")
	ErrBadVersion  = errors.New("tool: invalid version")
	ErrBadSchema   = errors.New("tool: invalid argument schema")
)

// Class labels a tool's side effects. The planner derives parallelism
// hints from it: pure and read tools are parallel-safe.
type Class string

const (
	ClassPure      Class = "pure"
	ClassRead      Class = "read"
	ClassWrite     Class = "write"
	ClassNetwork   Class = "network"
	ClassDangerous Class = "dangerous"
)

// ParallelSafe reports whether tasks using this class may run
// concurrently without coordination.
func (c Class) ParallelSafe() bool {
	return c == ClassPure || c == ClassRead
}

// Descriptor declares a tool's contract.
type Descriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Version      string          `json:"version"`
	ArgsSchema   json.RawMessage `json:"args_schema,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	SideEffect   Class           `json:"side_effect"`

	// Timeout is the invocation deadline; per-call options may override
	// it. A zero deadline leaves calls with no time budget: they return
	// TIMEOUT without running.
	Timeout time.Duration `json:"timeout_ns"`

	// Postconditions are predicate expressions the verifier evaluates
	// against results of tasks using this tool.
	Postconditions []string `json:"postconditions,omitempty"`

	// RatePerSec and Burst bound the invocation rate; zero disables
	// limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// Ref renders the name@version form used in decision records.
func (d Descriptor) Ref() string {
	return d.Name + "@" + d.Version
}

// compile parses the version and argument schema, returning the
// compiled schema (nil when the descriptor declares none).
func (d Descriptor) compile() (*semver.Version, *jsonschema.Schema, error) {
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %q: %v", ErrBadVersion, d.Name, d.Version, err)
	}
	if len(d.ArgsSchema) == 0 {
		return v, nil, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "tiller://tools/" + d.Name + "/" + d.Version + "/args.json"
	if err := compiler.AddResource(url, bytes.NewReader(d.ArgsSchema)); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrBadSchema, d.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrBadSchema, d.Name, err)
	}
	return v, schema, nil
}
