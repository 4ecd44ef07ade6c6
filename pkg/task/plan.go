package task

import (
	"time"
)

// Strategy names a decomposition strategy.
type Strategy string

const (
	StrategyRuleBased  Strategy = "rule_based"
	StrategyModelBased Strategy = "model_based"
	StrategyHybrid     Strategy = "hybrid"
)

// Plan is a task graph plus decomposition metadata. The fingerprint is
// a stable hash of the normalized query, the tool capabilities, and the
// strategy; the plan cache keys on it.
type Plan struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	Strategy    Strategy  `json:"strategy"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`

	Graph *Graph `json:"-"`
}

// ToolNames returns the distinct tool actions in the plan's graph, in
// first-appearance order. Sub-plan markers are excluded.
func (p *Plan) ToolNames() []string {
	if p.Graph == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range p.Graph.Tasks() {
		if t.Action == "" || t.Action[0] == '@' {
			continue
		}
		if !seen[t.Action] {
			seen[t.Action] = true
			out = append(out, t.Action)
		}
	}
	return out
}
