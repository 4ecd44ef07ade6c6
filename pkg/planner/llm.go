package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one turn of a planning conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions tune model decoding.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// Client is the model backend used by model-based decomposition.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts *SamplingOptions) (string, error)
}

// modelTask is the structured task shape expected in model output.
type modelTask struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Action        string         `json:"action"`
	Args          map[string]any `json:"args"`
	Prerequisites []string       `json:"prerequisites"`
	Priority      string         `json:"priority"`
}

type modelPlan struct {
	Tasks     []modelTask `json:"tasks"`
	Reasoning string      `json:"reasoning"`
}

const planningSystemPrompt = `You decompose a user request into a JSON task plan.
Respond with a single JSON object: {"tasks": [{"id", "name", "action",
"args", "prerequisites", "priority"}], "reasoning": "..."}.
Every action must name a tool from the catalog. Priorities are
CRITICAL, HIGH, NORMAL, or LOW. Prerequisites reference earlier task ids.`

func buildPrompt(query string, catalog []map[string]any) []Message {
	cat, _ := json.Marshal(catalog)
	return []Message{
		{Role: "system", Content: planningSystemPrompt},
		{Role: "system", Content: "Tool catalog: " + string(cat)},
		{Role: "user", Content: query},
	}
}

// parseModelPlan extracts the structured plan from model output,
// tolerating surrounding prose and markdown fences.
func parseModelPlan(content string) (*modelPlan, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("planner: no JSON object in model output")
	}
	var mp modelPlan
	if err := json.Unmarshal([]byte(raw), &mp); err != nil {
		return nil, fmt.Errorf("planner: model plan parse: %w", err)
	}
	if len(mp.Tasks) == 0 {
		return nil, fmt.Errorf("planner: model plan has no tasks")
	}
	for i, mt := range mp.Tasks {
		if mt.ID == "" || mt.Action == "" {
			return nil, fmt.Errorf("planner: model task %d missing id or action", i)
		}
	}
	return &mp, nil
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
