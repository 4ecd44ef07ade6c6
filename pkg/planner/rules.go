package planner

import (
	"regexp"

	"github.com/tillerlabs/tiller/pkg/task"
)

// TaskSpec is a template's blueprint for one task.
type TaskSpec struct {
	ID            string
	Name          string
	Action        string
	Args          map[string]any
	Prerequisites []string
	Priority      task.Priority
}

// Template is one rule-based decomposition pattern. Specificity feeds
// the plan confidence: more specific matches score higher.
type Template struct {
	Name        string
	Pattern     *regexp.Regexp
	Specificity float64
	Build       func(query string, match []string) []TaskSpec
}

// DefaultTemplates covers the common request shapes: file analysis,
// URL fetching, and pure computation.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:        "analyze-file",
			Pattern:     regexp.MustCompile(`(?i)\b(read|load|open|analy[sz]e|summari[sz]e|parse)\b.*?([\w./-]+\.(?:csv|tsv|txt|json|log|md|yaml|yml))\b`),
			Specificity: 0.85,
			Build: func(query string, m []string) []TaskSpec {
				return []TaskSpec{
					{
						ID: "read", Name: "Read " + m[2], Action: "file_read",
						Args: map[string]any{"path": m[2]}, Priority: task.PriorityHigh,
					},
					{
						ID: "summarize", Name: "Summarize contents", Action: "transform",
						Args:          map[string]any{"operation": "summarize"},
						Prerequisites: []string{"read"}, Priority: task.PriorityNormal,
					},
				}
			},
		},
		{
			Name:        "fetch-url",
			Pattern:     regexp.MustCompile(`(?i)\b(fetch|download|get|retrieve)\b.*?(https?://\S+)`),
			Specificity: 0.8,
			Build: func(query string, m []string) []TaskSpec {
				return []TaskSpec{
					{
						ID: "fetch", Name: "Fetch " + m[2], Action: "http_get",
						Args: map[string]any{"url": m[2]}, Priority: task.PriorityHigh,
					},
					{
						ID: "extract", Name: "Extract content", Action: "transform",
						Args:          map[string]any{"operation": "extract"},
						Prerequisites: []string{"fetch"}, Priority: task.PriorityNormal,
					},
				}
			},
		},
		{
			Name:        "compute",
			Pattern:     regexp.MustCompile(`(?i)\b(compute|calculate|count|total|sum|average)\b`),
			Specificity: 0.5,
			Build: func(query string, m []string) []TaskSpec {
				return []TaskSpec{
					{
						ID: "compute", Name: "Compute result", Action: "transform",
						Args:     map[string]any{"operation": m[1], "query": query},
						Priority: task.PriorityNormal,
					},
				}
			},
		},
	}
}

// matchTemplates returns the specs and specificity of the best-matching
// template, or nil when nothing matches. Templates are tried in order;
// the highest specificity wins.
func matchTemplates(templates []Template, query string) ([]TaskSpec, float64, string) {
	var (
		best     []TaskSpec
		bestSpec float64
		bestName string
	)
	for _, tpl := range templates {
		m := tpl.Pattern.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		if tpl.Specificity > bestSpec {
			best = tpl.Build(query, m)
			bestSpec = tpl.Specificity
			bestName = tpl.Name
		}
	}
	return best, bestSpec, bestName
}
