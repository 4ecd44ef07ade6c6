package agent

import (
	"regexp"
	"strings"
)

// Mode is the execution path chosen for a request.
type Mode string

const (
	ModeSimple Mode = "simple_loop"
	ModeHTN    Mode = "htn"
)

// multiStepMarkers signal a request that wants an ordered pipeline
// rather than a single tool call.
var multiStepMarkers = regexp.MustCompile(`(?i)\b(and then|then|after that|first|next|finally|combine|compare|merge|for each)\b|;`)

// classify picks the execution mode: a keyword heuristic over the
// query text combined with a cheap rule pass from the planner. A query
// that matches no template, or that matches one producing a single
// task with no step markers, stays in the simple loop.
func (a *Agent) classify(query string) Mode {
	specs, _ := a.planner.RulePass(query)
	if len(specs) > 1 {
		return ModeHTN
	}
	if multiStepMarkers.MatchString(query) {
		return ModeHTN
	}
	// Several clauses usually mean several actions even without an
	// explicit connective.
	if strings.Count(query, ",") >= 2 {
		return ModeHTN
	}
	return ModeSimple
}
