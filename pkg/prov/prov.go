// Package prov builds W3C PROV-style provenance graphs, one per
// conversation: prompts, responses, and artifacts as entities; plan
// generation, tool execution, and verification as activities; the user,
// the agent, and tools as agents. The finalized graph serializes to the
// PROV-JSON shape and is written exactly once; partial graphs are never
// exposed outside the tracker.
package prov

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
)

var (
	ErrFinalized    = errors.New("prov: graph already finalized")
	ErrNotFinalized = errors.New("prov: graph not finalized")
)

// Entity, activity, and agent type labels.
const (
	EntityPrompt   = "prompt"
	EntityResponse = "response"
	EntityArtifact = "artifact"

	ActivityGenerate = "generate"
	ActivityExecute  = "execute"
	ActivityVerify   = "verify"

	AgentUser  = "user"
	AgentAgent = "agent"
	AgentTool  = "tool"
)

// Graph is the PROV-JSON document shape.
type Graph struct {
	Entity            map[string]Entity   `json:"entity"`
	Activity          map[string]Activity `json:"activity"`
	Agent             map[string]Agent    `json:"agent"`
	Used              map[string]Relation `json:"used"`
	WasGeneratedBy    map[string]Relation `json:"wasGeneratedBy"`
	WasAssociatedWith map[string]Relation `json:"wasAssociatedWith"`
	WasDerivedFrom    map[string]Relation `json:"wasDerivedFrom"`
}

// Entity is a prompt, response, or artifact node.
type Entity struct {
	Type        string `json:"prov:type"`
	Value       string `json:"prov:value,omitempty"`
	ContentHash string `json:"tiller:contentHash,omitempty"`
}

// Activity is a generate/execute/verify node.
type Activity struct {
	Type      string `json:"prov:type"`
	StartTime string `json:"prov:startTime,omitempty"`
	EndTime   string `json:"prov:endTime,omitempty"`
}

// Agent is a user/agent/tool node.
type Agent struct {
	Type string `json:"prov:type"`
	Name string `json:"tiller:name,omitempty"`
}

// Relation links two nodes; field population depends on the relation.
type Relation struct {
	Activity        string `json:"prov:activity,omitempty"`
	Entity          string `json:"prov:entity,omitempty"`
	Agent           string `json:"prov:agent,omitempty"`
	GeneratedEntity string `json:"prov:generatedEntity,omitempty"`
	UsedEntity      string `json:"prov:usedEntity,omitempty"`
}

// Indicator flags a suspicious pattern found in recorded content.
type Indicator struct {
	PatternID  string  `json:"pattern_id"`
	Confidence float64 `json:"confidence"`
	EntityID   string  `json:"entity_id"`
}

// Tracker accumulates one conversation's graph.
type Tracker struct {
	mu             sync.Mutex
	conversationID string
	graph          *Graph
	indicators     []Indicator
	finalized      bool
	relSeq         int
	now            func() time.Time
}

// NewTracker starts a graph for the given conversation. The user and
// agent nodes are created up front.
func NewTracker(conversationID string) *Tracker {
	t := &Tracker{
		conversationID: conversationID,
		now:            time.Now,
		graph: &Graph{
			Entity:            make(map[string]Entity),
			Activity:          make(map[string]Activity),
			Agent:             make(map[string]Agent),
			Used:              make(map[string]Relation),
			WasGeneratedBy:    make(map[string]Relation),
			WasAssociatedWith: make(map[string]Relation),
			WasDerivedFrom:    make(map[string]Relation),
		},
	}
	t.graph.Agent["agent:user"] = Agent{Type: AgentUser}
	t.graph.Agent["agent:tiller"] = Agent{Type: AgentAgent, Name: "tiller"}
	return t
}

// StartGeneration records the prompt entity and the generate activity
// associated with the agent. Returns the activity id.
func (t *Tracker) StartGeneration(prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return "", ErrFinalized
	}

	promptID := t.entityID(EntityPrompt)
	t.graph.Entity[promptID] = Entity{
		Type:        EntityPrompt,
		ContentHash: canonicalize.HashString(prompt),
	}
	t.scanLocked(promptID, prompt)

	actID := t.activityID(ActivityGenerate)
	t.graph.Activity[actID] = Activity{
		Type:      ActivityGenerate,
		StartTime: t.now().UTC().Format(time.RFC3339),
	}
	t.relate(t.graph.Used, Relation{Activity: actID, Entity: promptID})
	t.relate(t.graph.WasAssociatedWith, Relation{Activity: actID, Agent: "agent:tiller"})
	return actID, nil
}

// AddToolActivity records one tool execution: an execute activity
// associated with the tool agent, using the input entity and generating
// an output artifact derived from it. Returns the output entity id.
func (t *Tracker) AddToolActivity(toolName, input, output string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return "", ErrFinalized
	}

	agentID := "agent:tool:" + toolName
	if _, ok := t.graph.Agent[agentID]; !ok {
		t.graph.Agent[agentID] = Agent{Type: AgentTool, Name: toolName}
	}

	inID := t.entityID(EntityArtifact)
	t.graph.Entity[inID] = Entity{Type: EntityArtifact, ContentHash: canonicalize.HashString(input)}

	actID := t.activityID(ActivityExecute)
	now := t.now().UTC().Format(time.RFC3339)
	t.graph.Activity[actID] = Activity{Type: ActivityExecute, StartTime: now, EndTime: now}

	outID := t.entityID(EntityArtifact)
	t.graph.Entity[outID] = Entity{Type: EntityArtifact, ContentHash: canonicalize.HashString(output)}
	t.scanLocked(outID, output)

	t.relate(t.graph.Used, Relation{Activity: actID, Entity: inID})
	t.relate(t.graph.WasAssociatedWith, Relation{Activity: actID, Agent: agentID})
	t.relate(t.graph.WasGeneratedBy, Relation{Entity: outID, Activity: actID})
	t.relate(t.graph.WasDerivedFrom, Relation{GeneratedEntity: outID, UsedEntity: inID})
	return outID, nil
}

// AddArtifact records a standalone artifact generated by an activity.
func (t *Tracker) AddArtifact(kind, content, generatedBy string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return "", ErrFinalized
	}

	id := t.entityID(kind)
	t.graph.Entity[id] = Entity{Type: kind, ContentHash: canonicalize.HashString(content)}
	if generatedBy != "" {
		t.relate(t.graph.WasGeneratedBy, Relation{Entity: id, Activity: generatedBy})
	}
	return id, nil
}

// Finalize closes the graph, records the response entity, and returns
// the finished document. Further mutation fails with ErrFinalized.
func (t *Tracker) Finalize(response string) (*Graph, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return nil, ErrFinalized
	}

	respID := t.entityID(EntityResponse)
	t.graph.Entity[respID] = Entity{
		Type:        EntityResponse,
		ContentHash: canonicalize.HashString(response),
	}
	t.finalized = true
	return t.graph, nil
}

// WriteTo persists the finalized graph as
// <dir>/<conversation-id>.json. It is an error to call before Finalize.
func (t *Tracker) WriteTo(dir string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finalized {
		return "", ErrNotFinalized
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prov: mkdir: %w", err)
	}
	data, err := canonicalize.JCS(t.graph)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, t.conversationID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("prov: write: %w", err)
	}
	return path, nil
}

// Indicators returns the suspicious-content findings collected so far.
func (t *Tracker) Indicators() []Indicator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Indicator(nil), t.indicators...)
}

func (t *Tracker) entityID(kind string) string {
	return fmt.Sprintf("entity:%s:%s", kind, shortID())
}

func (t *Tracker) activityID(kind string) string {
	return fmt.Sprintf("activity:%s:%s", kind, shortID())
}

func (t *Tracker) relate(m map[string]Relation, r Relation) {
	t.relSeq++
	m[fmt.Sprintf("_:r%d", t.relSeq)] = r
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Injection patterns flagged on prompt and tool-output content.
var injectionPatterns = map[string]float64{
	`ignore.*previous.*instructions?`: 0.9,
	`disregard.*above`:                0.8,
	`you are now`:                     0.7,
	`new instructions?:`:              0.7,
	`system prompt:`:                  0.9,
	`<system>`:                        0.9,
	`override:`:                       0.6,
}

var compiledInjection = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(injectionPatterns))
	for p := range injectionPatterns {
		out[p] = regexp.MustCompile("(?i)" + p)
	}
	return out
}()

func (t *Tracker) scanLocked(entityID, content string) {
	for pattern, re := range compiledInjection {
		if re.MatchString(content) {
			t.indicators = append(t.indicators, Indicator{
				PatternID:  pattern,
				Confidence: injectionPatterns[pattern],
				EntityID:   entityID,
			})
		}
	}
}
