// Package agent defines the capability-handler contract, the catalog that
// holds registered handlers, and the router that picks one for a unit of
// work.
package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// TaskContext is the routing and execution view of a task. It carries the
// fields every agent needs without exposing the persistence record.
type TaskContext struct {
	TaskID    string
	Title     string
	UserID    string
	AgentSlug string
	Input     map[string]any
}

// SearchText concatenates the title and every string input value,
// lowercased, for keyword matching.
func (tc TaskContext) SearchText() string {
	var sb strings.Builder
	sb.WriteString(tc.Title)
	for _, v := range tc.Input {
		if s, ok := v.(string); ok {
			sb.WriteString(" ")
			sb.WriteString(s)
		}
	}
	return strings.ToLower(sb.String())
}

// Result is the outcome of a successful agent execution.
type Result struct {
	Summary string
	Output  map[string]any
}

// Agent is a registered capability handler. Execute returns an error for
// transient faults; the worker owns retry policy.
type Agent interface {
	Slug() string
	Capabilities() []string
	Confidence(tc TaskContext) float64
	Execute(ctx context.Context, tc TaskContext) (*Result, error)
}

// SchemaProvider is optionally implemented by agents that constrain their
// input payload with a JSON Schema. The worker validates input against it
// before execution.
type SchemaProvider interface {
	InputSchema() json.RawMessage
}

// KeywordConfidence is the default scoring heuristic: the fraction of
// declared capability keywords appearing as case-insensitive substrings of
// the task text, capped at 1, scaled by 0.8 so keyword matches never claim
// full certainty. Zero capabilities always scores zero.
func KeywordConfidence(tc TaskContext, capabilities []string) float64 {
	if len(capabilities) == 0 {
		return 0
	}
	text := tc.SearchText()
	matches := 0
	for _, cap := range capabilities {
		kw := strings.ToLower(strings.TrimSpace(cap))
		if kw == "" {
			continue
		}
		if strings.Contains(text, kw) {
			matches++
		}
	}
	score := float64(matches) / float64(len(capabilities))
	if score > 1 {
		score = 1
	}
	return score * 0.8
}
