package agent

import (
	"context"
	"log/slog"
)

// ConfidenceThreshold is the minimum keyword score that selects an agent
// without arbitration.
const ConfidenceThreshold = 0.5

// Arbiter decides routing when keyword confidence is inconclusive. It
// returns the chosen slug, or "" when it cannot decide. Implementations
// are typically LLM-backed and may suspend; the router calls it at most
// once per Resolve.
type Arbiter interface {
	Route(ctx context.Context, tc TaskContext, candidateSlugs []string) (string, error)
}

// Router selects an agent for a task context. Resolution is a pure
// function of catalog state and the context; the arbitration call is the
// one sanctioned external effect.
type Router struct {
	catalog *Catalog
	arbiter Arbiter
	logger  *slog.Logger

	onArbitration func()
}

// NewRouter creates a router over the catalog. arbiter may be nil, in
// which case inconclusive scoring resolves to no handler.
func NewRouter(catalog *Catalog, arbiter Arbiter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		catalog: catalog,
		arbiter: arbiter,
		logger:  logger.With("component", "router"),
	}
}

// SetArbitrationHook installs a counter callback fired once per
// arbitration call. Used for metrics; may be nil.
func (r *Router) SetArbitrationHook(fn func()) {
	r.onArbitration = fn
}

// Resolve returns the agent that should handle tc, or nil when no capable
// handler exists. A nil result is not an error; the caller decides how to
// surface "no capable handler".
//
// An explicit AgentSlug is authoritative and bypasses scoring. Otherwise
// the highest keyword confidence wins if it clears ConfidenceThreshold,
// ties broken by registration order. Below the threshold the arbiter is
// consulted exactly once.
func (r *Router) Resolve(ctx context.Context, tc TaskContext) (Agent, error) {
	if tc.AgentSlug != "" {
		a, err := r.catalog.Get(tc.AgentSlug)
		if err != nil {
			r.logger.Warn("explicit agent slug not in catalog", "slug", tc.AgentSlug)
			return nil, nil
		}
		return a, nil
	}

	var best Agent
	var bestScore float64
	for _, a := range r.catalog.List() {
		score := a.Confidence(tc)
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		if best == nil || score > bestScore {
			best, bestScore = a, score
		}
	}

	if best != nil && bestScore >= ConfidenceThreshold {
		r.logger.Debug("routed by confidence",
			"task_id", tc.TaskID, "slug", best.Slug(), "confidence", bestScore)
		return best, nil
	}

	if r.arbiter == nil {
		return nil, nil
	}
	if r.onArbitration != nil {
		r.onArbitration()
	}
	slug, err := r.arbiter.Route(ctx, tc, r.catalog.Slugs())
	if err != nil {
		r.logger.Warn("arbitration failed", "task_id", tc.TaskID, "error", err)
		return nil, nil
	}
	if slug == "" {
		return nil, nil
	}
	a, err := r.catalog.Get(slug)
	if err != nil {
		r.logger.Warn("arbiter chose unknown slug", "task_id", tc.TaskID, "slug", slug)
		return nil, nil
	}
	r.logger.Debug("routed by arbitration", "task_id", tc.TaskID, "slug", slug)
	return a, nil
}
