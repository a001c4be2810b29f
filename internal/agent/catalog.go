package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAgentNotFound is returned by Get for an unknown slug.
var ErrAgentNotFound = errors.New("agent not found")

// Catalog holds the registered agents keyed by slug. Registration order is
// preserved; the router's tie-break depends on it.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
	loaded bool
	logger *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		agents: make(map[string]Agent),
		logger: logger.With("component", "catalog"),
	}
}

// Register adds an agent under its slug. Re-registering a slug replaces
// the previous entry but keeps its original position in iteration order.
func (c *Catalog) Register(a Agent) error {
	if a == nil {
		return errors.New("nil agent")
	}
	slug := a.Slug()
	if slug == "" {
		return errors.New("agent has empty slug")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[slug]; !exists {
		c.order = append(c.order, slug)
	}
	c.agents[slug] = a
	c.logger.Debug("agent registered", "slug", slug, "capabilities", len(a.Capabilities()))
	return nil
}

// Load registers the given agents once per process lifetime. Subsequent
// calls are no-ops regardless of arguments; the guard is the loaded flag,
// not a rescan.
func (c *Catalog) Load(agents ...Agent) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.loaded = true
	c.mu.Unlock()

	for _, a := range agents {
		if err := c.Register(a); err != nil {
			return fmt.Errorf("load agent: %w", err)
		}
	}
	c.logger.Info("agent catalog loaded", "count", len(agents))
	return nil
}

// Loaded reports whether Load has run.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Get returns the agent registered under slug.
func (c *Catalog) Get(slug string) (Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, slug)
	}
	return a, nil
}

// List returns all agents in registration order.
func (c *Catalog) List() []Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Agent, 0, len(c.order))
	for _, slug := range c.order {
		out = append(out, c.agents[slug])
	}
	return out
}

// Slugs returns the registered slugs in registration order.
func (c *Catalog) Slugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}
