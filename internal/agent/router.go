package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Agent is anything the scheduler can hand a RunRequest to.
// *Loop satisfies this directly.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ResolverFunc resolves an agentID/agentKey into a ready-to-run Agent.
// Installed when agents are defined somewhere other than the static
// config (tests, embedding programs); the gateway registers eagerly via
// Register and never needs one.
type ResolverFunc func(agentKey string) (Agent, error)

// agentEntry caches a resolved Agent alongside the key it was resolved for,
// so InvalidateAgent can drop a single entry without locking out the rest.
type agentEntry struct {
	agent Agent
}

// Router is the lookup table from agentID to a runnable Agent. Entries
// registered eagerly win; a resolver, when installed, fills cache misses.
type Router struct {
	mu       sync.RWMutex
	entries  map[string]*agentEntry
	resolver ResolverFunc
}

// NewRouter creates an empty Router with no resolver.
func NewRouter() *Router {
	return &Router{entries: make(map[string]*agentEntry)}
}

// SetResolver installs the lazy-resolution function used by Get when an
// agentID isn't already registered/cached.
func (r *Router) SetResolver(fn ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = fn
}

// Register eagerly installs an Agent under agentID, overwriting any cached
// or resolver-produced entry for the same key.
func (r *Router) Register(agentID string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[agentID] = &agentEntry{agent: a}
}

// Get returns the Agent for agentID, resolving and caching it via the
// configured resolver if it isn't already present.
func (r *Router) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	entry, ok := r.entries[agentID]
	resolver := r.resolver
	r.mu.RUnlock()
	if ok {
		return entry.agent, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("agent %s not registered", agentID)
	}

	resolved, err := resolver(agentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another goroutine may have resolved the same key first; keep whichever
	// won the race rather than clobbering it, to avoid duplicate Loop churn.
	if existing, ok := r.entries[agentID]; ok {
		r.mu.Unlock()
		return existing.agent, nil
	}
	r.entries[agentID] = &agentEntry{agent: resolved}
	r.mu.Unlock()
	return resolved, nil
}

// List returns the currently registered/cached agent IDs, sorted.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InvalidateAgent drops the cached entry for agentKey so the next Get
// re-resolves it. No-op for standalone-registered agents without a
// resolver (they simply get re-registered by whoever calls Register again).
func (r *Router) InvalidateAgent(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentKey)
}

// InvalidateAll drops every cached entry.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*agentEntry)
}

// EstimateTokensWithCalibration estimates the current prompt's token count
// from the running history, correcting a cheap length-based estimate
// against the actual prompt token count reported by the last real LLM
// call for this session (when available). This keeps the estimate close
// to the provider's own tokenizer without running one locally.
func EstimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastMessageCount int) int {
	estimate := roughTokenEstimate(history)
	if lastPromptTokens <= 0 || lastMessageCount <= 0 || lastMessageCount > len(history) {
		return estimate
	}

	// Calibrate: scale the rough per-message estimate by the ratio observed
	// on the last real call, so growth between calls stays proportional to
	// what the provider actually counted rather than our heuristic.
	roughForSameWindow := roughTokenEstimate(history[:lastMessageCount])
	if roughForSameWindow <= 0 {
		return estimate
	}
	ratio := float64(lastPromptTokens) / float64(roughForSameWindow)
	if ratio <= 0 {
		return estimate
	}
	return int(float64(estimate) * ratio)
}

// roughTokenEstimate approximates tokens at ~4 characters per token, which
// is the usual rule of thumb for English text.
func roughTokenEstimate(history []providers.Message) int {
	chars := 0
	for _, msg := range history {
		chars += len(msg.Content)
	}
	return chars / 4
}
