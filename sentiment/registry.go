// Package sentiment scores post text with pluggable tools and stores one score per (post, tool).
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is returned for a tool name nothing was registered under
var ErrUnknownTool = errors.New("unknown sentiment tool")

// Scorer turns text into a score in [-1, 1]. ok is false when the text carries nothing to score.
type Scorer interface {
	Score(ctx context.Context, text string) (score float64, ok bool, err error)
}

// ScorerFunc adapts a function to Scorer
type ScorerFunc func(ctx context.Context, text string) (float64, bool, error)

// Score implements Scorer
func (f ScorerFunc) Score(ctx context.Context, text string) (float64, bool, error) {
	return f(ctx, text)
}

// Registry maps tool names to scorers
type Registry struct {
	mutex   sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry creates a registry holding the built-in lexicon tool
func NewRegistry() *Registry {
	r := &Registry{scorers: make(map[string]Scorer)}
	r.Register(ToolLexicon, NewLexiconScorer())
	return r
}

// Register adds or replaces the scorer of a tool
func (r *Registry) Register(tool string, scorer Scorer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.scorers[tool] = scorer
}

// Get returns the scorer of a tool
func (r *Registry) Get(tool string) (Scorer, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	scorer, ok := r.scorers[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return scorer, nil
}

// Tools lists the registered tool names
func (r *Registry) Tools() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	tools := make([]string, 0, len(r.scorers))
	for tool := range r.scorers {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}
