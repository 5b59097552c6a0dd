// Package dragon implements the user-facing conversation agent: it shapes
// specifications through dialogue, gates execution behind an explicit
// approval, and delegates operational chores to council sub-agents.
package dragon

import (
	"context"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
	"github.com/dragonsden/den/pkg/tools"
)

// Options configures a Dragon and the council it delegates to.
type Options struct {
	Store    *store.Store
	Provider providers.LLMProvider

	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	Listener      agent.Listener
}

// Dragon is one user conversation. Construct one per session; turns within a
// session are sequential.
type Dragon struct {
	agent   *agent.Agent
	council *Council
	warden  *Warden
}

func New(opts Options) *Dragon {
	council := NewCouncil(opts)
	warden := NewWarden(opts.Store)

	registry := tools.NewRegistry()
	s := opts.Store
	registry.Register(&createProjectTool{s})
	registry.Register(&updateSpecificationTool{s})
	registry.Register(&addFeatureTool{s})
	registry.Register(&approveSpecificationTool{s})
	registry.Register(&listProjectsTool{s})
	registry.Register(&projectStatusTool{s})
	for _, t := range wardenTools(s, warden) {
		registry.Register(t)
	}
	registry.Register(&setAllowedPathsTool{s})
	registry.Register(&delegateTool{council: council})

	return &Dragon{
		agent: agent.New(agent.Options{
			Name:          "dragon",
			Provider:      opts.Provider,
			Registry:      registry,
			SystemPrompt:  dragonSystemPrompt,
			Model:         opts.Model,
			MaxTokens:     opts.MaxTokens,
			Temperature:   opts.Temperature,
			MaxIterations: opts.MaxIterations,
			Listener:      opts.Listener,
		}),
		council: council,
		warden:  warden,
	}
}

// RunTurn feeds one user message through the conversation loop.
func (d *Dragon) RunTurn(ctx context.Context, input string) (string, error) {
	return d.agent.RunTurn(ctx, input)
}

// Reset drops the conversation history.
func (d *Dragon) Reset() {
	d.agent.Reset()
}

// Usage reports accumulated token usage for the conversation.
func (d *Dragon) Usage() providers.UsageInfo {
	return d.agent.Usage()
}

// Warden exposes execution control for non-conversational callers.
func (d *Dragon) Warden() *Warden {
	return d.warden
}

// Council exposes the dispatcher for non-conversational callers.
func (d *Dragon) Council() *Council {
	return d.council
}
