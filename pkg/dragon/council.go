package dragon

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/tools"
)

// Council member identifiers accepted by delegate_to_council.
const (
	MemberSpecManager    = "specification_manager"
	MemberImporter       = "importer"
	MemberGitOperator    = "git_operator"
	MemberConfigOverseer = "configuration_overseer"
)

// Council dispatches operational sub-tasks to specialised sub-agents. Each
// dispatch runs a fresh agent with that member's prompt and tool subset; the
// council keeps no conversation state between dispatches.
type Council struct {
	opts Options
}

func NewCouncil(opts Options) *Council {
	return &Council{opts: opts}
}

// Members lists valid member identifiers, sorted.
func (c *Council) Members() []string {
	members := []string{MemberSpecManager, MemberImporter, MemberGitOperator, MemberConfigOverseer}
	sort.Strings(members)
	return members
}

// Dispatch runs one member on one natural-language instruction and returns
// the member's final answer.
func (c *Council) Dispatch(ctx context.Context, member, instruction string) (string, error) {
	prompt, registry, err := c.memberSetup(member)
	if err != nil {
		return "", err
	}

	logger.InfoCF("council", "dispatch", map[string]any{
		"member": member,
		"tools":  registry.Names(),
	})
	sub := agent.New(agent.Options{
		Name:          "council-" + member,
		Provider:      c.opts.Provider,
		Registry:      registry,
		SystemPrompt:  prompt,
		Model:         c.opts.Model,
		MaxTokens:     c.opts.MaxTokens,
		Temperature:   c.opts.Temperature,
		MaxIterations: c.opts.MaxIterations,
		Listener:      c.opts.Listener,
	})
	return sub.RunTurn(ctx, instruction)
}

func (c *Council) memberSetup(member string) (string, *tools.Registry, error) {
	s := c.opts.Store
	registry := tools.NewRegistry()
	registry.Register(&projectStatusTool{s})

	switch member {
	case MemberSpecManager:
		registry.Register(&createProjectTool{s})
		registry.Register(&updateSpecificationTool{s})
		registry.Register(&addFeatureTool{s})
		registry.Register(&approveSpecificationTool{s})
		return specManagerPrompt, registry, nil
	case MemberImporter:
		registry.Register(&createProjectTool{s})
		registry.Register(&importFilesTool{s})
		registry.Register(&setAllowedPathsTool{s})
		return importerPrompt, registry, nil
	case MemberGitOperator:
		registry.Register(&gitCommandTool{s})
		return gitOperatorPrompt, registry, nil
	case MemberConfigOverseer:
		registry.Register(&configureAgentTool{s})
		registry.Register(&setAllowedPathsTool{s})
		return configOverseerPrompt, registry, nil
	}
	return "", nil, fmt.Errorf("unknown council member %q, expected one of: %s", member, strings.Join(c.Members(), ", "))
}

// delegateTool is the Dragon's single hand-off point to the council.
type delegateTool struct {
	council *Council
}

func (t *delegateTool) Name() string { return "delegate_to_council" }

func (t *delegateTool) Description() string {
	return "Delegate an operational sub-task to a council member: " +
		strings.Join((&Council{}).Members(), ", ")
}

func (t *delegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"member": map[string]any{
				"type":        "string",
				"description": "Which council member handles the task",
				"enum":        (&Council{}).Members(),
			},
			"instruction": map[string]any{
				"type":        "string",
				"description": "Natural-language description of the sub-task",
			},
		},
		"required": []string{"member", "instruction"},
	}
}

func (t *delegateTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	member, _ := stringArg(args, "member")
	instruction, ok := stringArg(args, "instruction")
	if !ok || strings.TrimSpace(instruction) == "" {
		return tools.ErrorResult("instruction is required")
	}
	answer, err := t.council.Dispatch(ctx, member, instruction)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("council dispatch failed: %v", err))
	}
	return tools.NewToolResult(answer)
}
