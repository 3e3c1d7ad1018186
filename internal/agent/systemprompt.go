package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/bootstrap"
)

// PromptMode selects how much boilerplate the system prompt carries.
// Cron and subagent sessions get the minimal variant.
type PromptMode string

const (
	PromptFull    PromptMode = "full"
	PromptMinimal PromptMode = "minimal"
)

// SystemPromptConfig holds every input to BuildSystemPrompt. The builder
// is a pure function of this struct: the same inputs must yield a
// byte-identical prompt across restarts, so resumed sessions hit the
// provider's prompt cache.
type SystemPromptConfig struct {
	AgentID      string
	DisplayName  string
	Model        string
	Provider     string
	Workspace    string
	Channel      string
	Timezone     string // IANA name; empty = omitted
	OwnerIDs     []string
	Mode         PromptMode
	ToolNames    []string
	ContextFiles []bootstrap.ContextFile
	ExtraPrompt  string
}

// BuildSystemPrompt assembles the agent's system prompt from identity,
// bootstrap files, and runtime info, in a fixed section order.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sb strings.Builder

	name := cfg.DisplayName
	if name == "" {
		name = cfg.AgentID
	}
	sb.WriteString(fmt.Sprintf("You are %s, an AI assistant", name))
	if cfg.Channel != "" {
		sb.WriteString(fmt.Sprintf(" reachable via %s", cfg.Channel))
	}
	sb.WriteString(".\n")

	if cfg.Mode == PromptFull {
		sb.WriteString("\n## Runtime\n")
		if cfg.Workspace != "" {
			sb.WriteString(fmt.Sprintf("- Workspace: %s\n", cfg.Workspace))
		}
		if cfg.Model != "" {
			sb.WriteString(fmt.Sprintf("- Model: %s", cfg.Model))
			if cfg.Provider != "" {
				sb.WriteString(fmt.Sprintf(" (%s)", cfg.Provider))
			}
			sb.WriteString("\n")
		}
		if cfg.Timezone != "" {
			sb.WriteString(fmt.Sprintf("- Timezone: %s\n", cfg.Timezone))
		}

		if len(cfg.ToolNames) > 0 {
			names := make([]string, len(cfg.ToolNames))
			copy(names, cfg.ToolNames)
			sort.Strings(names)
			sb.WriteString(fmt.Sprintf("- Tools: %s\n", strings.Join(names, ", ")))
		}
	}

	// Bootstrap context files, in the order the loader returned them
	// (the loader sorts by filename so the prompt is stable).
	for _, cf := range cfg.ContextFiles {
		if strings.TrimSpace(cf.Content) == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n## %s\n%s\n", cf.Path, strings.TrimRight(cf.Content, "\n")))
	}

	if cfg.Mode == PromptFull {
		sb.WriteString("\n## Replies\n")
		sb.WriteString("- Keep replies conversational and concise; you are chatting, not writing documentation.\n")
		sb.WriteString("- Reply with exactly NO_REPLY when no response is warranted.\n")
	}

	if cfg.ExtraPrompt != "" {
		sb.WriteString("\n" + strings.TrimRight(cfg.ExtraPrompt, "\n") + "\n")
	}

	return sb.String()
}
