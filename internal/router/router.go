package router

import "strings"

// DelegationMode mirrors internal/tools.DelegateOpts.Mode: "sync" runs the
// delegated agent and blocks the caller, "async" fires it and moves on.
type DelegationMode string

const (
	ModeBlocking   DelegationMode = "blocking"
	ModeBackground DelegationMode = "background"
	ModeNone       DelegationMode = "none"
)

// Decision is what Route derives from a Classification: whether to
// delegate at all, and if so to whom, in what mode, and with what prompt.
type Decision struct {
	ShouldDelegate   bool
	DelegationType   string // "" | "blocking" | "background"
	PrimaryAgent     string
	BackgroundAgent  string
	PrimaryPrompt    string
	BackgroundPrompt string
}

// AgentRoute configures which agent (if any) handles a given intent, and
// in which mode.
type AgentRoute struct {
	Intent     string
	Agent      string
	Mode       DelegationMode
	Template   string // prompt template; "{input}" is replaced with the raw message
}

// RouterConfig is the static routing table, keyed by intent name.
type RouterConfig struct {
	Routes          []AgentRoute
	DefaultTemplate string // used when a matched route has no Template
}

// Route is a pure function: given a Classification and the raw input, it
// decides whether to delegate, to which agent(s), and with what prompt(s).
// It performs no I/O and never blocks.
func Route(c Classification, input string, cfg RouterConfig) Decision {
	if c.Bypassed || !c.ShouldOrchestrate || c.Intent == "" {
		return Decision{ShouldDelegate: false}
	}

	var matched *AgentRoute
	for i := range cfg.Routes {
		if cfg.Routes[i].Intent == c.Intent {
			matched = &cfg.Routes[i]
			break
		}
	}
	if matched == nil || matched.Agent == "" || matched.Mode == ModeNone {
		return Decision{ShouldDelegate: false}
	}

	template := matched.Template
	if template == "" {
		template = cfg.DefaultTemplate
	}
	prompt := renderTemplate(template, input)

	switch matched.Mode {
	case ModeBlocking:
		return Decision{
			ShouldDelegate: true,
			DelegationType: string(ModeBlocking),
			PrimaryAgent:   matched.Agent,
			PrimaryPrompt:  prompt,
		}
	case ModeBackground:
		return Decision{
			ShouldDelegate:   true,
			DelegationType:   string(ModeBackground),
			BackgroundAgent:  matched.Agent,
			BackgroundPrompt: prompt,
		}
	default:
		return Decision{ShouldDelegate: false}
	}
}

func renderTemplate(template, input string) string {
	if template == "" {
		return input
	}
	return strings.ReplaceAll(template, "{input}", input)
}
