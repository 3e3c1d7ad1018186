package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/monitor"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/router"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the GoClaw Gateway.
type Config struct {
	Agents        AgentsConfig        `json:"agents"`
	Channels      ChannelsConfig      `json:"channels"`
	Providers     ProvidersConfig     `json:"providers"`
	Gateway       GatewayConfig       `json:"gateway"`
	Tools         ToolsConfig         `json:"tools"`
	Sessions      SessionsConfig      `json:"sessions"`
	Database      DatabaseConfig      `json:"database,omitempty"`
	Cron          CronConfig          `json:"cron,omitempty"`
	Retry         RetryConfig         `json:"retry,omitempty"`
	Breaker       BreakerConfig       `json:"breaker,omitempty"`
	Monitor       MonitorConfig       `json:"monitor,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig     `json:"tailscale,omitempty"`
	Orchestration OrchestrationConfig `json:"orchestration,omitempty"`
	Router        RouterConfig        `json:"router,omitempty"`
	Bindings      []AgentBinding      `json:"bindings,omitempty"`
	mu            sync.RWMutex
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "goclaw-gateway")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env GOCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// DatabaseConfig selects the session store backend.
// PostgresDSN is NEVER read from config.json (secret) — only from env GOCLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                // from env GOCLAW_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"`   // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite,omitempty"` // standalone: use SQLite file instead of JSON dir
}

// IsManagedMode returns true if the gateway is running against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", ...
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string            `json:"workspace"`
	RestrictToWorkspace bool              `json:"restrict_to_workspace"`
	Provider            string            `json:"provider"`
	Model               string            `json:"model"`
	ThinkingLevel       string            `json:"thinking_level,omitempty"` // "off", "low", "medium", "high"
	MaxTokens           int               `json:"max_tokens"`
	Temperature         float64           `json:"temperature"`
	MaxToolIterations   int               `json:"max_tool_iterations"`
	ContextWindow       int               `json:"context_window"`
	Compaction          *CompactionConfig `json:"compaction,omitempty"`

	// Bootstrap context truncation limits
	BootstrapMaxChars      int `json:"bootstrapMaxChars,omitempty"`      // per-file max before truncation (default 20000)
	BootstrapTotalMaxChars int `json:"bootstrapTotalMaxChars,omitempty"` // total budget across all files (default 24000)
}

// CompactionConfig configures session compaction behaviour.
type CompactionConfig struct {
	ReserveTokensFloor int     `json:"reserveTokensFloor,omitempty"` // min reserve tokens (default 20000)
	MaxHistoryShare    float64 `json:"maxHistoryShare,omitempty"`    // max share of context for history (default 0.75)
	MinMessages        int     `json:"minMessages,omitempty"`        // min messages before compaction triggers (default 50)
	KeepLastMessages   int     `json:"keepLastMessages,omitempty"`   // messages to keep after compaction (default 4)
}

// OrchestrationConfig gates the intent router/delegator. Enabled defaults
// true; the ORCHESTRATION=false env flag (applyEnvOverrides) forces it
// off regardless of what's on disk.
type OrchestrationConfig struct {
	Enabled             bool    `json:"enabled,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"` // default 0.6
}

// RouterIntentConfig is one entry of router.intents in the config
// document: a keyword list scored by the classifier and the
// agent(s)/template the router delegates to on a match.
type RouterIntentConfig struct {
	Keywords   []string `json:"keywords,omitempty"`
	Primary    string   `json:"primary,omitempty"`
	Background string   `json:"background,omitempty"`
	Mode       string   `json:"mode,omitempty"` // "blocking" | "background" | "none" (default: blocking if Primary set, else background if Background set)
	Template   string   `json:"template,omitempty"`
}

// RouterConfig is the static routing table, keyed by intent name.
type RouterConfig struct {
	Intents         map[string]RouterIntentConfig `json:"intents,omitempty"`
	DefaultTemplate string                        `json:"default_template,omitempty"`
}

// ToClassifierConfig converts RouterConfig's intents into the
// classifier's own ClassifierConfig, applying the orchestration
// confidence threshold.
func (rc RouterConfig) ToClassifierConfig(orch OrchestrationConfig) router.ClassifierConfig {
	threshold := orch.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	intents := make([]router.IntentDef, 0, len(rc.Intents))
	for name, def := range rc.Intents {
		intents = append(intents, router.IntentDef{Name: name, Keywords: def.Keywords})
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].Name < intents[j].Name })
	return router.ClassifierConfig{Intents: intents, Threshold: threshold}
}

// ToRouterConfig converts RouterConfig into internal/router's RouterConfig
// (agent/mode/template per intent).
func (rc RouterConfig) ToRouterConfig() router.RouterConfig {
	routes := make([]router.AgentRoute, 0, len(rc.Intents))
	names := make([]string, 0, len(rc.Intents))
	for name := range rc.Intents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := rc.Intents[name]
		mode := router.DelegationMode(def.Mode)
		if mode == "" {
			switch {
			case def.Primary != "":
				mode = router.ModeBlocking
			case def.Background != "":
				mode = router.ModeBackground
			default:
				mode = router.ModeNone
			}
		}
		agentID := def.Primary
		if agentID == "" {
			agentID = def.Background
		}
		routes = append(routes, router.AgentRoute{
			Intent:   name,
			Agent:    agentID,
			Mode:     mode,
			Template: def.Template,
		})
	}
	return router.RouterConfig{Routes: routes, DefaultTemplate: rc.DefaultTemplate}
}

// CronConfig configures the cron job system.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)
}

// ToRetryConfig converts CronConfig to cron.RetryConfig with defaults applied.
func (cc CronConfig) ToRetryConfig() cron.RetryConfig {
	cfg := cron.DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			cfg.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			cfg.MaxDelay = d
		}
	}
	return cfg
}

// RetryConfig tunes the shared retry driver for outbound integrations.
type RetryConfig struct {
	Attempts   int     `json:"attempts,omitempty"`     // default 3
	MinDelayMs int     `json:"min_delay_ms,omitempty"` // default 500
	MaxDelayMs int     `json:"max_delay_ms,omitempty"` // default 30000
	Jitter     float64 `json:"jitter,omitempty"`       // default 0.2
}

// ToRetryPolicy converts to reliability.RetryPolicy with defaults applied.
func (rc RetryConfig) ToRetryPolicy() reliability.RetryPolicy {
	policy := reliability.DefaultRetryPolicy()
	if rc.Attempts > 0 {
		policy.Attempts = rc.Attempts
	}
	if rc.MinDelayMs > 0 {
		policy.MinDelay = time.Duration(rc.MinDelayMs) * time.Millisecond
	}
	if rc.MaxDelayMs > 0 {
		policy.MaxDelay = time.Duration(rc.MaxDelayMs) * time.Millisecond
	}
	if rc.Jitter > 0 {
		policy.Jitter = rc.Jitter
	}
	return policy
}

// BreakerConfig tunes the shared circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int `json:"failure_threshold,omitempty"`   // default 5
	SuccessThreshold  int `json:"success_threshold,omitempty"`   // default 3
	RecoveryTimeoutMs int `json:"recovery_timeout_ms,omitempty"` // default 30000
}

// ToBreakerConfig converts to reliability.BreakerConfig with defaults applied.
func (bc BreakerConfig) ToBreakerConfig() reliability.BreakerConfig {
	cfg := reliability.DefaultBreakerConfig()
	if bc.FailureThreshold > 0 {
		cfg.FailureThreshold = bc.FailureThreshold
	}
	if bc.SuccessThreshold > 0 {
		cfg.SuccessThreshold = bc.SuccessThreshold
	}
	if bc.RecoveryTimeoutMs > 0 {
		cfg.RecoveryTimeout = time.Duration(bc.RecoveryTimeoutMs) * time.Millisecond
	}
	return cfg
}

// MonitorConfig tunes the per-channel monitor loops.
type MonitorConfig struct {
	DedupCapacity     int `json:"dedup_capacity,omitempty"`      // default 1000
	UTDCapacity       int `json:"utd_capacity,omitempty"`        // default 200
	UTDRetryWindowSec int `json:"utd_retry_window_sec,omitempty"` // default 300
	UTDExpirySec      int `json:"utd_expiry_sec,omitempty"`      // default 3600
}

// ToMonitorConfig converts to monitor.Config with defaults applied.
func (mc MonitorConfig) ToMonitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	if mc.DedupCapacity > 0 {
		cfg.DedupCapacity = mc.DedupCapacity
	}
	if mc.UTDCapacity > 0 {
		cfg.UTDCapacity = mc.UTDCapacity
	}
	if mc.UTDRetryWindowSec > 0 {
		cfg.UTDRetryInterval = time.Duration(mc.UTDRetryWindowSec) * time.Second
	}
	if mc.UTDExpirySec > 0 {
		cfg.UTDExpiry = time.Duration(mc.UTDExpirySec) * time.Second
	}
	return cfg
}

// TelemetryConfig configures OpenTelemetry OTLP span export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "goclaw-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// AgentSpec is the per-agent configuration override.
// All fields optional — zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName       string          `json:"displayName,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	ThinkingLevel     string          `json:"thinking_level,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxToolIterations int             `json:"max_tool_iterations,omitempty"`
	ContextWindow     int             `json:"context_window,omitempty"`
	Tools             *ToolPolicySpec `json:"tools,omitempty"` // per-agent tool policy
	Workspace         string          `json:"workspace,omitempty"`
	Default           bool            `json:"default,omitempty"`
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Cron = src.Cron
	c.Retry = src.Retry
	c.Breaker = src.Breaker
	c.Monitor = src.Monitor
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.Orchestration = src.Orchestration
	c.Router = src.Router
	c.Bindings = src.Bindings
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// NormalizeAgentID maps an empty agent ID to "default".
func NormalizeAgentID(id string) string {
	if id == "" {
		return DefaultAgentID
	}
	return id
}

// DefaultAgentID is the agent used when no binding matches.
const DefaultAgentID = "default"
