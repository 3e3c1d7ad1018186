package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/coordinator"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	mcpbridge "github.com/nextlevelbuilder/goclaw/internal/mcp"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/pg"
	"github.com/nextlevelbuilder/goclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func runGateway() {
	// Structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no AI provider API key configured; set GOCLAW_ANTHROPIC_API_KEY (or another provider key) and retry")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared reliability registry: every outbound integration (providers,
	// channel sends) takes its breaker and limiter from here.
	relReg := reliability.NewRegistry(cfg.Breaker.ToBreakerConfig(), 30, 1)
	retryPolicy := cfg.Retry.ToRetryPolicy()

	// OTLP tracing (optional)
	if cfg.Telemetry.Enabled {
		shutdown, terr := tracing.Init(ctx, tracing.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			Headers:     cfg.Telemetry.Headers,
		})
		if terr != nil {
			slog.Warn("tracing init failed", "error", terr)
		} else {
			defer func() {
				flushCtx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer fcancel()
				shutdown(flushCtx)
			}()
		}
	}

	msgBus := bus.New()

	// Providers
	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg, relReg)

	// Workspace (absolute, for system prompt + file tool path resolution)
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)

	if seededFiles, seedErr := bootstrap.EnsureWorkspaceFiles(workspace); seedErr != nil {
		slog.Warn("bootstrap template seeding failed", "error", seedErr)
	} else if len(seededFiles) > 0 {
		slog.Info("seeded workspace templates", "files", seededFiles)
	}

	// Session store: Postgres (managed), SQLite, or JSON dir (default).
	var sessStore store.SessionStore
	switch {
	case cfg.IsManagedMode():
		db, dbErr := pg.OpenDB(cfg.Database.PostgresDSN)
		if dbErr != nil {
			slog.Error("failed to open postgres", "error", dbErr)
			os.Exit(1)
		}
		sessStore = pg.NewPGSessionStore(db)
		slog.Info("session store: postgres")
	case cfg.Database.SQLitePath != "":
		sq, sqErr := sqlite.Open(config.ExpandHome(cfg.Database.SQLitePath))
		if sqErr != nil {
			slog.Error("failed to open sqlite session store", "error", sqErr)
			os.Exit(1)
		}
		defer sq.Close()
		sessStore = sq
		slog.Info("session store: sqlite", "path", cfg.Database.SQLitePath)
	default:
		sessStore = sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))
		slog.Info("session store: json files", "dir", cfg.Sessions.Storage)
	}

	// Tools
	toolsReg := tools.NewRegistry()
	agentCfg := cfg.ResolveAgent(config.DefaultAgentID)
	toolsReg.Register(tools.NewReadFileTool(workspace, agentCfg.RestrictToWorkspace))
	toolsReg.Register(tools.NewWriteFileTool(workspace, agentCfg.RestrictToWorkspace))
	toolsReg.Register(tools.NewListFilesTool(workspace, agentCfg.RestrictToWorkspace))
	toolsReg.Register(tools.NewEditTool(workspace, agentCfg.RestrictToWorkspace))
	toolsReg.Register(tools.NewExecTool(workspace, agentCfg.RestrictToWorkspace))
	toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	if cfg.Tools.RateLimitPerHour > 0 {
		toolsReg.SetRateLimiter(tools.NewToolRateLimiter(cfg.Tools.RateLimitPerHour))
		slog.Info("tool rate limiting enabled", "per_hour", cfg.Tools.RateLimitPerHour)
	}
	if cfg.Tools.ScrubCredentials != nil && !*cfg.Tools.ScrubCredentials {
		toolsReg.SetScrubbing(false)
		slog.Info("credential scrubbing disabled")
	}

	// MCP servers (shared across all agents)
	if len(cfg.Tools.McpServers) > 0 {
		mcpMgr := mcpbridge.NewManager(toolsReg, mcpbridge.WithConfigs(cfg.Tools.McpServers))
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp.startup_errors", "error", err)
		}
		defer mcpMgr.Stop()
		slog.Info("MCP servers initialized", "configured", len(cfg.Tools.McpServers), "tools", len(mcpMgr.ToolNames()))
	}

	toolPE := tools.NewPolicyEngine(&cfg.Tools)

	// Bootstrap context files for system prompts
	rawFiles := bootstrap.LoadWorkspaceFiles(workspace)
	contextFiles := bootstrap.BuildContextFiles(rawFiles, bootstrap.TruncateConfig{
		MaxCharsPerFile: agentCfg.BootstrapMaxChars,
		TotalMaxChars:   agentCfg.BootstrapTotalMaxChars,
	})
	slog.Info("bootstrap context files loaded", "count", len(contextFiles))

	// Agents
	agentRouter := agent.NewRouter()
	if err := createAgentLoop(config.DefaultAgentID, cfg, agentRouter, providerRegistry, msgBus, sessStore, toolsReg, toolPE, contextFiles); err != nil {
		slog.Error("failed to create default agent", "error", err)
		os.Exit(1)
	}
	for agentID := range cfg.Agents.List {
		if agentID == config.DefaultAgentID {
			continue
		}
		if err := createAgentLoop(agentID, cfg, agentRouter, providerRegistry, msgBus, sessStore, toolsReg, toolPE, contextFiles); err != nil {
			slog.Error("failed to create agent", "agent", agentID, "error", err)
		}
	}

	// Scheduler (lane-based, per-session serialization inside each lane)
	sched := scheduler.NewScheduler(
		scheduler.DefaultLanes(),
		scheduler.DefaultQueueConfig(),
		makeSchedulerRunFunc(agentRouter, cfg),
	)
	defer sched.Stop()

	// Wire the coordinator's phase snapshots into the scheduler so steer
	// requests queue instead of injecting during compaction.
	phaseFn := func(sessionKey string, p coordinator.SuspensionPoint) {
		if p == coordinator.SuspendAtCompactionBoundary {
			sched.SetPhase(sessionKey, scheduler.PhaseDuringCompaction)
		} else {
			sched.SetPhase(sessionKey, scheduler.PhaseRunning)
		}
	}
	for _, id := range agentRouter.List() {
		if a, err := agentRouter.Get(id); err == nil {
			if loop, ok := a.(*agent.Loop); ok {
				loop.SetPhaseFunc(phaseFn)
			}
		}
	}

	// Adaptive throttle: reduce per-session concurrency near the
	// compaction threshold, using the calibrated token estimate.
	sched.SetTokenEstimateFunc(func(sessionKey string) (int, int) {
		entry, ok := sessStore.Get(sessionKey)
		if !ok {
			return 0, 200000
		}
		tokens := agent.EstimateTokensWithCalibration(entry.Messages, entry.LastPromptTokens, entry.LastMessageCount)
		cw := entry.ContextWindow
		if cw <= 0 {
			cw = 200000
		}
		return tokens, cw
	})

	// Channels
	channelMgr := channels.NewManager(msgBus)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		capacity, refill := cfg.Channels.Telegram.RateLimit.WithDefaults()
		guard := channels.NewSendGuard("telegram", relReg, retryPolicy, capacity, refill)
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, guard)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel("telegram", tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel("discord", dc)
			slog.Info("discord channel enabled")
		}
	}

	// Config hot-reload: secrets and bindings refresh without restart.
	if err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
		cfg.ReplaceFrom(fresh)
		msgBus.Broadcast(bus.Event{Name: protocol.EventCacheInvalidate, Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindAgent}})
	}); err != nil {
		slog.Debug("config watcher unavailable", "error", err)
	}

	// Cron service
	dataDir := os.Getenv("GOCLAW_DATA_DIR")
	if dataDir == "" {
		dataDir = config.ExpandHome("~/.goclaw/data")
	}
	os.MkdirAll(dataDir, 0755)
	cronSvc := cron.NewService(filepath.Join(dataDir, "cron", "jobs.json"), nil)
	cronSvc.SetOnJob(makeCronJobHandler(sched, msgBus, cfg))
	cronSvc.SetRetryConfig(cfg.Cron.ToRetryConfig())
	if err := cronSvc.Start(); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}

	// Forward agent events to channels for typing/placeholder handling.
	msgBus.Subscribe("channel-streaming", func(event bus.Event) {
		if event.Name != protocol.EventAgent {
			return
		}
		agentEvent, ok := event.Payload.(agent.AgentEvent)
		if !ok {
			return
		}
		channelMgr.HandleAgentEvent(agentEvent.Type, agentEvent.RunID, agentEvent.Payload)
	})

	// Gateway control-plane server
	server := gateway.NewServer(cfg, msgBus, agentRouter, sessStore, sched, relReg)

	// Signals → graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		channelMgr.StopAll(context.Background())
		cronSvc.Stop()
		cancel()
	}()

	// Start channels + inbound consumer
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	go consumeInboundMessages(ctx, msgBus, agentRouter, cfg, sched, channelMgr, sessStore)

	slog.Info("goclaw gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agents", agentRouter.List(),
		"tools", toolsReg.Count(),
		"channels", channelMgr.GetEnabledChannels(),
	)

	// Tailscale listener shares the same mux; compiled with -tags tsnet.
	mux := server.BuildMux()
	if tsCleanup := initTailscale(ctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// createAgentLoop builds one agent.Loop from config and registers it.
func createAgentLoop(agentID string, cfg *config.Config, router *agent.Router, providerReg *providers.Registry, msgBus *bus.MessageBus, sessStore store.SessionStore, toolsReg *tools.Registry, toolPE *tools.PolicyEngine, contextFiles []bootstrap.ContextFile) error {
	agentCfg := cfg.ResolveAgent(agentID)

	provider, err := providerReg.Get(agentCfg.Provider)
	if err != nil {
		names := providerReg.List()
		if len(names) == 0 {
			return err
		}
		provider, _ = providerReg.Get(names[0])
		slog.Warn("agent provider not found, using fallback", "agent", agentID, "wanted", agentCfg.Provider, "using", names[0])
	}

	var agentToolPolicy *config.ToolPolicySpec
	if spec, ok := cfg.Agents.List[agentID]; ok {
		agentToolPolicy = spec.Tools
	}

	loop := agent.NewLoop(agent.LoopConfig{
		ID:              agentID,
		DisplayName:     cfg.ResolveDisplayName(agentID),
		Provider:        provider,
		Model:           agentCfg.Model,
		ThinkingLevel:   agentCfg.ThinkingLevel,
		ContextWindow:   agentCfg.ContextWindow,
		MaxIterations:   agentCfg.MaxToolIterations,
		Workspace:       config.ExpandHome(agentCfg.Workspace),
		OwnerIDs:        cfg.Gateway.OwnerIDs,
		Bus:             msgBus,
		Sessions:        sessStore,
		Tools:           toolsReg,
		ToolPolicy:      toolPE,
		AgentToolPolicy: agentToolPolicy,
		ContextFiles:    contextFiles,
		CompactionCfg:   agentCfg.Compaction,
	})
	router.Register(agentID, loop)
	slog.Info("agent registered", "agent", agentID, "model", agentCfg.Model, "provider", provider.Name())
	return nil
}
