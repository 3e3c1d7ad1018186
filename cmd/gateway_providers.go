package cmd

import (
	"log/slog"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// registerProviders registers every provider with an API key configured.
// Each provider shares the reliability registry so its calls are paced
// and breaker-gated per provider key.
func registerProviders(registry *providers.Registry, cfg *config.Config, rel *reliability.Registry) {
	addOpenAI := func(name, apiKey, apiBase, defaultModel string) *providers.OpenAIProvider {
		p := providers.NewOpenAIProvider(name, apiKey, apiBase, defaultModel)
		p.SetReliability(rel)
		registry.Register(p)
		slog.Info("registered provider", "name", name)
		return p
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		p := providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey)
		p.SetReliability(rel)
		registry.Register(p)
		slog.Info("registered provider", "name", "anthropic")
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		addOpenAI("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, "gpt-4o")
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		addOpenAI("openrouter", cfg.Providers.OpenRouter.APIKey, "https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929")
	}
	if cfg.Providers.Groq.APIKey != "" {
		addOpenAI("groq", cfg.Providers.Groq.APIKey, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile")
	}
	if cfg.Providers.DeepSeek.APIKey != "" {
		addOpenAI("deepseek", cfg.Providers.DeepSeek.APIKey, "https://api.deepseek.com/v1", "deepseek-chat")
	}
	if cfg.Providers.Gemini.APIKey != "" {
		addOpenAI("gemini", cfg.Providers.Gemini.APIKey, "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash")
	}
	if cfg.Providers.Mistral.APIKey != "" {
		addOpenAI("mistral", cfg.Providers.Mistral.APIKey, "https://api.mistral.ai/v1", "mistral-large-latest")
	}
	if cfg.Providers.XAI.APIKey != "" {
		addOpenAI("xai", cfg.Providers.XAI.APIKey, "https://api.x.ai/v1", "grok-3-mini")
	}
	if cfg.Providers.MiniMax.APIKey != "" {
		addOpenAI("minimax", cfg.Providers.MiniMax.APIKey, "https://api.minimax.io/v1", "MiniMax-M2.5").
			WithChatPath("/text/chatcompletion_v2")
	}
	if cfg.Providers.Cohere.APIKey != "" {
		addOpenAI("cohere", cfg.Providers.Cohere.APIKey, "https://api.cohere.ai/compatibility/v1", "command-a")
	}
	if cfg.Providers.Perplexity.APIKey != "" {
		addOpenAI("perplexity", cfg.Providers.Perplexity.APIKey, "https://api.perplexity.ai", "sonar-pro")
	}
}
