package providers

// Option keys recognized in ChatRequest.Options. Providers ignore keys
// they don't understand.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level"

	// OpenAI-compatible extras
	OptReasoningEffort = "reasoning_effort"
	OptEnableThinking  = "enable_thinking"
	OptThinkingBudget  = "thinking_budget"
)
