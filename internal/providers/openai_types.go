package providers

import "encoding/json"

// Wire types for OpenAI-compatible chat completion responses.

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"` // DeepSeek/Groq reasoning channel
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	// ThoughtSignature is Gemini's opaque reasoning token that must be
	// echoed back on tool-call passback.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

type openAIUsage struct {
	PromptTokens            int                       `json:"prompt_tokens"`
	CompletionTokens        int                       `json:"completion_tokens"`
	TotalTokens             int                       `json:"total_tokens"`
	PromptTokensDetails     *openAIPromptDetails      `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *openAICompletionDetails  `json:"completion_tokens_details,omitempty"`
}

type openAIPromptDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type openAICompletionDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Streaming chunk frames (SSE "data:" payloads).

type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

// toolCallAccumulator assembles a streamed tool call from its deltas.
type toolCallAccumulator struct {
	ToolCall
	rawArgs    string
	thoughtSig string
}

// CleanToolSchemas converts internal tool definitions to the OpenAI wire
// shape, sanitizing each input schema for the target provider.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}

// collapseToolCallsWithoutSig rewrites tool-call cycles whose assistant
// turn lacks a thought_signature into plain text turns. Gemini rejects
// echoed tool_calls without the signature; folding the cycle into user
// text keeps the context without tripping the validation.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != "assistant" || len(m.ToolCalls) == 0 || hasThoughtSignatures(m.ToolCalls) {
			out = append(out, m)
			continue
		}

		// Fold the assistant tool calls and their following results into
		// one user-visible context message.
		var folded string
		if m.Content != "" {
			folded = m.Content + "\n"
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			folded += "[tool call " + tc.Name + " " + string(args) + "]\n"
		}
		for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
			i++
			folded += "[tool result: " + msgs[i].Content + "]\n"
		}
		out = append(out, Message{Role: "user", Content: folded})
	}
	return out
}

func hasThoughtSignatures(calls []ToolCall) bool {
	for _, tc := range calls {
		if tc.Metadata["thought_signature"] == "" {
			return false
		}
	}
	return true
}
