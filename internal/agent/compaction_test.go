package agent

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

func TestLimitHistoryTurns(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "two"},
		{Role: "assistant", Content: "a2"},
		{Role: "user", Content: "three"},
		{Role: "assistant", Content: "a3"},
	}

	got := limitHistoryTurns(msgs, 2)
	if len(got) != 4 {
		t.Fatalf("expected 4 messages (last 2 turns), got %d", len(got))
	}
	if got[0].Content != "two" {
		t.Fatalf("expected history to start at turn two, got %q", got[0].Content)
	}

	if got := limitHistoryTurns(msgs, 0); len(got) != len(msgs) {
		t.Fatal("limit 0 must keep everything")
	}
}

func TestSanitizeHistoryDropsLeadingOrphanedToolResults(t *testing.T) {
	msgs := []providers.Message{
		{Role: "tool", Content: "orphan", ToolCallID: "t1"},
		{Role: "user", Content: "hello"},
	}
	got := sanitizeHistory(msgs)
	if len(got) != 1 || got[0].Role != "user" {
		t.Fatalf("expected only the user message to survive, got %+v", got)
	}
}

func TestSanitizeHistorySynthesizesMissingToolResults(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "run it"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "exec"}}},
		// tool result for t1 was truncated away
		{Role: "assistant", Content: "done"},
	}
	got := sanitizeHistory(msgs)

	var sawSynthetic bool
	for _, m := range got {
		if m.Role == "tool" && m.ToolCallID == "t1" {
			sawSynthetic = true
		}
	}
	if !sawSynthetic {
		t.Fatalf("expected a synthesized tool result for t1, got %+v", got)
	}
}

func TestSanitizeHistoryDropsMismatchedToolResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "exec"}}},
		{Role: "tool", Content: "wrong id", ToolCallID: "t9"},
		{Role: "tool", Content: "right id", ToolCallID: "t1"},
	}
	got := sanitizeHistory(msgs)

	for _, m := range got {
		if m.ToolCallID == "t9" {
			t.Fatal("mismatched tool result must be dropped")
		}
	}
}

func TestBuildSystemPromptDeterministic(t *testing.T) {
	cfg := SystemPromptConfig{
		AgentID:   "default",
		Model:     "claude-sonnet-4-5-20250929",
		Provider:  "anthropic",
		Workspace: "/srv/goclaw/workspace",
		Channel:   "telegram",
		Mode:      PromptFull,
		ToolNames: []string{"write_file", "exec", "read_file"},
		ContextFiles: []bootstrap.ContextFile{
			{Path: "AGENTS.md", Content: "Be helpful."},
		},
	}

	first := BuildSystemPrompt(cfg)
	second := BuildSystemPrompt(cfg)
	if first != second {
		t.Fatal("the same inputs must yield a byte-identical prompt")
	}

	// Tool names are sorted regardless of input order.
	if !strings.Contains(first, "exec, read_file, write_file") {
		t.Fatalf("tools not sorted in prompt:\n%s", first)
	}
	if !strings.Contains(first, "AGENTS.md") || !strings.Contains(first, "Be helpful.") {
		t.Fatal("context file missing from prompt")
	}
}

func TestBuildSystemPromptMinimalOmitsRuntime(t *testing.T) {
	full := BuildSystemPrompt(SystemPromptConfig{AgentID: "a", Model: "m", Mode: PromptFull})
	minimal := BuildSystemPrompt(SystemPromptConfig{AgentID: "a", Model: "m", Mode: PromptMinimal})

	if !strings.Contains(full, "## Runtime") {
		t.Fatal("full prompt should carry the runtime section")
	}
	if strings.Contains(minimal, "## Runtime") {
		t.Fatal("minimal prompt must omit the runtime section")
	}
}

func TestParseMediaResult(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *MediaResult
	}{
		{"no media", "plain text", nil},
		{"plain path", "MEDIA:/tmp/out.png", &MediaResult{Path: "/tmp/out.png", ContentType: "image/png"}},
		{"voice tag", "[[audio_as_voice]]\nMEDIA:/tmp/reply.ogg", &MediaResult{Path: "/tmp/reply.ogg", ContentType: "audio/ogg", AsVoice: true}},
		{"trailing text", "MEDIA:/tmp/a.jpg\nextra", &MediaResult{Path: "/tmp/a.jpg", ContentType: "image/jpeg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseMediaResult(tt.input)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("parseMediaResult(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			if got == nil {
				return
			}
			if got.Path != tt.want.Path || got.ContentType != tt.want.ContentType || got.AsVoice != tt.want.AsVoice {
				t.Fatalf("parseMediaResult(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}
