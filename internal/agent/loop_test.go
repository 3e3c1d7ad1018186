package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// scriptedProvider returns canned responses (or errors) per call.
type scriptedProvider struct {
	responses []providers.ChatResponse
	errs      []error
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &providers.ChatResponse{Content: "ok", Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}
	r := p.responses[i]
	return &r, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func newTestLoop(p providers.Provider, store *sessions.Manager, compaction *config.CompactionConfig) *Loop {
	return NewLoop(LoopConfig{
		ID:            "default",
		Provider:      p,
		Model:         "test-model",
		ContextWindow: 1000,
		Sessions:      store,
		Tools:         tools.NewRegistry(),
		CompactionCfg: compaction,
	})
}

func TestRunPersistsTurnAndUsage(t *testing.T) {
	store := sessions.NewManager("")
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{Content: "hello there", Usage: &providers.Usage{PromptTokens: 42, CompletionTokens: 7}},
	}}
	loop := newTestLoop(p, store, nil)

	key := "agent:default:telegram:direct:1"
	result, err := loop.Run(context.Background(), RunRequest{
		SessionKey: key,
		Message:    "hi",
		Channel:    "telegram",
		RunID:      "r1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "hello there" {
		t.Fatalf("content = %q", result.Content)
	}

	entry, ok := store.Get(key)
	if !ok {
		t.Fatal("session entry missing")
	}
	if len(entry.Messages) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d messages", len(entry.Messages))
	}
	if !entry.SystemSent {
		t.Fatal("SystemSent should be recorded")
	}
	if entry.LastPromptTokens != 42 {
		t.Fatalf("LastPromptTokens = %d", entry.LastPromptTokens)
	}
	if entry.Provider != "scripted" || entry.Model != "test-model" {
		t.Fatalf("provider/model not recorded: %+v", entry)
	}
}

func TestRunRecordsBlockerAndSurfaces(t *testing.T) {
	store := sessions.NewManager("")
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{Content: "Transaction aborted: insufficient funds 0.02 SOL remaining"},
	}}
	loop := newTestLoop(p, store, nil)

	key := "agent:default:telegram:direct:2"
	_, err := loop.Run(context.Background(), RunRequest{SessionKey: key, Message: "send it", RunID: "r2"})

	var blocker *reliability.BlockerDetectedError
	if !errors.As(err, &blocker) {
		t.Fatalf("expected BlockerDetectedError, got %v", err)
	}
	if blocker.Kind != reliability.BlockerInsufficientFunds {
		t.Fatalf("blocker kind = %s", blocker.Kind)
	}
	if p.calls != 1 {
		t.Fatalf("blocked run must not retry, calls = %d", p.calls)
	}

	entry, _ := store.Get(key)
	if entry.Blocker == nil || entry.Blocker.Reason != string(reliability.BlockerInsufficientFunds) {
		t.Fatalf("blocker info not recorded on session: %+v", entry.Blocker)
	}
}

func TestRunResetsSessionOnceOnCompactionFailure(t *testing.T) {
	store := sessions.NewManager("")
	key := "agent:default:telegram:direct:3"

	// Seed a history big enough to trip the compaction threshold.
	before := store.Upsert(key, func(s *sessions.SessionData) {
		for i := 0; i < 6; i++ {
			s.Messages = append(s.Messages,
				providers.Message{Role: "user", Content: strings.Repeat("question ", 50)},
				providers.Message{Role: "assistant", Content: strings.Repeat("answer ", 50)},
			)
		}
	})

	// First call is the compaction summarization — it fails. After the
	// reset the history is empty, compaction is skipped, and the retried
	// prompt succeeds on the next call.
	p := &scriptedProvider{
		errs: []error{errors.New("model refused the summary")},
		responses: []providers.ChatResponse{
			{}, // consumed by the failing call slot
			{Content: "fresh start reply"},
		},
	}
	loop := newTestLoop(p, store, &config.CompactionConfig{
		MinMessages:      1,
		MaxHistoryShare:  0.01,
		KeepLastMessages: 2,
	})

	result, err := loop.Run(context.Background(), RunRequest{SessionKey: key, Message: "carry on", RunID: "r3"})
	if err != nil {
		t.Fatalf("expected reset-and-retry to succeed, got %v", err)
	}
	if result.Content != "fresh start reply" {
		t.Fatalf("content = %q", result.Content)
	}

	after, _ := store.Get(key)
	if after.SessionID == before.SessionID {
		t.Fatal("session was not reset")
	}
	if after.CompactionCount != 0 {
		t.Fatalf("compaction counter not reset: %d", after.CompactionCount)
	}
	// Only the retried turn should be in the fresh transcript.
	if len(after.Messages) != 2 {
		t.Fatalf("expected a fresh 2-message transcript, got %d", len(after.Messages))
	}
}

func TestRunCompactsAndContinues(t *testing.T) {
	store := sessions.NewManager("")
	key := "agent:default:telegram:direct:4"

	store.Upsert(key, func(s *sessions.SessionData) {
		for i := 0; i < 6; i++ {
			s.Messages = append(s.Messages,
				providers.Message{Role: "user", Content: strings.Repeat("q ", 100)},
				providers.Message{Role: "assistant", Content: strings.Repeat("a ", 100)},
			)
		}
	})

	p := &scriptedProvider{responses: []providers.ChatResponse{
		{Content: "summary of the earlier conversation"},
		{Content: "continuing reply"},
	}}
	loop := newTestLoop(p, store, &config.CompactionConfig{
		MinMessages:      1,
		MaxHistoryShare:  0.01,
		KeepLastMessages: 2,
	})

	result, err := loop.Run(context.Background(), RunRequest{SessionKey: key, Message: "go on", RunID: "r4"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "continuing reply" {
		t.Fatalf("content = %q", result.Content)
	}

	entry, _ := store.Get(key)
	if entry.CompactionCount != 1 {
		t.Fatalf("CompactionCount = %d, want 1", entry.CompactionCount)
	}
	if entry.Summary == "" {
		t.Fatal("summary not recorded after compaction")
	}
}

func TestRunBlockerExtractsAmount(t *testing.T) {
	store := sessions.NewManager("")
	p := &scriptedProvider{responses: []providers.ChatResponse{
		{Content: "insufficient funds 0.02 SOL"},
	}}
	loop := newTestLoop(p, store, nil)

	key := "agent:default:telegram:direct:5"
	loop.Run(context.Background(), RunRequest{SessionKey: key, Message: "pay", RunID: "r5"})

	entry, _ := store.Get(key)
	if entry.Blocker == nil {
		t.Fatal("blocker info missing")
	}
	if entry.Blocker.ExtractedContext["current"] != "0.02" {
		t.Fatalf("extracted context = %v", entry.Blocker.ExtractedContext)
	}
}
