package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

type fakeProvider struct {
	responses []providers.ChatResponse
	errs      []error
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	r := f.responses[i]
	return &r, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return f.Chat(ctx, req)
}
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

type recordingSink struct {
	chunks    []string
	toolCalls []string
	results   []string
	phases    []SuspensionPoint
}

func (s *recordingSink) OnChunk(c string)                                     { s.chunks = append(s.chunks, c) }
func (s *recordingSink) OnThinking(t string)                                  {}
func (s *recordingSink) OnToolCall(tc providers.ToolCall)                     { s.toolCalls = append(s.toolCalls, tc.Name) }
func (s *recordingSink) OnToolResult(tc providers.ToolCall, r string, e bool) { s.results = append(s.results, r) }
func (s *recordingSink) OnPhase(p SuspensionPoint)                            { s.phases = append(s.phases, p) }

func TestDriveNoToolCallsReturnsContent(t *testing.T) {
	provider := &fakeProvider{responses: []providers.ChatResponse{{Content: "hello there"}}}
	c := New(DefaultConfig())
	run := &RunState{Messages: []providers.Message{{Role: "user", Content: "hi"}}}
	sink := &recordingSink{}

	out, err := c.Drive(context.Background(), run, provider, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "hello there" {
		t.Fatalf("expected content %q, got %q", "hello there", out.Content)
	}
	if out.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", out.Iterations)
	}
}

func TestDriveExecutesToolCallsAndResumes(t *testing.T) {
	provider := &fakeProvider{responses: []providers.ChatResponse{
		{Content: "", ToolCalls: []providers.ToolCall{{ID: "1", Name: "search", Arguments: map[string]interface{}{"q": "x"}}}},
		{Content: "final answer"},
	}}
	c := New(DefaultConfig())
	run := &RunState{
		Messages: []providers.Message{{Role: "user", Content: "find x"}},
		ToolExec: func(ctx context.Context, tc providers.ToolCall) (string, bool) {
			return "result-for-" + tc.Name, false
		},
	}
	sink := &recordingSink{}

	out, err := c.Drive(context.Background(), run, provider, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "final answer" {
		t.Fatalf("expected final answer, got %q", out.Content)
	}
	if len(sink.toolCalls) != 1 || sink.toolCalls[0] != "search" {
		t.Fatalf("expected one search tool call emitted, got %v", sink.toolCalls)
	}
	if len(sink.results) != 1 || sink.results[0] != "result-for-search" {
		t.Fatalf("unexpected tool results: %v", sink.results)
	}
}

func TestDriveDetectsBlockerInModelOutput(t *testing.T) {
	provider := &fakeProvider{responses: []providers.ChatResponse{
		{Content: "Error: insufficient funds to complete this request"},
	}}
	c := New(DefaultConfig())
	run := &RunState{Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	_, err := c.Drive(context.Background(), run, provider, &recordingSink{})
	var blocker *reliability.BlockerDetectedError
	if !errors.As(err, &blocker) {
		t.Fatalf("expected BlockerDetectedError, got %v", err)
	}
	if blocker.Kind != reliability.BlockerInsufficientFunds {
		t.Fatalf("expected insufficient_funds kind, got %s", blocker.Kind)
	}
}

func TestDrivePlanExhaustedAfterMaxPlanRetries(t *testing.T) {
	toolCall := providers.ToolCall{ID: "1", Name: "noop", Arguments: map[string]interface{}{"a": 1}}
	var responses []providers.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, providers.ChatResponse{ToolCalls: []providers.ToolCall{toolCall}})
	}
	provider := &fakeProvider{responses: responses}
	c := New(Config{MaxPlanRetries: 2, MaxIterations: 25})
	run := &RunState{
		Messages: []providers.Message{{Role: "user", Content: "loop"}},
		ToolExec: func(ctx context.Context, tc providers.ToolCall) (string, bool) {
			return "same-result-every-time", false
		},
	}

	_, err := c.Drive(context.Background(), run, provider, &recordingSink{})
	if err == nil {
		t.Fatal("expected plan_exhausted error, got nil")
	}
	if got := err.Error(); len(got) == 0 || got[:len("plan_exhausted")] != "plan_exhausted" {
		t.Fatalf("expected plan_exhausted error, got %q", got)
	}
}

func TestDriveRepairsOrphanedToolResult(t *testing.T) {
	provider := &fakeProvider{responses: []providers.ChatResponse{{Content: "ok"}}}
	c := New(DefaultConfig())
	run := &RunState{
		Messages: []providers.Message{
			{Role: "user", Content: "hi"},
			{Role: "tool", Content: "orphan", ToolCallID: "does-not-exist"},
			{Role: "user", Content: "follow up"},
		},
	}

	out, err := c.Drive(context.Background(), run, provider, &recordingSink{})
	if err != nil {
		t.Fatalf("expected orphan to be silently repaired, got error: %v", err)
	}
	if out.Content != "ok" {
		t.Fatalf("unexpected content: %q", out.Content)
	}
	for _, m := range run.Messages {
		if m.ToolCallID == "does-not-exist" {
			t.Fatal("expected orphaned tool result to be dropped from the transcript")
		}
	}
}

func TestDriveReturnsRoleOrderingConflictForTrailingOrphan(t *testing.T) {
	provider := &fakeProvider{}
	c := New(DefaultConfig())
	run := &RunState{
		Messages: []providers.Message{
			{Role: "user", Content: "hi"},
			{Role: "tool", Content: "orphan", ToolCallID: "does-not-exist"},
		},
	}

	_, err := c.Drive(context.Background(), run, provider, &recordingSink{})
	var conflict *reliability.RoleOrderingConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected RoleOrderingConflictError, got %v", err)
	}
}

func TestDriveAbsorbsSteerBeforeFirstCall(t *testing.T) {
	provider := &fakeProvider{responses: []providers.ChatResponse{{Content: "combined answer"}}}
	c := New(DefaultConfig())

	steer := make(chan string, 1)
	steer <- "also check the edge cases"
	run := &RunState{
		Messages: []providers.Message{{Role: "user", Content: "write tests"}},
		Steer:    steer,
	}

	out, err := c.Drive(context.Background(), run, provider, &recordingSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "combined answer" {
		t.Fatalf("content = %q", out.Content)
	}
	if provider.calls != 1 {
		t.Fatalf("expected one model call, got %d", provider.calls)
	}

	// The steered prompt became a user turn ahead of the model call.
	last := run.Messages[len(run.Messages)-1]
	if last.Role != "user" || last.Content != "also check the edge cases" {
		t.Fatalf("steered turn missing from transcript: %+v", run.Messages)
	}
}

// steeringProvider injects a steer while "replying", mimicking a user
// message that lands mid-stream.
type steeringProvider struct {
	fakeProvider
	steer chan<- string
	once  bool
}

func (p *steeringProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if !p.once {
		p.once = true
		p.steer <- "add unit tests for edge cases"
	}
	return p.fakeProvider.Chat(ctx, req)
}

func TestDriveSteerMidReplyExtendsConversation(t *testing.T) {
	steer := make(chan string, 1)
	provider := &steeringProvider{
		fakeProvider: fakeProvider{responses: []providers.ChatResponse{
			{Content: "first reply"},
			{Content: "follow-up reply"},
		}},
		steer: steer,
	}
	c := New(DefaultConfig())
	run := &RunState{
		Messages: []providers.Message{{Role: "user", Content: "refactor this"}},
		Steer:    steer,
	}
	sink := &recordingSink{}

	out, err := c.Drive(context.Background(), run, provider, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "follow-up reply" {
		t.Fatalf("content = %q", out.Content)
	}
	if provider.calls != 2 {
		t.Fatalf("expected the run to continue after the steer, calls = %d", provider.calls)
	}

	// Transcript: ... "first reply" assistant turn, then the steered user turn.
	var sawAssistant, sawSteerTurn bool
	for _, m := range run.Messages {
		if m.Role == "assistant" && m.Content == "first reply" {
			sawAssistant = true
		}
		if m.Role == "user" && m.Content == "add unit tests for edge cases" {
			sawSteerTurn = true
		}
	}
	if !sawAssistant || !sawSteerTurn {
		t.Fatalf("steer cycle not recorded in transcript: %+v", run.Messages)
	}
	if len(sink.chunks) != 2 {
		t.Fatalf("both replies should reach the sink, got %v", sink.chunks)
	}
}
