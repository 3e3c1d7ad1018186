package router

import "testing"

func TestRouteNotOrchestrated(t *testing.T) {
	c := Classification{Intent: "research", Confidence: 0.9, ShouldOrchestrate: false}
	d := Route(c, "hello", RouterConfig{Routes: []AgentRoute{{Intent: "research", Agent: "researcher", Mode: ModeBlocking}}})
	if d.ShouldDelegate {
		t.Fatalf("expected no delegation when ShouldOrchestrate is false, got %+v", d)
	}
}

func TestRouteBypassedNeverDelegates(t *testing.T) {
	c := Classification{Intent: "command", Confidence: 1.0, ShouldOrchestrate: false, Bypassed: true}
	d := Route(c, "/stop", RouterConfig{Routes: []AgentRoute{{Intent: "command", Agent: "x", Mode: ModeBlocking}}})
	if d.ShouldDelegate {
		t.Fatalf("expected bypassed classification to never delegate, got %+v", d)
	}
}

func TestRouteBlocking(t *testing.T) {
	c := Classification{Intent: "research", Confidence: 0.9, ShouldOrchestrate: true}
	cfg := RouterConfig{Routes: []AgentRoute{{Intent: "research", Agent: "researcher", Mode: ModeBlocking, Template: "Research: {input}"}}}
	d := Route(c, "latest AI news", cfg)
	if !d.ShouldDelegate || d.DelegationType != "blocking" || d.PrimaryAgent != "researcher" {
		t.Fatalf("got %+v", d)
	}
	if d.PrimaryPrompt != "Research: latest AI news" {
		t.Fatalf("prompt = %q", d.PrimaryPrompt)
	}
}

func TestRouteBackground(t *testing.T) {
	c := Classification{Intent: "summarize", Confidence: 0.9, ShouldOrchestrate: true}
	cfg := RouterConfig{Routes: []AgentRoute{{Intent: "summarize", Agent: "summarizer", Mode: ModeBackground}}, DefaultTemplate: "{input}"}
	d := Route(c, "long doc", cfg)
	if !d.ShouldDelegate || d.DelegationType != "background" || d.BackgroundAgent != "summarizer" {
		t.Fatalf("got %+v", d)
	}
}

func TestRouteNoMatchingRoute(t *testing.T) {
	c := Classification{Intent: "unknown", Confidence: 0.9, ShouldOrchestrate: true}
	d := Route(c, "x", RouterConfig{Routes: []AgentRoute{{Intent: "research", Agent: "researcher", Mode: ModeBlocking}}})
	if d.ShouldDelegate {
		t.Fatalf("expected no delegation for unmatched intent, got %+v", d)
	}
}

func TestRouteModeNone(t *testing.T) {
	c := Classification{Intent: "research", Confidence: 0.9, ShouldOrchestrate: true}
	d := Route(c, "x", RouterConfig{Routes: []AgentRoute{{Intent: "research", Agent: "researcher", Mode: ModeNone}}})
	if d.ShouldDelegate {
		t.Fatalf("expected ModeNone to never delegate, got %+v", d)
	}
}
