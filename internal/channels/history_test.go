package channels

import (
	"strings"
	"testing"
	"time"
)

func TestPendingHistoryRecordAndBuild(t *testing.T) {
	h := NewPendingHistory()
	ts := time.Date(2026, 8, 1, 14, 30, 0, 0, time.UTC)

	h.Record("chat1", HistoryEntry{Sender: "@alice", Body: "anyone around?", Timestamp: ts}, 10)
	h.Record("chat1", HistoryEntry{Sender: "@bob", Body: "yes", Timestamp: ts.Add(time.Minute)}, 10)

	got := h.BuildContext("chat1", "[From: @carol]\n@bot hello", 10)
	if !strings.Contains(got, "[Chat messages since your last reply]") {
		t.Fatalf("missing history header:\n%s", got)
	}
	if !strings.Contains(got, "@alice") || !strings.Contains(got, "@bob") {
		t.Fatalf("missing recorded senders:\n%s", got)
	}
	if !strings.HasSuffix(got, "@bot hello") {
		t.Fatalf("current message must come last:\n%s", got)
	}
}

func TestPendingHistoryEmptyPassthrough(t *testing.T) {
	h := NewPendingHistory()
	if got := h.BuildContext("nochat", "just me", 10); got != "just me" {
		t.Fatalf("empty history must return current unchanged, got %q", got)
	}
}

func TestPendingHistoryEvictsPastLimit(t *testing.T) {
	h := NewPendingHistory()
	for i := 0; i < 5; i++ {
		h.Record("chat1", HistoryEntry{Sender: "s", Body: string(rune('a' + i))}, 3)
	}

	got := h.BuildContext("chat1", "now", 3)
	if strings.Contains(got, ": a\n") || strings.Contains(got, ": b\n") {
		t.Fatalf("oldest entries should be evicted:\n%s", got)
	}
	if !strings.Contains(got, ": e\n") {
		t.Fatalf("newest entry missing:\n%s", got)
	}
}

func TestPendingHistoryClear(t *testing.T) {
	h := NewPendingHistory()
	h.Record("chat1", HistoryEntry{Sender: "s", Body: "x"}, 10)
	h.Clear("chat1")
	if got := h.BuildContext("chat1", "after", 10); got != "after" {
		t.Fatalf("Clear did not drop history, got %q", got)
	}
}

func TestBaseChannelIsAllowed(t *testing.T) {
	tests := []struct {
		name     string
		allow    []string
		senderID string
		want     bool
	}{
		{"empty allowlist admits all", nil, "123", true},
		{"plain id match", []string{"123"}, "123", true},
		{"compound sender id part", []string{"123"}, "123|alice", true},
		{"compound sender username part", []string{"@alice"}, "123|alice", true},
		{"no match", []string{"999"}, "123|alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", nil, tt.allow)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Fatalf("IsAllowed(%q) with %v = %v, want %v", tt.senderID, tt.allow, got, tt.want)
			}
		})
	}
}
