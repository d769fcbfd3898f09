package gemini

import (
	"context"
	"testing"

	"github.com/zulandar/beamyard/internal/llm"
)

func TestToContents_FoldsSystem(t *testing.T) {
	system, contents := toContents([]llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "S1"},
		{Role: llm.RoleUser, Content: "U"},
		{Role: llm.RoleAssistant, Content: "A"},
		{Role: llm.RoleSystem, Content: "S2"},
	})
	if system != "S1\n\nS2" {
		t.Errorf("system = %q, want %q", system, "S1\n\nS2")
	}
	if len(contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Errorf("roles = %q,%q, want user,model", contents[0].Role, contents[1].Role)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), "", nil); err == nil {
		t.Fatal("expected error without api key")
	}
}
