package bridge

import (
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

func TestToolInfoFromToolUseStripsBuiltinPrefix(t *testing.T) {
	info := toolInfoFromToolUse("mcp__acp__Bash", map[string]any{"command": "echo hi"})
	if info.Kind != acpsdk.ToolKindExecute {
		t.Fatalf("expected execute kind, got %v", info.Kind)
	}
}

func TestToolInfoFromToolUseBashOutput(t *testing.T) {
	info := toolInfoFromToolUse("BashOutput", map[string]any{"bash_id": "abc123"})
	if info.Kind != acpsdk.ToolKindExecute {
		t.Fatalf("expected execute kind, got %v", info.Kind)
	}
	if info.Title == "" {
		t.Fatal("expected a non-empty title")
	}
}

func TestToolInfoFromToolUseUnknownDefaultsToOther(t *testing.T) {
	info := toolInfoFromToolUse("SomeFutureTool", nil)
	if info.Kind != acpsdk.ToolKindOther {
		t.Fatalf("expected unknown tool to default to Other kind, got %v", info.Kind)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("expected no truncation, got %q", got)
	}
	if got := truncate("a very long string indeed", 10); len(got) != 10 {
		t.Fatalf("expected truncated string of length 10, got %q (%d)", got, len(got))
	}
}
