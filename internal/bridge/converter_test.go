package bridge

import (
	"strings"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

func TestFlattenPromptTextPlain(t *testing.T) {
	got, err := flattenPromptText([]acpsdk.ContentBlock{acpsdk.TextBlock("hello there")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteSlashCommand(t *testing.T) {
	got := rewriteSlashCommand("/mcp:myserver:mycmd arg1 arg2")
	if got != "/myserver:mycmd (MCP) arg1 arg2" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteSlashCommandLeavesPlainTextAlone(t *testing.T) {
	got := rewriteSlashCommand("just some text, not a command")
	if got != "just some text, not a command" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteSlashCommandLeavesBareToolAlone(t *testing.T) {
	// "/help" has no mcp: prefix and should not be rewritten.
	got := rewriteSlashCommand("/help")
	if got != "/help" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteSlashCommandLeavesAlreadyRewrittenAlone(t *testing.T) {
	got := rewriteSlashCommand("/myserver:mycmd (MCP) arg1")
	if got != "/myserver:mycmd (MCP) arg1" {
		t.Fatalf("expected already-rewritten command to pass through unchanged, got %q", got)
	}
}

func TestRenderImageBlockRejectsOversized(t *testing.T) {
	img := &acpsdk.ImageContent{MimeType: "image/png", Data: strings.Repeat("x", maxImageBytes+1)}
	if _, err := renderImageBlock(img); err == nil {
		t.Fatal("expected an error for an oversized image block")
	}
}

func TestRenderImageBlockRejectsUnsupportedMimeType(t *testing.T) {
	img := &acpsdk.ImageContent{MimeType: "image/tiff", Data: "abc"}
	if _, err := renderImageBlock(img); err == nil {
		t.Fatal("expected an error for an unsupported image mime type")
	}
}
