package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func newToolsTestSession(t *testing.T, server *mcpsdk.Server) *mcpsdk.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Run(ctx, serverTransport)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "bridge-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		<-errCh
	})

	return session
}

func TestToolRegistryMCPServerListsBuiltinTools(t *testing.T) {
	registry := NewToolRegistry(t.TempDir())
	session := newToolsTestSession(t, registry.NewMCPServer())

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make(map[string]bool, len(res.Tools))
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"Bash", "BashOutput", "KillShell", "Read", "Write", "Edit"} {
		if !names[want] {
			t.Fatalf("expected tool %q in list, got %v", want, names)
		}
	}
}

func TestToolRegistryMCPServerWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	registry := NewToolRegistry(dir)
	session := newToolsTestSession(t, registry.NewMCPServer())

	ctx := context.Background()
	_, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "Write",
		Arguments: map[string]any{"file_path": "note.txt", "content": "hello"},
	})
	if err != nil {
		t.Fatalf("write call: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "note.txt"))
	if err != nil {
		t.Fatalf("read back written file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "Read",
		Arguments: map[string]any{"file_path": "note.txt"},
	})
	if err != nil {
		t.Fatalf("read call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error result")
	}
}

func TestToolRegistryResolvePathRejectsEscape(t *testing.T) {
	registry := NewToolRegistry(t.TempDir())
	if _, err := registry.resolvePath("../outside"); err == nil {
		t.Fatal("expected an error for a path escaping cwd")
	}
}
