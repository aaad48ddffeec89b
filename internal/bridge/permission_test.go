package bridge

import (
	"context"
	"reflect"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

type fakePermissionConn struct {
	called bool
}

func (f *fakePermissionConn) RequestPermission(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	f.called = true
	return acpsdk.RequestPermissionResponse{
		Outcome: &acpsdk.RequestPermissionOutcomeSelected{OptionId: "allow_once"},
	}, nil
}

func TestCanUseToolBypassPermissionsAllowsImmediately(t *testing.T) {
	conn := &fakePermissionConn{}
	c := NewPermissionCoordinator(conn, NewRuleSet(nil, nil))

	result, err := c.CanUseTool(context.Background(), "sess-1", "mcp__acp__Bash", map[string]any{"command": "rm -rf /"}, PermissionModeBypassPermissions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(result, claudecode.NewPermissionResultAllow()) {
		t.Fatalf("expected allow, got %#v", result)
	}
	if conn.called {
		t.Fatal("expected no client round trip under bypassPermissions")
	}
}

func TestCanUseToolAcceptEditsAllowsImmediately(t *testing.T) {
	conn := &fakePermissionConn{}
	c := NewPermissionCoordinator(conn, NewRuleSet(nil, nil))

	result, err := c.CanUseTool(context.Background(), "sess-1", "mcp__acp__Edit", map[string]any{"file_path": "main.go"}, PermissionModeAcceptEdits)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(result, claudecode.NewPermissionResultAllow()) {
		t.Fatalf("expected allow, got %#v", result)
	}
	if conn.called {
		t.Fatal("expected no client round trip under acceptEdits")
	}
}

func TestCanUseToolDefaultModeAsksClient(t *testing.T) {
	conn := &fakePermissionConn{}
	c := NewPermissionCoordinator(conn, NewRuleSet(nil, nil))

	result, err := c.CanUseTool(context.Background(), "sess-1", "mcp__acp__Bash", map[string]any{"command": "ls"}, PermissionModeDefault)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(result, claudecode.NewPermissionResultAllow()) {
		t.Fatalf("expected allow, got %#v", result)
	}
	if !conn.called {
		t.Fatal("expected a client round trip under default mode")
	}
}

func TestCanUseToolDontAskDeniesWithoutAllowRule(t *testing.T) {
	conn := &fakePermissionConn{}
	c := NewPermissionCoordinator(conn, NewRuleSet(nil, nil))

	result, err := c.CanUseTool(context.Background(), "sess-1", "mcp__acp__Bash", map[string]any{"command": "ls"}, PermissionModeDontAsk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reflect.DeepEqual(result, claudecode.NewPermissionResultAllow()) {
		t.Fatalf("expected deny, got %#v", result)
	}
	if conn.called {
		t.Fatal("expected no client round trip under dontAsk")
	}
}
