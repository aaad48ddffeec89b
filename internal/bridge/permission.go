package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	acpsdk "github.com/coder/acp-go-sdk"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// PermissionConnection is the subset of the agent-side connection the
// coordinator needs to round-trip a permission request to the client.
type PermissionConnection interface {
	RequestPermission(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error)
}

// PermissionCoordinator bridges the backend SDK's synchronous-looking
// can_use_tool callback to an async session/request_permission round-trip
// with the client, without blocking the SDK's message-ingestion loop.
//
// Each in-flight request owns a single-shot channel keyed by its request id;
// cancelAll posts a denial to every pending request when a session is
// interrupted or torn down.
type PermissionCoordinator struct {
	conn   PermissionConnection
	rules  *RuleSet
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan permissionOutcome
}

type permissionOutcome struct {
	allow     bool
	interrupt bool
}

// NewPermissionCoordinator builds a coordinator that sends requests over
// conn and consults rules for shortcut decisions before prompting the
// client.
func NewPermissionCoordinator(conn PermissionConnection, rules *RuleSet) *PermissionCoordinator {
	return &PermissionCoordinator{
		conn:    conn,
		rules:   rules,
		pending: make(map[string]chan permissionOutcome),
	}
}

// CanUseTool implements the claude-agent-sdk-go can_use_tool callback shape.
// mode governs the permission-mode shortcuts described in the component
// design: bypassPermissions and acceptEdits both allow immediately; plan
// only allows read-only tool kinds; dontAsk denies anything the rule set
// doesn't explicitly allow.
func (c *PermissionCoordinator) CanUseTool(ctx context.Context, sessionID string, toolName string, input map[string]any, mode PermissionMode) (claudecode.PermissionResult, error) {
	bare := stripBuiltinPrefix(toolName)

	if mode == PermissionModeBypassPermissions || mode == PermissionModeAcceptEdits {
		return claudecode.NewPermissionResultAllow(), nil
	}

	switch c.rules.Evaluate(bare, input) {
	case ruleDecisionAllow:
		return claudecode.NewPermissionResultAllow(), nil
	case ruleDecisionDeny:
		return claudecode.NewPermissionResultDeny(fmt.Sprintf("denied by rule: %s", bare)), nil
	}

	if mode == PermissionModeDontAsk {
		return claudecode.NewPermissionResultDeny(fmt.Sprintf("%s requires permission but session is in dontAsk mode", bare)), nil
	}

	if mode == PermissionModePlan {
		info := toolInfoFromToolUse(bare, input)
		if info.Kind != acpsdk.ToolKindRead && info.Kind != acpsdk.ToolKindSearch && info.Kind != acpsdk.ToolKindThink {
			result := claudecode.NewPermissionResultDeny("not permitted in plan mode")
			result.Interrupt = true
			return result, nil
		}
	}

	return c.request(ctx, sessionID, bare, input)
}

// request sends a session/request_permission call to the client and blocks
// until the client responds or the context is cancelled. A selected option
// decides the request directly; any other outcome (a cancelled reply) then
// waits for the denial posted by cancelAll, or for the context to end.
// cancelAll does not interrupt a call that is still waiting for the reply.
func (c *PermissionCoordinator) request(ctx context.Context, sessionID, toolName string, input map[string]any) (claudecode.PermissionResult, error) {
	id := fmt.Sprintf("perm-%d", c.nextID.Add(1))
	ch := make(chan permissionOutcome, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	info := toolInfoFromToolUse(toolName, input)
	resp, err := c.conn.RequestPermission(ctx, acpsdk.RequestPermissionRequest{
		SessionId: acpsdk.SessionId(sessionID),
		ToolCall: acpsdk.SessionUpdateToolCall{
			ToolCallId: acpsdk.ToolCallId(id),
			Title:      info.Title,
			Kind:       info.Kind,
			Status:     acpsdk.ToolCallStatusPending,
			RawInput:   input,
		},
		Options: []acpsdk.PermissionOption{
			{OptionId: "allow_once", Name: "Allow", Kind: acpsdk.PermissionOptionKindAllowOnce},
			{OptionId: "allow_always", Name: "Always allow", Kind: acpsdk.PermissionOptionKindAllowAlways},
			{OptionId: "reject_once", Name: "Reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
		},
	})
	if err != nil {
		return claudecode.NewPermissionResultDeny(fmt.Sprintf("permission request failed: %v", err)), nil
	}

	switch outcome := resp.Outcome.(type) {
	case *acpsdk.RequestPermissionOutcomeSelected:
		if outcome.OptionId == "reject_once" {
			return claudecode.NewPermissionResultDeny("rejected by user"), nil
		}
		return claudecode.NewPermissionResultAllow(), nil
	default:
		select {
		case o := <-ch:
			if !o.allow {
				result := claudecode.NewPermissionResultDeny("cancelled")
				result.Interrupt = o.interrupt
				return result, nil
			}
			return claudecode.NewPermissionResultAllow(), nil
		case <-ctx.Done():
			return claudecode.NewPermissionResultDeny("cancelled"), ctx.Err()
		}
	}
}

// cancelAll posts a denial (with interrupt set) to every pending permission
// request and removes it from the pending map, used when a session is
// interrupted or disconnected while a request is outstanding.
func (c *PermissionCoordinator) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- permissionOutcome{allow: false, interrupt: true}:
		default:
		}
		delete(c.pending, id)
	}
}
