package bridge

import (
	"fmt"

	acpsdk "github.com/coder/acp-go-sdk"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// PermissionMode is the coarse policy knob governing default allow/deny/ask
// behavior for tool invocations within a session.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModeDontAsk           PermissionMode = "dontAsk"
)

// ParsePermissionMode validates s against the known permission modes.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(s) {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypassPermissions, PermissionModeDontAsk:
		return PermissionMode(s), nil
	default:
		return "", fmt.Errorf("unknown permission mode: %q", s)
	}
}

// toBackendPermissionMode maps the ACP-facing five-value enum onto the
// backend SDK's own (coarser) permission mode vocabulary.
func toBackendPermissionMode(mode PermissionMode) (claudecode.PermissionMode, error) {
	switch mode {
	case PermissionModeDefault, PermissionModeDontAsk:
		return claudecode.PermissionModeDefault, nil
	case PermissionModePlan:
		return claudecode.PermissionModePlan, nil
	case PermissionModeAcceptEdits:
		return claudecode.PermissionModeAcceptEdits, nil
	case PermissionModeBypassPermissions:
		return claudecode.PermissionModeBypassPermissions, nil
	default:
		return "", fmt.Errorf("unsupported permission mode: %q", mode)
	}
}

// sessionModeDescriptions names the five permission modes in the order
// advertised to the client on session/new, default first.
var sessionModeDescriptions = []struct {
	id   PermissionMode
	name string
	desc string
}{
	{PermissionModeDefault, "Default", "Ask before running tools outside the static allow list"},
	{PermissionModeAcceptEdits, "Accept Edits", "Automatically approve every tool call without asking"},
	{PermissionModePlan, "Plan", "Read-only: propose a plan without running write or execute tools"},
	{PermissionModeBypassPermissions, "Bypass Permissions", "Run every tool without asking"},
	{PermissionModeDontAsk, "Don't Ask", "Never prompt the client; deny anything the rule set doesn't allow"},
}

// initialSessionModeState builds the static mode list advertised on every
// session/new response. The set is fixed per bridge instance, not per
// session, since it mirrors the PermissionMode enum rather than anything the
// backend itself reports.
func initialSessionModeState() *acpsdk.SessionModeState {
	modes := make([]acpsdk.SessionMode, 0, len(sessionModeDescriptions))
	for _, m := range sessionModeDescriptions {
		modes = append(modes, acpsdk.SessionMode{
			Id:   acpsdk.SessionModeId(m.id),
			Name: m.name,
		})
	}
	return &acpsdk.SessionModeState{
		CurrentModeId:  acpsdk.SessionModeId(PermissionModeDefault),
		AvailableModes: modes,
	}
}
