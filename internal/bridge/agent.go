package bridge

import (
	"context"
	"fmt"
	"log/slog"

	acpsdk "github.com/coder/acp-go-sdk"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// protocolVersion is the ACP protocol version this bridge implements.
const protocolVersion = acpsdk.ProtocolVersionNumber

// Agent implements acp.Agent and acp.AgentExperimental, dispatching every
// JSON-RPC method the editor client can call against the bridge's
// SessionManager. It is the process's single long-lived object; one Agent
// serves every session for the lifetime of the stdio connection.
type Agent struct {
	log     *slog.Logger
	conn    *acpsdk.AgentSideConnection
	manager *SessionManager
}

// NewAgent constructs an Agent. SetConnection must be called once the
// agent-side connection is established, before any request arrives.
func NewAgent(log *slog.Logger) *Agent {
	return &Agent{log: log}
}

// SetConnection wires the agent-side connection into the Agent and builds
// its SessionManager, Transport and permission plumbing. It must be called
// exactly once, immediately after acp.NewAgentSideConnection returns.
func (a *Agent) SetConnection(conn *acpsdk.AgentSideConnection, backend BackendFactory, rules *RuleSet) {
	a.conn = conn
	transport := NewTransport(context.Background(), conn, 256)
	a.manager = NewSessionManager(a.log, transport, conn, backend, rules)
}

// Initialize negotiates the protocol version and advertises capabilities.
func (a *Agent) Initialize(ctx context.Context, req acpsdk.InitializeRequest) (acpsdk.InitializeResponse, error) {
	a.log.Info("initialize", "client", req.ClientInfo, "protocolVersion", req.ProtocolVersion)
	return acpsdk.InitializeResponse{
		ProtocolVersion: protocolVersion,
		AgentInfo: &acpsdk.Implementation{
			Name:    "claude-acp-bridge",
			Version: "0.1.0",
		},
		AgentCapabilities: acpsdk.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acpsdk.PromptCapabilities{
				EmbeddedContext: true,
				Image:           true,
				Audio:           false,
			},
			McpCapabilities: acpsdk.McpCapabilities{
				Http: true,
				Sse:  true,
			},
		},
	}, nil
}

// Authenticate always succeeds without contacting the backend. The bridge
// itself holds no credential state and does not check the environment the
// backend CLI will read its credentials from.
func (a *Agent) Authenticate(ctx context.Context, req acpsdk.AuthenticateRequest) (acpsdk.AuthenticateResponse, error) {
	return acpsdk.AuthenticateResponse{}, nil
}

// NewSession creates a fresh backend-backed session rooted at req.Cwd.
func (a *Agent) NewSession(ctx context.Context, req acpsdk.NewSessionRequest) (acpsdk.NewSessionResponse, error) {
	mcpServers := convertMcpServers(req.McpServers)
	sess, err := a.manager.Create(ctx, req.Cwd, req.Meta, mcpServers)
	if err != nil {
		return acpsdk.NewSessionResponse{}, fmt.Errorf("create session: %w", err)
	}

	resp := acpsdk.NewSessionResponse{
		SessionId: acpsdk.SessionId(sess.ID),
		Modes:     initialSessionModeState(),
	}
	models, err := sess.ModelState(ctx)
	if err != nil {
		a.log.Debug("model discovery failed", "session", sess.ID, "error", err)
	} else if models != nil {
		resp.Models = models
	}
	return resp, nil
}

// LoadSession creates a session the same way NewSession does. The bridge
// carries no cross-restart state of its own; a prior backend conversation
// is resumed only when `_meta.claudeCode.options.resume` names it. The
// client-supplied session id is logged but not passed to the backend, and
// the new session is registered under a freshly generated id.
func (a *Agent) LoadSession(ctx context.Context, req acpsdk.LoadSessionRequest) (acpsdk.LoadSessionResponse, error) {
	mcpServers := convertMcpServers(req.McpServers)
	sess, err := a.manager.Create(ctx, req.Cwd, req.Meta, mcpServers)
	if err != nil {
		return acpsdk.LoadSessionResponse{}, fmt.Errorf("load session: %w", err)
	}
	a.log.Info("loaded session", "requested_id", req.SessionId, "bound_id", sess.ID)
	return acpsdk.LoadSessionResponse{}, nil
}

// Prompt runs one turn for an existing session and waits for outstanding
// notifications to flush before returning, so the client never observes
// the turn-terminating response race ahead of the updates describing it.
func (a *Agent) Prompt(ctx context.Context, req acpsdk.PromptRequest) (acpsdk.PromptResponse, error) {
	sess, ok := a.manager.Get(string(req.SessionId))
	if !ok {
		return acpsdk.PromptResponse{}, fmt.Errorf("unknown session: %s", req.SessionId)
	}

	text, err := flattenPromptText(req.Prompt)
	if err != nil {
		return acpsdk.PromptResponse{}, err
	}
	stop, err := sess.Prompt(ctx, text)
	if err != nil {
		return acpsdk.PromptResponse{}, err
	}

	if t, ok := a.transportOf(); ok {
		_ = t.Flush(ctx)
	}

	return acpsdk.PromptResponse{StopReason: acpsdk.StopReason(stop)}, nil
}

// transportOf exposes the shared Transport for the flush barrier above. The
// SessionManager was built with a Sink, which in production is always the
// *Transport constructed in SetConnection.
func (a *Agent) transportOf() (*Transport, bool) {
	t, ok := a.manager.sink.(*Transport)
	return t, ok
}

// Cancel interrupts an in-flight turn for the named session.
func (a *Agent) Cancel(ctx context.Context, notif acpsdk.CancelNotification) error {
	sess, ok := a.manager.Get(string(notif.SessionId))
	if !ok {
		return nil
	}
	sess.Interrupt(ctx)
	return nil
}

// SetSessionMode updates a session's permission mode.
func (a *Agent) SetSessionMode(ctx context.Context, req acpsdk.SetSessionModeRequest) (acpsdk.SetSessionModeResponse, error) {
	sess, ok := a.manager.Get(string(req.SessionId))
	if !ok {
		return acpsdk.SetSessionModeResponse{}, fmt.Errorf("unknown session: %s", req.SessionId)
	}
	mode, err := ParsePermissionMode(string(req.ModeId))
	if err != nil {
		return acpsdk.SetSessionModeResponse{}, err
	}
	if err := sess.SetPermissionMode(ctx, mode); err != nil {
		return acpsdk.SetSessionModeResponse{}, err
	}
	return acpsdk.SetSessionModeResponse{}, nil
}

// SetSessionModel updates the backend model for a session (AgentExperimental).
func (a *Agent) SetSessionModel(ctx context.Context, req acpsdk.SetSessionModelRequest) (acpsdk.SetSessionModelResponse, error) {
	sess, ok := a.manager.Get(string(req.SessionId))
	if !ok {
		return acpsdk.SetSessionModelResponse{}, fmt.Errorf("unknown session: %s", req.SessionId)
	}
	if err := sess.SetModel(ctx, string(req.ModelId)); err != nil {
		return acpsdk.SetSessionModelResponse{}, err
	}
	return acpsdk.SetSessionModelResponse{}, nil
}

// EndSession tears down a session's backend handle through the Session
// Manager's Drop. It is the bridge's own extension point rather than a
// named ACP method.
func (a *Agent) EndSession(ctx context.Context, sessionID string) {
	a.manager.Drop(ctx, sessionID)
}

// Shutdown tears down every live session, used when the stdio connection
// closes.
func (a *Agent) Shutdown(ctx context.Context) {
	if a.manager != nil {
		a.manager.DropAll(ctx)
	}
}

func convertMcpServers(servers []acpsdk.McpServer) map[string]claudecode.McpServerConfig {
	out := make(map[string]claudecode.McpServerConfig, len(servers))
	for _, s := range servers {
		switch {
		case s.Stdio != nil:
			env := make(map[string]string, len(s.Stdio.Env))
			for _, e := range s.Stdio.Env {
				env[e.Name] = e.Value
			}
			out[s.Stdio.Name] = &claudecode.McpStdioServerConfig{
				Type:    claudecode.McpServerTypeStdio,
				Command: s.Stdio.Command,
				Args:    s.Stdio.Args,
				Env:     env,
			}
		case s.Sse != nil:
			out[s.Sse.Name] = &claudecode.McpSSEServerConfig{
				Type: claudecode.McpServerTypeSSE,
				URL:  s.Sse.Url,
			}
		case s.Http != nil:
			out[s.Http.Name] = &claudecode.McpHTTPServerConfig{
				Type: claudecode.McpServerTypeHTTP,
				URL:  s.Http.Url,
			}
		}
	}
	return out
}
