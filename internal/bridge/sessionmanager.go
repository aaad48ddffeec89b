package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// SessionMeta is the subset of a session/new or session/load request's
// `_meta` object the bridge understands.
type SessionMeta struct {
	SystemPrompt struct {
		Append  string `json:"append"`
		Replace string `json:"replace"`
	} `json:"systemPrompt"`
	ClaudeCode struct {
		Options struct {
			Resume string `json:"resume"`
		} `json:"options"`
	} `json:"claudeCode"`
	DisableBuiltInTools bool `json:"disableBuiltInTools"`
}

func parseSessionMeta(meta json.RawMessage) SessionMeta {
	var m SessionMeta
	if len(meta) == 0 {
		return m
	}
	_ = json.Unmarshal(meta, &m)
	return m
}

// CanUseToolFunc is the bridge-internal permission-check signature handed to
// a BackendFactory, decoupled from the backend SDK's own option type so the
// factory can be supplied by tests without depending on SDK internals.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, toolCtx claudecode.ToolPermissionContext) (claudecode.PermissionResult, error)

// BackendFactory constructs a connected backend client for a new session.
// It exists so SessionManager can be tested against a fake backend.
type BackendFactory func(ctx context.Context, cwd string, meta SessionMeta, allowedTools []string, mcpServers map[string]claudecode.McpServerConfig, canUseTool CanUseToolFunc) (claudecode.Client, <-chan claudecode.Message, error)

// SessionManager owns the concurrent map of live sessions. All mutating
// operations (Create, Drop) take the map lock only long enough to update
// the map itself; backend connection setup and teardown happen outside the
// lock so a slow-to-connect session never blocks lookups of unrelated
// sessions.
type SessionManager struct {
	log     *slog.Logger
	sink    Sink
	conn    PermissionConnection
	backend BackendFactory
	rules   *RuleSet

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager builds an empty SessionManager. rules is the static
// allow/deny list loaded from settings.json, shared by every session created
// through this manager; a session's own permission mode still governs
// shortcut behavior on top of these rules.
func NewSessionManager(log *slog.Logger, sink Sink, conn PermissionConnection, backend BackendFactory, rules *RuleSet) *SessionManager {
	if rules == nil {
		rules = NewRuleSet(nil, nil)
	}
	return &SessionManager{
		log:      log,
		sink:     sink,
		conn:     conn,
		backend:  backend,
		rules:    rules,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session rooted at cwd, optionally resuming a prior
// backend conversation (session/load) when meta.ClaudeCode.Options.Resume is
// set. The returned session is already registered in the map.
func (m *SessionManager) Create(ctx context.Context, cwd string, metaRaw json.RawMessage, mcpServers map[string]claudecode.McpServerConfig) (*Session, error) {
	meta := parseSessionMeta(metaRaw)

	id := uuid.NewString()
	coordinator := NewPermissionCoordinator(m.conn, m.rules)

	canUseTool := func(ctx context.Context, toolName string, input map[string]any, toolCtx claudecode.ToolPermissionContext) (claudecode.PermissionResult, error) {
		sess, ok := m.Get(id)
		mode := PermissionModeDefault
		if ok {
			mode = sess.PermissionMode()
		}
		return coordinator.CanUseTool(ctx, id, toolName, input, mode)
	}

	var registry *ToolRegistry
	var toolsClose func()
	allowedTools := builtinToolNames()
	if meta.DisableBuiltInTools {
		allowedTools = nil
	} else {
		registry = NewToolRegistry(cwd)
		url, closeFn, err := registry.Serve()
		if err != nil {
			return nil, fmt.Errorf("start tool registry server: %w", err)
		}
		toolsClose = closeFn

		if mcpServers == nil {
			mcpServers = make(map[string]claudecode.McpServerConfig, 1)
		}
		if _, exists := mcpServers[toolRegistryServerName]; exists {
			m.log.Warn("client-supplied mcp server name collides with the bridge's own tool registry, overriding it", "name", toolRegistryServerName)
		}
		mcpServers[toolRegistryServerName] = &claudecode.McpHTTPServerConfig{
			Type: claudecode.McpServerTypeHTTP,
			URL:  url,
		}
	}

	client, msgChan, err := m.backend(ctx, cwd, meta, allowedTools, mcpServers, canUseTool)
	if err != nil {
		if toolsClose != nil {
			toolsClose()
		}
		return nil, fmt.Errorf("connect backend: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	sess := newSession(id, cwd, m.log, m.sink, client, sessionCtx, cancel, msgChan)
	sess.permission = coordinator
	sess.tools = registry
	sess.toolsClose = toolsClose

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get returns the session for id, if it exists.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Drop disconnects and removes a session from the map. It is a no-op if the
// session is already gone, making it safe to call from multiple paths
// (explicit session end, connection teardown) without coordination.
func (m *SessionManager) Drop(ctx context.Context, id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Disconnect(ctx); err != nil {
		m.log.Warn("error disconnecting session", "session", id, "error", err)
	}
}

// DropAll tears down every live session, used on process shutdown.
func (m *SessionManager) DropAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Drop(ctx, id)
	}
}

// builtinToolNames returns the bridge's registered tool-call catalog names,
// namespaced per the component design.
func builtinToolNames() []string {
	names := []string{"Bash", "BashOutput", "KillShell", "Read", "Write", "Edit"}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = builtinToolPrefix + n
	}
	return out
}
