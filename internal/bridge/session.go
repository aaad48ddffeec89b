package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// StopReason is the terminal classification of a turn.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonRefusal   StopReason = "refusal"
	StopReasonCancelled StopReason = "cancelled"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage holds cumulative token counters and cost for a session, updated from
// each turn's terminal result message.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheCreateTokens int64
	TotalCostUSD      float64
}

func (u *Usage) add(in, out, cacheRead, cacheCreate int64, costUSD float64) {
	u.InputTokens += in
	u.OutputTokens += out
	u.CacheReadTokens += cacheRead
	u.CacheCreateTokens += cacheCreate
	u.TotalCostUSD += costUSD
}

// toolUseCacheEntry records a backend-announced tool invocation so a later
// tool-result block (possibly arriving on a subsequent turn after
// cancellation) can be correlated back to its name, input and ACP kind.
type toolUseCacheEntry struct {
	Name       string
	Input      map[string]any
	Kind       acpsdk.ToolKind
	RecordedAt time.Time
	// active is true between the StartToolCall notification and the matching
	// completion; it lets the converter avoid re-emitting a start for a tool
	// call already announced via a partial stream event.
	active bool
}

// BackgroundProcessStatus is the lifecycle state of a backgrounded Bash
// invocation.
type BackgroundProcessStatus string

const (
	BackgroundProcessStarted        BackgroundProcessStatus = "started"
	BackgroundProcessExited         BackgroundProcessStatus = "exited"
	BackgroundProcessKilled         BackgroundProcessStatus = "killed"
	BackgroundProcessTimedOut       BackgroundProcessStatus = "timed-out"
	BackgroundProcessAborted        BackgroundProcessStatus = "aborted"
)

// backgroundProcess tracks a single `Bash(run_in_background=true)` handle for
// later BashOutput/KillShell operations (see tools.go).
type backgroundProcess struct {
	mu        sync.Mutex
	id        string
	command   string
	startedAt time.Time
	status    BackgroundProcessStatus
	output    strings.Builder
	fetched   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Session owns the backend handle for one editor conversation and mediates
// all traffic — prompts, cancellation, mode/model changes — for it.
type Session struct {
	ID  string
	Cwd string

	log  *slog.Logger
	sink Sink

	mu      sync.Mutex
	client  claudecode.Client
	msgChan <-chan claudecode.Message

	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	promptMu     sync.Mutex
	promptCancel context.CancelFunc

	modeMu sync.RWMutex
	mode   PermissionMode

	cancelled atomic.Bool

	notificationCount atomic.Int64

	toolMu    sync.Mutex
	toolCache map[string]*toolUseCacheEntry

	usageMu sync.Mutex
	usage   Usage

	tools      *ToolRegistry
	toolsClose func()

	permission *PermissionCoordinator

	disconnected atomic.Bool
}

// newSession constructs a Session bound to an already-connected backend
// client and message stream.
func newSession(id, cwd string, log *slog.Logger, sink Sink, client claudecode.Client, sessionCtx context.Context, sessionCancel context.CancelFunc, msgChan <-chan claudecode.Message) *Session {
	s := &Session{
		ID:            id,
		Cwd:           cwd,
		log:           log.With("session", id),
		sink:          sink,
		client:        client,
		msgChan:       msgChan,
		sessionCtx:    sessionCtx,
		sessionCancel: sessionCancel,
		mode:          PermissionModeDefault,
		toolCache:     make(map[string]*toolUseCacheEntry),
	}
	return s
}

// PermissionMode returns the session's current permission mode.
func (s *Session) PermissionMode() PermissionMode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.mode
}

// SetPermissionMode writes the new mode, forwards it to the backend, and
// emits a current_mode_update notification.
func (s *Session) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	backendMode, err := toBackendPermissionMode(mode)
	if err != nil {
		return err
	}

	s.modeMu.Lock()
	s.mode = mode
	s.modeMu.Unlock()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		if err := client.SetPermissionMode(ctx, backendMode); err != nil {
			return fmt.Errorf("set permission mode: %w", err)
		}
	}

	s.emit(ctx, acpsdk.SessionUpdate{
		CurrentModeUpdate: &acpsdk.SessionCurrentModeUpdate{
			CurrentModeId: acpsdk.SessionModeId(mode),
		},
	})
	return nil
}

// SetModel forwards a model change to the backend. An empty model is a no-op
// success, matching the idempotent contract in the component design.
func (s *Session) SetModel(ctx context.Context, model string) error {
	if model == "" {
		return nil
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("session %s: no active backend client", s.ID)
	}
	m := model
	if err := client.SetModel(ctx, &m); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	return nil
}

// ModelState queries the backend for the model catalog available to this
// session. A nil result (with no error) means the backend reported no
// models, in which case the caller should omit Models from its response
// rather than send an empty list.
func (s *Session) ModelState(ctx context.Context) (*acpsdk.SessionModelState, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, nil
	}

	models, err := client.SupportedModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("supported models: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	available := make([]acpsdk.ModelInfo, 0, len(models))
	for _, m := range models {
		info := acpsdk.ModelInfo{
			ModelId: acpsdk.ModelId(m.Value),
			Name:    m.DisplayName,
		}
		if m.Description != "" {
			desc := m.Description
			info.Description = &desc
		}
		available = append(available, info)
	}

	return &acpsdk.SessionModelState{
		AvailableModels: available,
		CurrentModelId:  available[0].ModelId,
	}, nil
}

// Interrupt sets the cancel flag and asks the backend to interrupt the
// in-flight turn. Idempotent.
func (s *Session) Interrupt(ctx context.Context) {
	s.cancelled.Store(true)

	s.promptMu.Lock()
	cancel := s.promptCancel
	s.promptMu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		if interrupter, ok := client.(interface{ Interrupt(context.Context) error }); ok {
			_ = interrupter.Interrupt(ctx)
		}
	}

	if s.permission != nil {
		s.permission.cancelAll()
	}
}

// Prompt drives one turn: it clears the cancel flag, resets the per-turn
// notification counter, hands the text to the backend, and pumps the
// resulting message stream through the converter until the result message
// arrives or the turn is cancelled.
func (s *Session) Prompt(ctx context.Context, text string) (StopReason, error) {
	s.promptMu.Lock()
	if s.promptCancel != nil {
		s.promptMu.Unlock()
		return "", fmt.Errorf("session %s: prompt already in progress", s.ID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.promptCancel = cancel
	s.promptMu.Unlock()
	defer func() {
		s.promptMu.Lock()
		s.promptCancel = nil
		s.promptMu.Unlock()
		cancel()
	}()

	s.cancelled.Store(false)
	s.notificationCount.Store(0)

	s.mu.Lock()
	client := s.client
	msgChan := s.msgChan
	s.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("session %s: backend not connected", s.ID)
	}

	if text != "" {
		if err := client.QueryWithSession(turnCtx, text, s.ID); err != nil {
			return "", fmt.Errorf("query: %w", err)
		}
	}

	for {
		select {
		case <-turnCtx.Done():
			return StopReasonCancelled, nil
		case msg, ok := <-msgChan:
			if !ok {
				return StopReasonEndTurn, nil
			}
			if s.cancelled.Load() {
				return StopReasonCancelled, nil
			}
			if stop, done := s.dispatchMessage(turnCtx, msg); done {
				return stop, nil
			}
		}
	}
}

// dispatchMessage runs the converter over a single backend message. It
// returns (stopReason, true) when the message was the turn's terminal
// result message.
func (s *Session) dispatchMessage(ctx context.Context, msg claudecode.Message) (StopReason, bool) {
	switch m := msg.(type) {
	case *claudecode.AssistantMessage:
		s.convertAssistantMessage(ctx, m)
		return "", false
	case *claudecode.ResultMessage:
		return s.convertResultMessage(m), true
	case *claudecode.StreamEvent:
		s.convertStreamEvent(ctx, m)
		return "", false
	case *claudecode.SystemMessage:
		s.convertSystemMessage(ctx, m)
		return "", false
	default:
		return "", false
	}
}

func (s *Session) convertAssistantMessage(ctx context.Context, msg *claudecode.AssistantMessage) {
	keep := make(map[string]bool)
	for _, block := range msg.Content {
		if b, ok := block.(*claudecode.ToolUseBlock); ok {
			keep[b.ToolUseID] = true
		}
	}
	s.completeActiveToolsExcept(ctx, keep)

	for _, block := range msg.Content {
		switch b := block.(type) {
		case *claudecode.TextBlock:
			if b.Text != "" {
				s.emit(ctx, acpsdk.UpdateAgentMessageText(b.Text))
			}
		case *claudecode.ThinkingBlock:
			if b.Thinking != "" {
				s.emit(ctx, acpsdk.UpdateAgentThoughtText(b.Thinking))
			}
		case *claudecode.ToolUseBlock:
			s.startOrUpgradeToolCall(ctx, b.ToolUseID, b.Name, b.Input)
		case *claudecode.ToolResultBlock:
			s.completeToolCall(ctx, b.ToolUseID, b.Content, b.IsError != nil && *b.IsError)
		}
	}
}

func (s *Session) startOrUpgradeToolCall(ctx context.Context, id, name string, input map[string]any) {
	s.toolMu.Lock()
	entry, exists := s.toolCache[id]
	s.toolMu.Unlock()

	info := toolInfoFromToolUse(name, input)

	if exists && entry.active {
		updateOpts := []acpsdk.ToolCallUpdateOpt{
			acpsdk.WithUpdateStatus(acpsdk.ToolCallStatusInProgress),
			acpsdk.WithUpdateRawInput(input),
			acpsdk.WithUpdateTitle(info.Title),
			acpsdk.WithUpdateKind(info.Kind),
		}
		if len(info.Content) > 0 {
			updateOpts = append(updateOpts, acpsdk.WithUpdateContent(info.Content))
		}
		s.emit(ctx, acpsdk.UpdateToolCall(acpsdk.ToolCallId(id), updateOpts...))
		s.toolMu.Lock()
		entry.Name, entry.Input, entry.Kind = name, input, info.Kind
		s.toolMu.Unlock()
		return
	}

	opts := []acpsdk.ToolCallStartOpt{
		acpsdk.WithStartKind(info.Kind),
		acpsdk.WithStartStatus(acpsdk.ToolCallStatusInProgress),
	}
	if input != nil {
		opts = append(opts, acpsdk.WithStartRawInput(input))
	}
	if len(info.Content) > 0 {
		opts = append(opts, acpsdk.WithStartContent(info.Content))
	}
	if len(info.Locations) > 0 {
		opts = append(opts, acpsdk.WithStartLocations(info.Locations))
	}
	s.emit(ctx, acpsdk.StartToolCall(acpsdk.ToolCallId(id), info.Title, opts...))

	s.toolMu.Lock()
	s.toolCache[id] = &toolUseCacheEntry{Name: name, Input: input, Kind: info.Kind, RecordedAt: time.Now(), active: true}
	s.toolMu.Unlock()
}

func (s *Session) completeToolCall(ctx context.Context, id string, content any, isError bool) {
	status := acpsdk.ToolCallStatusCompleted
	if isError {
		status = acpsdk.ToolCallStatusFailed
	}
	raw, _ := json.Marshal(content)
	s.emit(ctx, acpsdk.UpdateToolCall(
		acpsdk.ToolCallId(id),
		acpsdk.WithUpdateStatus(status),
		acpsdk.WithUpdateRawOutput(json.RawMessage(raw)),
	))

	s.toolMu.Lock()
	if entry, ok := s.toolCache[id]; ok {
		entry.active = false
	}
	s.toolMu.Unlock()
}

func (s *Session) completeActiveToolsExcept(ctx context.Context, keep map[string]bool) {
	s.toolMu.Lock()
	var toComplete []string
	for id, entry := range s.toolCache {
		if entry.active && !keep[id] {
			toComplete = append(toComplete, id)
		}
	}
	s.toolMu.Unlock()

	for _, id := range toComplete {
		s.emit(ctx, acpsdk.UpdateToolCall(acpsdk.ToolCallId(id), acpsdk.WithUpdateStatus(acpsdk.ToolCallStatusCompleted)))
		s.toolMu.Lock()
		if entry, ok := s.toolCache[id]; ok {
			entry.active = false
		}
		s.toolMu.Unlock()
	}
}

func (s *Session) convertResultMessage(msg *claudecode.ResultMessage) StopReason {
	s.completeActiveToolsExcept(context.Background(), nil)

	var usage claudecode.Usage
	if msg.Usage != nil {
		usage = *msg.Usage
	}
	cost := 0.0
	if msg.TotalCostUSD != nil {
		cost = *msg.TotalCostUSD
	}
	s.usageMu.Lock()
	s.usage.add(int64(usage.InputTokens), int64(usage.OutputTokens), int64(usage.CacheReadInputTokens), int64(usage.CacheCreationInputTokens), cost)
	s.usageMu.Unlock()

	switch msg.Subtype {
	case "success":
		return StopReasonEndTurn
	case "error_during_execution":
		return StopReasonRefusal
	default:
		s.log.Warn("unrecognized result subtype, mapping to refusal", "subtype", msg.Subtype)
		return StopReasonRefusal
	}
}

func (s *Session) convertStreamEvent(ctx context.Context, msg *claudecode.StreamEvent) {
	if msg.Event == nil {
		return
	}
	eventType, _ := msg.Event["type"].(string)

	switch eventType {
	case "message_stop":
		s.completeActiveToolsExcept(ctx, nil)

	case "content_block_start":
		cb, ok := msg.Event["content_block"].(map[string]any)
		if !ok {
			return
		}
		switch cb["type"] {
		case "tool_use":
			name, _ := cb["name"].(string)
			id, _ := cb["id"].(string)
			s.toolMu.Lock()
			s.toolCache[id] = &toolUseCacheEntry{Name: name, RecordedAt: time.Now(), active: true}
			s.toolMu.Unlock()
			info := toolInfoFromToolUse(name, nil)
			s.emit(ctx, acpsdk.StartToolCall(acpsdk.ToolCallId(id), info.Title, acpsdk.WithStartKind(info.Kind), acpsdk.WithStartStatus(acpsdk.ToolCallStatusPending)))
		case "text":
			s.completeActiveToolsExcept(ctx, nil)
		case "thinking":
			if thinking, _ := cb["thinking"].(string); thinking != "" {
				s.emit(ctx, acpsdk.UpdateAgentThoughtText(thinking))
			}
		}

	case "content_block_delta":
		delta, ok := msg.Event["delta"].(map[string]any)
		if !ok {
			return
		}
		switch delta["type"] {
		case "text_delta":
			text, _ := delta["text"].(string)
			s.emit(ctx, acpsdk.UpdateAgentMessageText(text))
		case "thinking_delta":
			text, _ := delta["text"].(string)
			s.emit(ctx, acpsdk.UpdateAgentThoughtText(text))
		}
	}
}

func (s *Session) convertSystemMessage(_ context.Context, msg *claudecode.SystemMessage) {
	s.log.Debug("backend system message", "subtype", msg.Subtype)
}

// emit sends a session update through the sink and increments the per-turn
// notification counter, preserving the invariant that notification_count
// equals the number of session/update notifications enqueued during a turn.
func (s *Session) emit(ctx context.Context, update acpsdk.SessionUpdate) {
	if s.sink == nil {
		return
	}
	if err := s.sink.SendUpdate(ctx, acpsdk.SessionNotification{
		SessionId: acpsdk.SessionId(s.ID),
		Update:    update,
	}); err != nil {
		s.log.Debug("failed to send session update", "error", err)
		return
	}
	s.notificationCount.Add(1)
}

// NotificationCount returns the number of session/update notifications
// enqueued during the current (or most recently completed) turn.
func (s *Session) NotificationCount() int64 {
	return s.notificationCount.Load()
}

// UsageSnapshot returns a snapshot of the session's cumulative token/cost counters.
func (s *Session) UsageSnapshot() Usage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.usage
}

// Disconnect tears down the backend handle. After this call the Session is
// unusable; the backend handle is never accessed again.
func (s *Session) Disconnect(ctx context.Context) error {
	if !s.disconnected.CompareAndSwap(false, true) {
		return nil
	}
	s.Interrupt(ctx)

	if s.tools != nil {
		s.tools.KillAll()
	}
	if s.toolsClose != nil {
		s.toolsClose()
	}

	s.mu.Lock()
	cancel := s.sessionCancel
	s.client = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
