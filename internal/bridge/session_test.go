package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
	claudecode "github.com/severity1/claude-agent-sdk-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpdateSender records every notification sent through it, guarded by a
// mutex since Session may emit from more than one call site.
type fakeUpdateSender struct {
	mu            sync.Mutex
	notifications []acpsdk.SessionNotification
}

func (f *fakeUpdateSender) SendUpdate(_ context.Context, n acpsdk.SessionNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeUpdateSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

// fakeClient is a minimal claudecode.Client double sufficient to drive a
// Session through one turn.
type fakeClient struct {
	queried bool
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) QueryWithSession(ctx context.Context, text, sessionID string) error {
	f.queried = true
	return nil
}
func (f *fakeClient) ReceiveMessages(ctx context.Context) <-chan claudecode.Message { return nil }
func (f *fakeClient) SetPermissionMode(ctx context.Context, mode claudecode.PermissionMode) error {
	return nil
}
func (f *fakeClient) SetModel(ctx context.Context, model *string) error { return nil }
func (f *fakeClient) SupportedCommands(ctx context.Context) ([]claudecode.Command, error) {
	return nil, nil
}
func (f *fakeClient) SupportedModels(ctx context.Context) ([]claudecode.Model, error) {
	return nil, nil
}

func newTestSession(t *testing.T, sink Sink, msgChan <-chan claudecode.Message) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession("sess-1", "/tmp", testLogger(), sink, &fakeClient{}, ctx, cancel, msgChan)
	return s
}

func TestSessionPromptEndsOnResultMessage(t *testing.T) {
	sink := &fakeUpdateSender{}
	msgChan := make(chan claudecode.Message, 4)
	msgChan <- &claudecode.AssistantMessage{Content: []claudecode.ContentBlock{
		&claudecode.TextBlock{Text: "hi"},
	}}
	msgChan <- &claudecode.ResultMessage{Subtype: "success"}

	sess := newTestSession(t, sink, msgChan)

	stop, err := sess.Prompt(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != StopReasonEndTurn {
		t.Fatalf("expected end_turn, got %v", stop)
	}
}

func TestSessionPromptErrorDuringExecutionMapsToRefusal(t *testing.T) {
	sink := &fakeUpdateSender{}
	msgChan := make(chan claudecode.Message, 1)
	msgChan <- &claudecode.ResultMessage{Subtype: "error_during_execution"}

	sess := newTestSession(t, sink, msgChan)

	stop, err := sess.Prompt(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != StopReasonRefusal {
		t.Fatalf("error_during_execution must map to refusal, not %v", stop)
	}
}

func TestSessionPromptUnknownSubtypeMapsToRefusal(t *testing.T) {
	sink := &fakeUpdateSender{}
	msgChan := make(chan claudecode.Message, 1)
	msgChan <- &claudecode.ResultMessage{Subtype: "something_new"}

	sess := newTestSession(t, sink, msgChan)

	stop, _ := sess.Prompt(context.Background(), "hello")
	if stop != StopReasonRefusal {
		t.Fatalf("unknown subtype must default to refusal, not %v", stop)
	}
}

func TestSessionPromptCancelledByContext(t *testing.T) {
	sink := &fakeUpdateSender{}
	msgChan := make(chan claudecode.Message)

	sess := newTestSession(t, sink, msgChan)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stop, err := sess.Prompt(ctx, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop != StopReasonCancelled {
		t.Fatalf("expected cancelled, got %v", stop)
	}
}

func TestSessionNotificationCountTracksEmittedUpdates(t *testing.T) {
	sink := &fakeUpdateSender{}
	msgChan := make(chan claudecode.Message, 2)
	msgChan <- &claudecode.AssistantMessage{Content: []claudecode.ContentBlock{
		&claudecode.TextBlock{Text: "hi"},
	}}
	msgChan <- &claudecode.ResultMessage{Subtype: "success"}

	sess := newTestSession(t, sink, msgChan)
	_, _ = sess.Prompt(context.Background(), "hello")

	if sink.count() == 0 {
		t.Fatal("expected at least one notification to have been sent")
	}
	if sess.NotificationCount() != int64(sink.count()) {
		t.Fatalf("notification count %d does not match sink count %d", sess.NotificationCount(), sink.count())
	}
}
