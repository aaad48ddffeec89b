package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Sink is the narrow interface a Session uses to publish session/update
// notifications. It exists so Session can be tested against a fake without
// depending on a live wire connection.
type Sink interface {
	SendUpdate(ctx context.Context, n acpsdk.SessionNotification) error
}

// flushSentinel is a notification whose arrival through the single-writer
// queue marks "everything enqueued before me has been written to the wire".
// It carries no session update of its own and is never forwarded to the
// client; Transport recognizes it structurally (by identity, via the
// accompanying done channel) rather than by inspecting update content.
type flushSentinel struct {
	done chan struct{}
}

type queueItem struct {
	notification *acpsdk.SessionNotification
	sentinel     *flushSentinel
}

// Transport owns the single-writer notification queue sitting between
// Sessions and the wire connection. The upstream connection's own
// SessionUpdate call is a direct, unordered write with no ordering
// guarantee relative to a later response; Transport restores that
// guarantee by serializing every notification through one goroutine and
// giving callers a Flush barrier to wait on before they send a
// turn-terminating response.
type Transport struct {
	conn  acpUpdateSender
	queue chan queueItem

	mu     sync.Mutex
	closed bool
}

// acpUpdateSender is the subset of the agent-side connection used to
// deliver a session update to the client.
type acpUpdateSender interface {
	SessionUpdate(ctx context.Context, n acpsdk.SessionNotification) error
}

// NewTransport starts the queue-draining goroutine and returns a Transport
// bound to conn. bufSize bounds how many notifications may be in flight
// before SendUpdate blocks its caller.
func NewTransport(ctx context.Context, conn acpUpdateSender, bufSize int) *Transport {
	if bufSize <= 0 {
		bufSize = 256
	}
	t := &Transport{
		conn:  conn,
		queue: make(chan queueItem, bufSize),
	}
	go t.run(ctx)
	return t
}

func (t *Transport) run(ctx context.Context) {
	for {
		select {
		case item, ok := <-t.queue:
			if !ok {
				return
			}
			if item.sentinel != nil {
				close(item.sentinel.done)
				continue
			}
			// Errors writing a single notification are not fatal to the
			// transport; the wire connection itself will surface a
			// disconnect through context cancellation.
			_ = t.conn.SessionUpdate(ctx, *item.notification)
		case <-ctx.Done():
			return
		}
	}
}

// SendUpdate enqueues a notification for delivery, implementing the Sink
// interface.
func (t *Transport) SendUpdate(ctx context.Context, n acpsdk.SessionNotification) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("transport closed")
	}
	select {
	case t.queue <- queueItem{notification: &n}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every notification enqueued before this call has been
// written to the wire. Callers on the session/prompt response path MUST
// call Flush before returning their response, so the client never observes
// a turn-terminating response racing ahead of the notifications describing
// that turn.
//
// The sentinel marker is the primary mechanism: it rides the same queue as
// real notifications and its completion therefore implies everything ahead
// of it has drained. If the queue is ever replaced with a sink that cannot
// support a sentinel (e.g. a raw fire-and-forget channel in a test double),
// callers may fall back to a bounded sleep of min(100, 10+2*notificationCount)
// milliseconds; that fallback is documented as an interim measure only and
// is deliberately not the default path here.
func (t *Transport) Flush(ctx context.Context) error {
	sentinel := &flushSentinel{done: make(chan struct{})}
	select {
	case t.queue <- queueItem{sentinel: sentinel}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-sentinel.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushFallbackDelay returns the bounded-sleep interim fallback duration
// described in the component design, for callers that cannot rely on the
// sentinel barrier.
func FlushFallbackDelay(notificationCount int64) time.Duration {
	ms := 10 + 2*notificationCount
	if ms > 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}

// Close stops accepting new notifications. Already-queued items continue to
// drain until the context passed to NewTransport is cancelled.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.queue)
}
