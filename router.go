package oasis

import (
	"context"
	"log/slog"
	"sync"
)

// ChannelMessage is the channel-agnostic contract a channel adapter
// (Telegram, email, Slack, ...) produces for every inbound message.
type ChannelMessage struct {
	Channel  string
	Sender   string
	Content  string
	Metadata map[string]string
}

// RoutedMessage is a ChannelMessage after agent resolution, queued for a
// single drainer to process in FIFO order.
type RoutedMessage struct {
	ChannelMessage
	AgentID string
}

// DropRecorder is notified when the router's queue overflows and the oldest
// message is discarded in favor of a new one. An event log implements this
// to keep a durable record of what was dropped and why.
type DropRecorder interface {
	RecordDrop(channel, sender, reason string)
}

type noopDropRecorder struct{}

func (noopDropRecorder) RecordDrop(string, string, string) {}

// AgentResolver maps a ChannelMessage to the agent id that should handle
// it. It is consulted per message, not cached at startup, so binding
// changes (new channel wired to a different agent) take effect immediately.
type AgentResolver func(ctx context.Context, msg ChannelMessage) (string, error)

// Router resolves inbound channel messages to an agent and serializes
// their delivery through an in-memory, bounded FIFO queue. Ordering is
// preserved per (channel, sender) pair: one drainer goroutine processes
// the shared queue in arrival order, so two senders on the same channel
// never interleave out of order relative to themselves.
type Router struct {
	resolve  AgentResolver
	process  func(ctx context.Context, msg RoutedMessage)
	drops    DropRecorder
	maxDepth int
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []RoutedMessage
	draining bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithQueueDepth caps the router's pending-message queue. On overflow the
// oldest queued message is dropped to favor recency. Default 256.
func WithQueueDepth(n int) RouterOption {
	return func(r *Router) { r.maxDepth = n }
}

// WithDropRecorder wires a sink for overflow-drop notifications.
func WithDropRecorder(d DropRecorder) RouterOption {
	return func(r *Router) { r.drops = d }
}

// WithRouterLogger sets the logger used for routing diagnostics.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a router that resolves messages with resolve and hands
// each RoutedMessage to process, one at a time, in FIFO order.
func NewRouter(resolve AgentResolver, process func(ctx context.Context, msg RoutedMessage), opts ...RouterOption) *Router {
	r := &Router{
		resolve:  resolve,
		process:  process,
		drops:    noopDropRecorder{},
		maxDepth: 256,
		logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves msg to an agent, enqueues it, and ensures exactly one
// drainer is running. It returns once the message is queued; delivery
// happens asynchronously on the drainer goroutine.
func (r *Router) Route(ctx context.Context, msg ChannelMessage) error {
	agentID, err := r.resolve(ctx, msg)
	if err != nil {
		return err
	}

	routed := RoutedMessage{ChannelMessage: msg, AgentID: agentID}

	r.mu.Lock()
	if len(r.queue) >= r.maxDepth {
		dropped := r.queue[0]
		r.queue = r.queue[1:]
		r.logger.Warn("router: queue full, dropping oldest", "channel", dropped.Channel, "sender", dropped.Sender)
		r.drops.RecordDrop(dropped.Channel, dropped.Sender, "queue overflow")
	}
	r.queue = append(r.queue, routed)

	shouldDrain := !r.draining
	if shouldDrain {
		r.draining = true
	}
	r.mu.Unlock()

	if shouldDrain {
		go r.drain(ctx)
	}
	return nil
}

// drain processes the queue in FIFO order until empty, then releases the
// re-entrancy flag. Only one drain goroutine runs at a time per Router.
func (r *Router) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.process(ctx, next)
	}
}

// Depth reports the number of messages currently queued, for diagnostics.
func (r *Router) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
