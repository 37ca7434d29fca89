package ycmd

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestKind identifies an ordered request category. Requests of the
// same kind for the same project root are sequenced: a newer one
// supersedes an older unresolved one.
type RequestKind string

const (
	KindCompletions        RequestKind = "completions"
	KindEventNotification  RequestKind = "event_notification"
	KindCompleterCommand   RequestKind = "completer_command"
	KindDefinedSubcommands RequestKind = "defined_subcommands"
	KindDetailedDiagnostic RequestKind = "detailed_diagnostic"
	KindDebugInfo          RequestKind = "debug_info"
)

// handlerForKind maps a request kind to its server route.
func handlerForKind(kind RequestKind) string {
	switch kind {
	case KindCompletions:
		return HandlerCompletions
	case KindEventNotification:
		return HandlerEventNotification
	case KindCompleterCommand:
		return HandlerRunCompleterCommand
	case KindDefinedSubcommands:
		return HandlerDefinedSubcommands
	case KindDetailedDiagnostic:
		return HandlerDetailedDiagnostic
	case KindDebugInfo:
		return HandlerDebugInfo
	default:
		return ""
	}
}

// Call is an in-flight request. It resolves exactly once: with the raw
// response, with an error from the taxonomy, or with ErrSuperseded when
// a newer request of the same kind replaced it.
type Call struct {
	id          uuid.UUID
	kind        RequestKind
	projectRoot string

	done      chan struct{}
	once      sync.Once
	result    json.RawMessage
	err       error
	cancelled atomic.Bool
}

func newCall(projectRoot string, kind RequestKind) *Call {
	return &Call{
		id:          uuid.New(),
		kind:        kind,
		projectRoot: projectRoot,
		done:        make(chan struct{}),
	}
}

// ID returns the call's correlation id.
func (c *Call) ID() uuid.UUID {
	return c.id
}

// Kind returns the request kind.
func (c *Call) Kind() RequestKind {
	return c.kind
}

// Done is closed when the call has resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. Calling it before Done is closed returns
// ErrPending; use Wait to block.
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the call resolves or the context ends.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.result, c.err
	}
}

// Cancel suppresses delivery of the result. The underlying network call,
// if already sent, is not aborted; its response is discarded.
func (c *Call) Cancel() {
	c.cancelled.Store(true)
	c.resolve(nil, context.Canceled)
}

// resolve settles the call exactly once.
func (c *Call) resolve(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// flightKey orders requests per (project root, kind).
type flightKey struct {
	projectRoot string
	kind        RequestKind
}

// Client dispatches requests asynchronously against servers managed by a
// Manager. It never blocks the caller: Send returns a Call immediately
// and the exchange runs on its own goroutine.
//
// The client does not start servers. A request for a root without a
// ready server resolves with ErrServerUnavailable; the caller decides
// when to invoke Manager.EnsureRunning.
type Client struct {
	manager *Manager

	mu       sync.Mutex
	inflight map[flightKey]*Call
	closed   atomic.Bool

	log *zap.SugaredLogger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(log *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a request client over a manager.
func NewClient(manager *Manager, opts ...ClientOption) *Client {
	c := &Client{
		manager:  manager,
		inflight: make(map[flightKey]*Call),
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send issues a request of the given kind for a project root. Any older
// unresolved request of the same (root, kind) resolves with ErrSuperseded
// before the returned call can resolve.
func (c *Client) Send(ctx context.Context, projectRoot string, kind RequestKind, params RequestParameters) *Call {
	call := newCall(projectRoot, kind)

	if c.closed.Load() {
		call.resolve(nil, ErrStopped)
		return call
	}
	if handlerForKind(kind) == "" {
		call.resolve(nil, ErrProtocol)
		return call
	}

	key := flightKey{projectRoot: projectRoot, kind: kind}

	c.mu.Lock()
	prev := c.inflight[key]
	c.inflight[key] = call
	c.mu.Unlock()

	if prev != nil {
		prev.resolve(nil, ErrSuperseded)
	}

	go c.dispatch(ctx, key, call, params)
	return call
}

// NotifyEvent sends a buffer lifecycle event notification.
func (c *Client) NotifyEvent(ctx context.Context, projectRoot string, event EventName, params RequestParameters) *Call {
	return c.Send(ctx, projectRoot, KindEventNotification, params.withExtra("event_name", string(event)))
}

// Completions requests completion candidates. The resolved payload
// parses with ParseCompletionResponse.
func (c *Client) Completions(ctx context.Context, projectRoot string, params RequestParameters) *Call {
	return c.Send(ctx, projectRoot, KindCompletions, params)
}

// RunCompleterCommand invokes a completer subcommand such as GoTo.
func (c *Client) RunCompleterCommand(ctx context.Context, projectRoot, command string, args []string, params RequestParameters) *Call {
	commandArgs := append([]string{command}, args...)
	return c.Send(ctx, projectRoot, KindCompleterCommand, params.withExtra("command_arguments", commandArgs))
}

// dispatch runs the exchange and settles the call.
func (c *Client) dispatch(ctx context.Context, key flightKey, call *Call, params RequestParameters) {
	defer c.clear(key, call)

	server, err := c.manager.ServerFor(call.projectRoot)
	if err != nil {
		call.resolve(nil, err)
		return
	}
	if call.cancelled.Load() {
		return
	}

	var raw json.RawMessage
	err = server.call(ctx, handlerForKind(call.kind), params, &raw)
	if err != nil {
		c.log.Debugw("request failed",
			"id", call.id, "kind", call.kind, "project", call.projectRoot, "error", err)
		call.resolve(nil, err)
		return
	}
	call.resolve(raw, nil)
}

// clear removes the call from the in-flight table if it is still the
// current one for its key.
func (c *Client) clear(key flightKey, call *Call) {
	c.mu.Lock()
	if c.inflight[key] == call {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

// Pending returns the number of unresolved calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Close resolves all pending calls with ErrStopped and rejects new ones.
func (c *Client) Close() {
	c.closed.Store(true)

	c.mu.Lock()
	pending := make([]*Call, 0, len(c.inflight))
	for _, call := range c.inflight {
		pending = append(pending, call)
	}
	c.inflight = make(map[flightKey]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.resolve(nil, ErrStopped)
	}
}
