// Package rpc implements the cross-frame procedure relay: a per-frame
// registry of named procedures plus correlated calls over transport ports.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ifrelay/pkg/transport"
)

const (
	DefaultTimeout   = 30 * time.Second
	defaultInboxSize = 64
)

// CallContext identifies the caller of a procedure.
type CallContext struct {
	// From is the frame id bound to the port the call arrived on.
	From      string
	Procedure string
	// CallID is empty for notifications.
	CallID string
}

// ExpectsReply reports whether the caller is waiting for a result.
func (c *CallContext) ExpectsReply() bool {
	return c.CallID != ""
}

// Handler implements a registered procedure. The returned value is sent back
// to correlated callers and must be JSON-serializable.
type Handler func(ctx context.Context, call *CallContext, args Args) (any, error)

// State is the lifecycle position of one outgoing call.
type State string

const (
	StateCreated           State = "created"
	StateSent              State = "sent"
	StateAwaitingResponse  State = "awaiting_response"
	StateResponded         State = "responded"
	StateTimedOut          State = "timed_out"
	StateProcedureNotFound State = "procedure_not_found"
	StateFailed            State = "failed"
	StateDelivered         State = "delivered"
)

// Result is what a callback receives when a correlated call ends.
type Result struct {
	Value json.RawMessage
	State State
	Err   error
}

// Decode unmarshals the returned value into v.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// Callback receives the outcome of a correlated call exactly once.
type Callback func(Result)

// Option configures a Relay.
type Option func(*Relay)

// WithTimeout sets how long a correlated call waits for its response.
// Zero or negative disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithLogger sets the relay logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

type peer struct {
	frameID string
	port    transport.Port
	inbox   chan Envelope
	cancel  context.CancelFunc
}

type pendingCall struct {
	frameID   string
	procedure string
	callback  Callback
	timer     *time.Timer
	startedAt time.Time
}

// Relay owns the procedure registry of one frame and its ports to other frames.
type Relay struct {
	self    string
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	procedures map[string]Handler
	peers      map[string]*peer
	tokens     map[string]string

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

// New creates the relay for the frame identified by frameID.
func New(frameID string, opts ...Option) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		self:       frameID,
		timeout:    DefaultTimeout,
		log:        slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		procedures: make(map[string]Handler),
		peers:      make(map[string]*peer),
		tokens:     make(map[string]string),
		pending:    make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "rpc.relay", "frame", frameID)
	return r
}

// FrameID returns the id of the frame this relay serves.
func (r *Relay) FrameID() string { return r.self }

// Register binds handler to name, replacing any earlier binding.
func (r *Relay) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procedures[name] = handler
}

// Registered reports whether name has a handler.
func (r *Relay) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.procedures[name]
	return ok
}

// Procedures lists registered names in sorted order.
func (r *Relay) Procedures() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// SetAuthToken binds an rpc token to frameID. Outgoing envelopes to the frame
// carry it and inbound envelopes from the frame must present it.
func (r *Relay) SetAuthToken(frameID string, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		delete(r.tokens, frameID)
		return
	}
	r.tokens[frameID] = token
}

// Attach connects port as the channel to frameID and starts serving it.
// A port already attached under the same id is closed and replaced.
func (r *Relay) Attach(frameID string, port transport.Port) {
	frameID = normalizeTarget(frameID)
	ctx, cancel := context.WithCancel(r.ctx)
	p := &peer{
		frameID: frameID,
		port:    port,
		inbox:   make(chan Envelope, defaultInboxSize),
		cancel:  cancel,
	}

	r.mu.Lock()
	previous := r.peers[frameID]
	r.peers[frameID] = p
	r.mu.Unlock()

	if previous != nil {
		r.log.Info("Replacing frame port", "peer", frameID)
		r.closePeer(previous, "replaced")
	}

	r.wg.Add(2)
	go r.readLoop(ctx, p)
	go r.dispatchLoop(ctx, p)

	r.log.Debug("Frame attached", "peer", frameID)
}

// Detach closes the port to frameID. Pending calls to it fail as unreachable.
func (r *Relay) Detach(frameID string) {
	frameID = normalizeTarget(frameID)
	r.mu.Lock()
	p := r.peers[frameID]
	if p != nil {
		delete(r.peers, frameID)
	}
	r.mu.Unlock()

	if p != nil {
		r.closePeer(p, "detached")
	}
}

// Frames lists attached frame ids in sorted order.
func (r *Relay) Frames() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Pending returns the number of correlated calls awaiting a response.
func (r *Relay) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Call invokes procedure on the target frame. An empty target or ".." means the
// parent. With a nil callback the call is fire-and-forget.
//
// Failures detected before the envelope leaves this frame are returned and the
// callback is not invoked. Once Call returns nil, callback runs exactly once.
func (r *Relay) Call(target string, procedure string, callback Callback, args ...any) error {
	_, err := r.call(target, procedure, callback, args)
	return err
}

func (r *Relay) call(target string, procedure string, callback Callback, args []any) (string, error) {
	target = normalizeTarget(target)

	if callback == nil {
		env, err := NewNotify(procedure, args...)
		if err != nil {
			return "", err
		}
		if err := r.send(target, env); err != nil {
			return "", err
		}
		r.log.Debug("Notification delivered", "peer", target, "procedure", procedure, "state", StateDelivered)
		return "", nil
	}

	callID := ulid.Make().String()
	env, err := NewRequest(callID, procedure, args...)
	if err != nil {
		return "", err
	}

	pc := &pendingCall{
		frameID:   target,
		procedure: procedure,
		callback:  callback,
		startedAt: time.Now(),
	}

	r.pendingMu.Lock()
	r.pending[callID] = pc
	if r.timeout > 0 {
		pc.timer = time.AfterFunc(r.timeout, func() {
			r.complete(callID, Result{
				State: StateTimedOut,
				Err:   newErrorf(CategoryTimedOut, "%s on %s after %s", procedure, target, r.timeout),
			})
		})
	}
	r.pendingMu.Unlock()

	if err := r.send(target, env); err != nil {
		r.forget(callID)
		return "", err
	}

	r.log.Debug("Call sent", "peer", target, "procedure", procedure, "call_id", callID, "state", StateAwaitingResponse)
	return callID, nil
}

// Invoke performs a correlated call and waits for its result. The wait ends at
// the relay timeout or when ctx is done, whichever comes first.
func (r *Relay) Invoke(ctx context.Context, target string, procedure string, args ...any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(chan Result, 1)
	callID, err := r.call(target, procedure, func(res Result) { results <- res }, args)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-results:
		return res.Value, res.Err
	case <-ctx.Done():
		r.forget(callID)
		return nil, fmt.Errorf("invoke %s: %w", procedure, ctx.Err())
	}
}

// Close detaches every frame and fails all pending calls.
func (r *Relay) Close() {
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		peers = append(peers, p)
		delete(r.peers, id)
	}
	r.mu.Unlock()

	for _, p := range peers {
		r.closePeer(p, "relay closed")
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Relay) send(target string, env Envelope) error {
	r.mu.RLock()
	p := r.peers[target]
	token := r.tokens[target]
	r.mu.RUnlock()

	if p == nil {
		return newErrorf(CategoryTargetUnreachable, "no port for frame %q", target)
	}

	env.From = r.self
	env.To = target
	env.Token = token

	data, err := Encode(env)
	if err != nil {
		return err
	}

	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
	}

	if err := p.port.Post(ctx, data); err != nil {
		return newErrorf(CategoryTargetUnreachable, "post to %q: %v", target, err)
	}
	return nil
}

func (r *Relay) readLoop(ctx context.Context, p *peer) {
	defer r.wg.Done()
	defer close(p.inbox)

	for {
		data, err := p.port.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
				r.log.Warn("Frame port failed", "peer", p.frameID, "error", err)
			}
			r.dropPeer(p, "port closed")
			return
		}

		env, err := Decode(data)
		if err != nil {
			r.log.Warn("Dropping malformed envelope", "peer", p.frameID, "error", err)
			continue
		}

		if !r.authorized(p.frameID, env.Token) {
			r.log.Warn("Dropping envelope with bad rpc token", "peer", p.frameID, "procedure", env.Procedure)
			continue
		}

		switch env.Kind {
		case KindResponse:
			r.completeFrom(p.frameID, env.CallID, Result{Value: env.Result, State: StateResponded})
		case KindError:
			callErr := env.Error.err()
			state := StateFailed
			if callErr.Category == CategoryProcedureNotFound {
				state = StateProcedureNotFound
			}
			r.completeFrom(p.frameID, env.CallID, Result{State: state, Err: callErr})
		default:
			select {
			case p.inbox <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatchLoop runs handlers for one frame in arrival order.
func (r *Relay) dispatchLoop(ctx context.Context, p *peer) {
	defer r.wg.Done()

	for env := range p.inbox {
		r.dispatch(ctx, p.frameID, env)
	}
}

func (r *Relay) dispatch(ctx context.Context, frameID string, env Envelope) {
	call := &CallContext{From: frameID, Procedure: env.Procedure}
	if env.Kind == KindRequest {
		call.CallID = env.CallID
	}

	r.mu.RLock()
	handler, ok := r.procedures[env.Procedure]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("Procedure not found", "peer", frameID, "procedure", env.Procedure)
		if call.ExpectsReply() {
			r.reply(frameID, newErrorEnvelope(env.CallID, newErrorf(CategoryProcedureNotFound, "%s", env.Procedure)))
		}
		return
	}

	value, err := r.invokeHandler(ctx, handler, call, Args(env.Args))
	if err != nil {
		r.log.Warn("Procedure failed", "peer", frameID, "procedure", env.Procedure, "error", err)
		if call.ExpectsReply() {
			r.reply(frameID, newErrorEnvelope(env.CallID, err))
		}
		return
	}

	if !call.ExpectsReply() {
		return
	}

	resp, err := newResponse(env.CallID, value)
	if err != nil {
		r.log.Warn("Procedure result not serializable", "peer", frameID, "procedure", env.Procedure, "error", err)
		resp = newErrorEnvelope(env.CallID, err)
	}
	r.reply(frameID, resp)
}

func (r *Relay) invokeHandler(ctx context.Context, handler Handler, call *CallContext, args Args) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = newErrorf(CategoryHandlerException, "panic: %v", recovered)
		}
	}()

	value, err = handler(ctx, call, args)
	if err != nil {
		var categorized *Error
		if !errors.As(err, &categorized) {
			err = newErrorf(CategoryHandlerException, "%v", err)
		}
	}
	return value, err
}

func (r *Relay) reply(frameID string, env Envelope) {
	if err := r.send(frameID, env); err != nil {
		r.log.Warn("Failed to send reply", "peer", frameID, "call_id", env.CallID, "error", err)
	}
}

func (r *Relay) authorized(frameID string, token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expected, ok := r.tokens[frameID]
	return !ok || expected == token
}

// completeFrom completes callID only when the reply came from the frame the
// call was sent to.
func (r *Relay) completeFrom(frameID string, callID string, res Result) {
	r.pendingMu.Lock()
	pc, ok := r.pending[callID]
	r.pendingMu.Unlock()

	if !ok {
		r.log.Debug("Reply for unknown call", "peer", frameID, "call_id", callID)
		return
	}
	if pc.frameID != frameID {
		r.log.Warn("Reply from unexpected frame", "peer", frameID, "expected", pc.frameID, "call_id", callID)
		return
	}

	r.complete(callID, res)
}

func (r *Relay) complete(callID string, res Result) {
	pc := r.forget(callID)
	if pc == nil {
		return
	}

	r.log.Debug("Call finished", "peer", pc.frameID, "procedure", pc.procedure, "call_id", callID,
		"state", res.State, "elapsed", time.Since(pc.startedAt))

	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("Call callback panicked", "procedure", pc.procedure, "call_id", callID, "panic", fmt.Sprint(recovered))
		}
	}()
	pc.callback(res)
}

func (r *Relay) forget(callID string) *pendingCall {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	pc, ok := r.pending[callID]
	if !ok {
		return nil
	}
	delete(r.pending, callID)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

// dropPeer removes p after its port failed, unless it was already replaced.
func (r *Relay) dropPeer(p *peer, reason string) {
	r.mu.Lock()
	if r.peers[p.frameID] == p {
		delete(r.peers, p.frameID)
	}
	r.mu.Unlock()

	r.closePeer(p, reason)
}

func (r *Relay) closePeer(p *peer, reason string) {
	p.cancel()
	_ = p.port.Close()

	r.mu.RLock()
	replaced := r.peers[p.frameID] != nil
	r.mu.RUnlock()
	if replaced {
		return
	}

	r.pendingMu.Lock()
	var orphaned []string
	for callID, pc := range r.pending {
		if pc.frameID == p.frameID {
			orphaned = append(orphaned, callID)
		}
	}
	r.pendingMu.Unlock()

	for _, callID := range orphaned {
		r.complete(callID, Result{
			State: StateFailed,
			Err:   newErrorf(CategoryTargetUnreachable, "frame %q %s", p.frameID, reason),
		})
	}
}

func normalizeTarget(target string) string {
	if target == "" {
		return ParentFrame
	}
	return target
}
