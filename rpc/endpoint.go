// Copyright 2025 The ocpp-ws-io Authors
// This file is part of the ocpp-ws-io library.
//
// The ocpp-ws-io library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ocpp-ws-io library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ocpp-ws-io library. If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is the connection state of an endpoint.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

const (
	// BackpressureThreshold is the default buffered-byte ceiling before the
	// backpressure event fires.
	BackpressureThreshold = 512 * 1024

	writeWait  = 10 * time.Second
	closeGrace = 3 * time.Second
)

// Validator is the strict-mode hook. Implementations validate payload
// against the schema registered under schemaID for the given subprotocol,
// returning nil for unknown schema ids (pass-through).
type Validator interface {
	Validate(protocol, schemaID string, payload []byte) error
}

// EndpointConfig carries the per-connection tunables. The zero value is
// usable; absent fields take the documented defaults.
type EndpointConfig struct {
	CallTimeout               time.Duration // default 30 s
	CallConcurrency           int           // default 1
	PingInterval              time.Duration // default 30 s
	PongTimeout               time.Duration // default PingInterval + 5 s
	DeferPingsOnActivity      bool
	MaxPayloadBytes           int64 // default 65536
	MaxBadMessages            int   // default 0 = unlimited
	StrictMode                bool
	Validator                 Validator
	RespondWithDetailedErrors bool
	OfflineQueue              bool
	OfflineQueueMaxSize       int   // default 100
	BackpressureThreshold     int64 // default 512 KiB
	DropOnBackpressure        bool
	RateLimiter               *RateLimiter

	// Client-role reconnect policy.
	Reconnect     bool
	MaxReconnects int           // default 5
	BackoffMin    time.Duration // default 1 s
	BackoffMax    time.Duration // default 30 s

	Logger *logrus.Entry
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CallConcurrency < 1 {
		c.CallConcurrency = 1
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = c.PingInterval + 5*time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 65536
	}
	if c.OfflineQueueMaxSize <= 0 {
		c.OfflineQueueMaxSize = 100
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = BackpressureThreshold
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

type role int

const (
	roleClient role = iota
	roleServer
)

// transport binds one live websocket connection to the endpoint. Reconnects
// produce a fresh transport; goroutines of a dead transport observe done
// and exit.
type transport struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	pingReset chan struct{}
	pongRcvd  chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
}

func (tr *transport) finish() {
	tr.closeOnce.Do(func() {
		close(tr.done)
		tr.cancel()
	})
}

type callOutcome struct {
	msg *Message
	err error
}

type pendingCall struct {
	id     string
	method string
	sentAt time.Time
	resp   chan callOutcome // buffered 1
}

type offlineCall struct {
	method string
	params json.RawMessage
	opts   callOptions
	done   chan callOutcome // buffered 1
}

// dialFunc establishes a client connection, returning the websocket and the
// subprotocol accepted by the server.
type dialFunc func(ctx context.Context) (*websocket.Conn, string, error)

// Endpoint is one side of an OCPP-J connection: it frames and correlates
// CALL/CALLRESULT/CALLERROR traffic, dispatches inbound calls to handlers,
// and runs the liveness, offline-queue and reconnect machinery.
//
// All exported methods are safe for concurrent use.
type Endpoint struct {
	identity string
	role     role
	cfg      EndpointConfig
	log      *logrus.Entry

	queue    *TaskQueue
	handlers *handlerMap

	mu               sync.Mutex
	state            State
	protocol         string
	tr               *transport
	pending          map[string]*pendingCall
	pendingResponses mapset.Set[string]
	offline          *list.List
	badMessages      int
	reconnects       int
	closeCode        int
	closeReason      string

	queuedBytes  atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	callWG     sync.WaitGroup

	dial dialFunc

	// Event callbacks. Set before Connect/attach; not synchronized after.
	OnOpen              func()
	OnClose             func(code int, reason string)
	OnReconnect         func(attempt int)
	OnBadMessage        func(data []byte, err error)
	OnBackpressure      func(queuedBytes int64)
	OnStrictValidation  func(err error)
	OnRateLimitExceeded func(method string)
}

// NewEndpoint creates a client-role endpoint for the given station
// identity. It starts CLOSED; use the client Dial helpers to connect it.
func NewEndpoint(identity string, cfg EndpointConfig) *Endpoint {
	return newEndpoint(identity, roleClient, cfg)
}

// NewServerEndpoint wraps an already-upgraded server-side connection.
// Connect is unreachable on the returned endpoint.
func NewServerEndpoint(conn *websocket.Conn, identity, protocol string, cfg EndpointConfig) *Endpoint {
	e := newEndpoint(identity, roleServer, cfg)
	e.attach(conn, protocol)
	return e
}

func newEndpoint(identity string, r role, cfg EndpointConfig) *Endpoint {
	cfg = cfg.withDefaults()
	rootCtx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		identity:         identity,
		role:             r,
		cfg:              cfg,
		log:              cfg.Logger.WithField("identity", identity),
		queue:            NewTaskQueue(cfg.CallConcurrency),
		handlers:         newHandlerMap(),
		state:            StateClosed,
		pending:          make(map[string]*pendingCall),
		pendingResponses: mapset.NewSet[string](),
		offline:          list.New(),
		rootCtx:          rootCtx,
		cancelRoot:       cancel,
	}
	e.touch()
	return e
}

// Identity returns the opaque station identity.
func (e *Endpoint) Identity() string { return e.identity }

// Protocol returns the negotiated subprotocol, or "" before negotiation.
func (e *Endpoint) Protocol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocol
}

// State returns the connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// QueuedBytes returns the outbound bytes buffered behind the work queue.
func (e *Endpoint) QueuedBytes() int64 { return e.queuedBytes.Load() }

// PendingCalls returns the number of outstanding outbound calls.
func (e *Endpoint) PendingCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// PendingResponses returns the number of inbound calls whose handler is
// still running.
func (e *Endpoint) PendingResponses() int {
	return e.pendingResponses.Cardinality()
}

// CallQueue exposes the outbound work queue, e.g. to widen concurrency for
// a batch.
func (e *Endpoint) CallQueue() *TaskQueue { return e.queue }

// Handle registers a handler for a method on any subprotocol.
func (e *Endpoint) Handle(method string, h Handler) { e.handlers.handle(method, h) }

// HandleProtocol registers a handler for a method on one subprotocol. It
// takes priority over Handle for connections negotiated to that protocol.
func (e *Endpoint) HandleProtocol(protocol, method string, h Handler) {
	e.handlers.handleProtocol(protocol, method, h)
}

// HandleAny registers the wildcard handler, consulted when no method
// handler matches.
func (e *Endpoint) HandleAny(h Handler) { e.handlers.handleAny(h) }

func (e *Endpoint) touch() { e.lastActivity.Store(time.Now().UnixNano()) }

func (e *Endpoint) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, e.lastActivity.Load()))
}

// Connect dials the configured remote. Only legal on a client-role endpoint
// in the CLOSED state.
func (e *Endpoint) Connect(ctx context.Context) error {
	if e.role == roleServer || e.dial == nil {
		return ErrConnectNotAllowed
	}
	e.mu.Lock()
	if e.state != StateClosed {
		e.mu.Unlock()
		return ErrConnectNotAllowed
	}
	e.state = StateConnecting
	e.mu.Unlock()

	conn, proto, err := e.dial(ctx)
	if err != nil {
		e.mu.Lock()
		e.state = StateClosed
		e.mu.Unlock()
		return err
	}
	e.attach(conn, proto)
	return nil
}

// attach binds an open websocket and moves the endpoint to OPEN.
func (e *Endpoint) attach(conn *websocket.Conn, protocol string) {
	trCtx, trCancel := context.WithCancel(e.rootCtx)
	tr := &transport{
		conn:      conn,
		ctx:       trCtx,
		cancel:    trCancel,
		done:      make(chan struct{}),
		pingReset: make(chan struct{}, 1),
		pongRcvd:  make(chan struct{}, 1),
	}

	conn.SetReadLimit(e.cfg.MaxPayloadBytes)
	conn.SetPongHandler(func(string) error {
		e.touch()
		select {
		case tr.pongRcvd <- struct{}{}:
		default:
		}
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		e.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			err = nil
		}
		return err
	})
	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
	}

	e.mu.Lock()
	e.tr = tr
	e.state = StateOpen
	if protocol != "" {
		e.protocol = protocol
	}
	e.badMessages = 0
	e.mu.Unlock()
	e.touch()

	go e.readLoop(tr)
	go e.pingLoop(tr)

	e.log.WithField("protocol", e.Protocol()).Debug("endpoint open")
	if e.OnOpen != nil {
		e.OnOpen()
	}
	e.flushOffline()
}

// ---------------------------------------------------------------- outbound

// CallOption tunes a single outbound call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout        time.Duration
	retries        int
	retryDelay     time.Duration
	retryMaxDelay  time.Duration
	idempotencyKey string
}

// WithTimeout overrides the endpoint's default call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetries retries timed-out calls up to n times with full-jitter
// exponential backoff between base and max.
func WithRetries(n int, base, max time.Duration) CallOption {
	return func(o *callOptions) {
		o.retries = n
		o.retryDelay = base
		o.retryMaxDelay = max
	}
}

// WithIdempotencyKey forces the wire message id to key, so peers can
// deduplicate retried requests.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idempotencyKey = key }
}

// Call issues a CALL and waits for the matching CALLRESULT or CALLERROR.
// Peer errors are returned as *Error; local failure modes are ErrTimeout,
// ctx errors, and *ClosedError.
func (e *Endpoint) Call(ctx context.Context, method string, params interface{}, opts ...CallOption) (json.RawMessage, error) {
	o := callOptions{
		timeout:       e.cfg.CallTimeout,
		retryDelay:    time.Second,
		retryMaxDelay: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	if err := e.validateStrict(method, schemaSuffixReq, raw); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.state != StateOpen {
		if !e.cfg.OfflineQueue {
			e.mu.Unlock()
			return nil, ErrNotConnected
		}
		oc := &offlineCall{method: method, params: raw, opts: o, done: make(chan callOutcome, 1)}
		e.enqueueOfflineLocked(oc)
		e.mu.Unlock()
		select {
		case out := <-oc.done:
			if out.err != nil {
				return nil, out.err
			}
			return out.msg.Result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Unlock()

	return e.callNow(ctx, method, raw, o)
}

func (e *Endpoint) callNow(ctx context.Context, method string, raw json.RawMessage, o callOptions) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		id := o.idempotencyKey
		if id == "" {
			id = newMessageID()
		}
		result, err := e.attemptCall(ctx, id, method, raw, o.timeout)
		if err == nil || !errors.Is(err, ErrTimeout) || attempt >= o.retries {
			return result, err
		}
		delay := fullJitter(o.retryDelay, o.retryMaxDelay, attempt)
		e.log.WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("call timed out, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.rootCtx.Done():
			return nil, e.closedError()
		}
	}
}

// fullJitter computes rand(0, min(max, base*2^attempt)).
func fullJitter(base, max time.Duration, attempt int) time.Duration {
	ceil := base << uint(attempt)
	if ceil > max || ceil <= 0 {
		ceil = max
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

func (e *Endpoint) attemptCall(ctx context.Context, id, method string, raw json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	pc, err := e.startCall(id, method, raw)
	if err != nil {
		return nil, err
	}
	return e.waitCall(ctx, pc, timeout)
}

// startCall registers the pending entry and hands the frame to the work
// queue. Emission order equals startCall order when concurrency is 1.
func (e *Endpoint) startCall(id, method string, raw json.RawMessage) (*pendingCall, error) {
	msg := newCall(id, method, raw)
	data, err := msg.Serialize()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, dup := e.pending[id]; dup {
		e.mu.Unlock()
		return nil, NewError(ErrCodeRpcFrameworkError, "message id already in flight: "+id)
	}
	pc := &pendingCall{id: id, method: method, sentAt: time.Now(), resp: make(chan callOutcome, 1)}
	e.pending[id] = pc
	e.mu.Unlock()

	size := int64(len(data))
	if buffered := e.queuedBytes.Load(); buffered+size > e.cfg.BackpressureThreshold {
		if e.OnBackpressure != nil {
			e.OnBackpressure(buffered)
		}
		if e.cfg.DropOnBackpressure {
			e.removePending(id)
			return nil, ErrBackpressure
		}
	}

	e.queuedBytes.Add(size)
	e.queue.Submit(func() {
		defer e.queuedBytes.Add(-size)
		if err := e.writeData(data); err != nil {
			e.failPending(id, err)
		}
	})
	return pc, nil
}

func (e *Endpoint) waitCall(ctx context.Context, pc *pendingCall, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.resp:
		if out.err != nil {
			return nil, out.err
		}
		if out.msg.Type == MessageTypeCallError {
			return nil, ErrorFromWire(out.msg.ErrorCode, out.msg.ErrorDescription, out.msg.ErrorDetails)
		}
		return out.msg.Result, nil
	case <-timer.C:
		e.removePending(pc.id)
		return nil, fmt.Errorf("%s: %w", pc.method, ErrTimeout)
	case <-ctx.Done():
		e.removePending(pc.id)
		return nil, ctx.Err()
	case <-e.rootCtx.Done():
		e.removePending(pc.id)
		return nil, e.closedError()
	}
}

func (e *Endpoint) removePending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Endpoint) failPending(id string, err error) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if ok {
		pc.resp <- callOutcome{err: err}
	}
}

func (e *Endpoint) closedError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	code, reason := e.closeCode, e.closeReason
	if code == 0 {
		code = websocket.CloseAbnormalClosure
		reason = "connection closed"
	}
	return &ClosedError{Code: code, Reason: reason}
}

// enqueueOfflineLocked appends to the offline queue, dropping the oldest
// entry on overflow. Caller holds e.mu.
func (e *Endpoint) enqueueOfflineLocked(oc *offlineCall) {
	for e.offline.Len() >= e.cfg.OfflineQueueMaxSize {
		front := e.offline.Front()
		e.offline.Remove(front)
		dropped := front.Value.(*offlineCall)
		dropped.done <- callOutcome{err: fmt.Errorf("%s: %w", dropped.method, ErrOfflineQueueFull)}
	}
	e.offline.PushBack(oc)
}

// flushOffline replays queued calls in FIFO order through the normal send
// path. Emission order is preserved because startCall runs synchronously
// here; waits complete concurrently.
func (e *Endpoint) flushOffline() {
	for {
		e.mu.Lock()
		front := e.offline.Front()
		if front == nil {
			e.mu.Unlock()
			return
		}
		e.offline.Remove(front)
		e.mu.Unlock()
		oc := front.Value.(*offlineCall)

		id := oc.opts.idempotencyKey
		if id == "" {
			id = newMessageID()
		}
		pc, err := e.startCall(id, oc.method, oc.params)
		if err != nil {
			oc.done <- callOutcome{err: err}
			continue
		}
		go func(oc *offlineCall, pc *pendingCall) {
			result, err := e.waitCall(e.rootCtx, pc, oc.opts.timeout)
			if err != nil {
				oc.done <- callOutcome{err: err}
				return
			}
			oc.done <- callOutcome{msg: &Message{Type: MessageTypeCallResult, Result: result}}
		}(oc, pc)
	}
}

// writeData is the single writer to the current transport for data frames.
func (e *Endpoint) writeData(data []byte) error {
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return e.closedError()
	}

	tr.writeMu.Lock()
	tr.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := tr.conn.WriteMessage(websocket.TextMessage, data)
	tr.writeMu.Unlock()
	if err == nil {
		select {
		case tr.pingReset <- struct{}{}:
		default:
		}
	}
	return err
}

// ----------------------------------------------------------------- inbound

func (e *Endpoint) readLoop(tr *transport) {
	for {
		_, data, err := tr.conn.ReadMessage()
		if err != nil {
			e.handleConnError(tr, err)
			return
		}
		e.touch()
		e.handleFrame(tr, data)
	}
}

func (e *Endpoint) handleFrame(tr *transport, data []byte) {
	if l := e.cfg.RateLimiter; l != nil {
		method := ""
		if l.HasMethodRules() {
			method = peekMethod(data)
		}
		if !l.Allow(method) {
			if e.OnRateLimitExceeded != nil {
				e.OnRateLimitExceeded(method)
			}
			if l.Policy() == LimitDisconnect {
				e.log.WithField("method", method).Warn("rate limit exceeded, disconnecting")
				e.closeNow(websocket.ClosePolicyViolation, "rate limit exceeded")
			}
			return
		}
	}

	msg, err := ParseMessage(data)
	if err != nil {
		e.badMessage(data, err)
		return
	}
	switch msg.Type {
	case MessageTypeCall:
		e.handleInboundCall(tr, msg)
	default:
		e.resolvePending(msg)
	}
}

// badMessage applies the bad-message policy to an unframeable payload.
func (e *Endpoint) badMessage(data []byte, err error) {
	e.log.WithError(err).Debug("bad message received")
	if e.OnBadMessage != nil {
		e.OnBadMessage(data, err)
	}
	if id := salvageCallID(data); id != "" {
		resp := newCallError(id, NewError(ErrCodeFormatViolation, err.Error()))
		if raw, serr := resp.Serialize(); serr == nil {
			e.writeData(raw) // best effort
		}
	}
	e.mu.Lock()
	e.badMessages++
	exceeded := e.cfg.MaxBadMessages > 0 && e.badMessages >= e.cfg.MaxBadMessages
	e.mu.Unlock()
	if exceeded {
		e.closeNow(websocket.CloseProtocolError, "too many malformed messages")
	}
}

func (e *Endpoint) handleInboundCall(tr *transport, msg *Message) {
	// Reject duplicate inbound ids while a handler is running for them.
	if !e.pendingResponses.Add(msg.ID) {
		resp := newCallError(msg.ID, NewError(ErrCodeRpcFrameworkError, "message id already being processed"))
		if raw, err := resp.Serialize(); err == nil {
			e.writeData(raw)
		}
		return
	}

	e.callWG.Add(1)
	go func() {
		defer e.callWG.Done()
		defer e.pendingResponses.Remove(msg.ID)

		ctx, cancel := context.WithCancel(tr.ctx)
		defer cancel()

		start := time.Now()
		resp := e.dispatchCall(ctx, msg)
		if resp == nil {
			return // NOREPLY
		}
		raw, err := resp.Serialize()
		if err != nil {
			e.log.WithError(err).Error("failed to serialize response")
			return
		}
		if err := e.writeData(raw); err != nil {
			e.log.WithError(err).Debug("failed to write response")
			return
		}
		e.log.WithFields(logrus.Fields{
			"method": msg.Method,
			"t":      time.Since(start),
		}).Debug("served call")
	}()
}

// dispatchCall resolves and runs the handler, translating its outcome into
// a response message. A nil return means NOREPLY.
func (e *Endpoint) dispatchCall(ctx context.Context, msg *Message) *Message {
	protocol := e.Protocol()
	handler := e.handlers.lookup(protocol, msg.Method)
	if handler == nil {
		return newCallError(msg.ID, NewError(ErrCodeNotImplemented, "no handler for "+msg.Method))
	}

	if err := e.validateStrict(msg.Method, schemaSuffixReq, msg.Params); err != nil {
		return newCallError(msg.ID, asRPCError(err, e.cfg.RespondWithDetailedErrors))
	}

	call := &Call{
		MessageID: msg.ID,
		Method:    msg.Method,
		Protocol:  protocol,
		Identity:  e.identity,
		Params:    msg.Params,
	}
	result, err := handler(ctx, call)
	if err != nil {
		return newCallError(msg.ID, asRPCError(err, e.cfg.RespondWithDetailedErrors))
	}
	if result == NoReply {
		return nil
	}

	raw, err := marshalParams(result)
	if err != nil {
		e.log.WithError(err).WithField("method", msg.Method).Error("unserializable handler result")
		return newCallError(msg.ID, NewError(ErrCodeInternalError, "response serialization failed"))
	}
	if err := e.validateStrict(msg.Method, schemaSuffixConf, raw); err != nil {
		return newCallError(msg.ID, NewError(ErrCodeInternalError, "response validation failed"))
	}
	return newCallResult(msg.ID, raw)
}

// resolvePending completes the outbound call matching a CALLRESULT or
// CALLERROR.
func (e *Endpoint) resolvePending(msg *Message) {
	e.mu.Lock()
	pc, ok := e.pending[msg.ID]
	if ok {
		delete(e.pending, msg.ID)
	}
	e.mu.Unlock()
	if !ok {
		e.log.WithField("msgId", msg.ID).Debug("unsolicited response")
		return
	}
	pc.resp <- callOutcome{msg: msg}
}

// ---------------------------------------------------------------- liveness

func (e *Endpoint) pingLoop(tr *transport) {
	timer := time.NewTimer(e.cfg.PingInterval)
	defer timer.Stop()
	var pongTimer *time.Timer
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-tr.done:
			return

		case <-tr.pingReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.cfg.PingInterval)

		case <-timer.C:
			if e.cfg.DeferPingsOnActivity {
				if idle := e.sinceActivity(); idle < e.cfg.PingInterval {
					timer.Reset(e.cfg.PingInterval - idle)
					continue
				}
			}
			tr.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if pongTimer == nil {
				pongTimer = time.AfterFunc(e.cfg.PongTimeout, func() {
					e.log.Warn("pong timeout, terminating transport")
					tr.conn.Close()
				})
			} else {
				pongTimer.Reset(e.cfg.PongTimeout)
			}
			timer.Reset(e.cfg.PingInterval)

		case <-tr.pongRcvd:
			if pongTimer != nil {
				pongTimer.Stop()
			}
		}
	}
}

// ------------------------------------------------------------------- close

// handleConnError finalizes or recycles the endpoint after its read loop
// fails: peer close, pong-timeout termination, or local close.
func (e *Endpoint) handleConnError(tr *transport, err error) {
	e.mu.Lock()
	if e.tr != tr {
		e.mu.Unlock()
		return
	}
	e.tr = nil
	tr.finish()
	tr.conn.Close()

	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}
	if e.state == StateClosing {
		// Local close in progress; report the requested code.
		if e.closeCode != 0 {
			code, reason = e.closeCode, e.closeReason
		}
		e.finalizeCloseLocked(code, reason)
		return
	}
	e.closeCode, e.closeReason = code, reason

	if e.role == roleClient && e.cfg.Reconnect && e.reconnects < e.cfg.MaxReconnects {
		e.state = StateConnecting
		e.cancelPendingLocked(&ClosedError{Code: code, Reason: reason})
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("connection lost, reconnecting")
		go e.reconnectLoop()
		return
	}
	e.finalizeCloseLocked(code, reason)
}

// finalizeCloseLocked transitions to CLOSED. Caller holds e.mu; the lock is
// released before user callbacks run.
func (e *Endpoint) finalizeCloseLocked(code int, reason string) {
	e.state = StateClosed
	e.closeCode, e.closeReason = code, reason
	e.cancelPendingLocked(&ClosedError{Code: code, Reason: reason})
	e.pendingResponses.Clear()
	e.mu.Unlock()
	e.cancelRoot()
	e.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Debug("endpoint closed")
	if e.OnClose != nil {
		e.OnClose(code, reason)
	}
}

// cancelPendingLocked rejects every outstanding call. Caller holds e.mu.
func (e *Endpoint) cancelPendingLocked(err error) {
	for id, pc := range e.pending {
		delete(e.pending, id)
		pc.resp <- callOutcome{err: err}
	}
}

func (e *Endpoint) reconnectLoop() {
	for {
		e.mu.Lock()
		if e.state != StateConnecting {
			e.mu.Unlock()
			return
		}
		e.reconnects++
		attempt := e.reconnects
		e.mu.Unlock()

		if attempt > e.cfg.MaxReconnects {
			break
		}
		delay := reconnectDelay(e.cfg.BackoffMin, e.cfg.BackoffMax, attempt)
		e.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Debug("scheduling reconnect")
		select {
		case <-time.After(delay):
		case <-e.rootCtx.Done():
			return
		}

		conn, proto, err := e.dial(e.rootCtx)
		if err != nil {
			e.log.WithError(err).WithField("attempt", attempt).Debug("reconnect failed")
			continue
		}
		e.mu.Lock()
		e.reconnects = 0
		e.mu.Unlock()
		e.attach(conn, proto)
		if e.OnReconnect != nil {
			e.OnReconnect(attempt)
		}
		return
	}

	e.mu.Lock()
	e.finalizeCloseLocked(websocket.CloseAbnormalClosure, "reconnect attempts exhausted")
}

// reconnectDelay computes min(max, min*2^(n-1) * (0.5 + rand*0.5)).
func reconnectDelay(min, max time.Duration, attempt int) time.Duration {
	base := min << uint(attempt-1)
	if base > max || base <= 0 {
		base = max
	}
	jittered := time.Duration(float64(base) * (0.5 + rand.Float64()*0.5))
	if jittered > max {
		jittered = max
	}
	return jittered
}

// Close performs a graceful shutdown: it waits for in-flight calls and
// handlers to settle (bounded by ctx), sends a close frame with the given
// code and reason, and converges to CLOSED. It is idempotent.
func (e *Endpoint) Close(ctx context.Context, code int, reason string) error {
	e.mu.Lock()
	switch e.state {
	case StateClosed, StateClosing:
		e.mu.Unlock()
		return nil
	case StateConnecting:
		// No live transport; just finalize.
		e.finalizeCloseLocked(code, reason)
		return nil
	}
	e.state = StateClosing
	e.closeCode, e.closeReason = code, reason
	tr := e.tr
	e.mu.Unlock()

	e.awaitIdle(ctx)

	tr.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	// Bound the wait for the peer's close frame; the read loop finalizes
	// the transition either way.
	tr.conn.SetReadDeadline(time.Now().Add(closeGrace))
	return nil
}

// Terminate force-closes the endpoint: the transport is destroyed and all
// pending work rejected immediately.
func (e *Endpoint) Terminate() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	tr := e.tr
	e.tr = nil
	if tr != nil {
		tr.finish()
		tr.conn.Close()
	}
	e.finalizeCloseLocked(websocket.CloseAbnormalClosure, "terminated")
}

// awaitIdle blocks until pending calls and running handlers have settled or
// ctx is done.
func (e *Endpoint) awaitIdle(ctx context.Context) {
	handlersDone := make(chan struct{})
	go func() {
		e.callWG.Wait()
		close(handlersDone)
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	callsDone := false
	handlersSettled := false
	for !callsDone || !handlersSettled {
		select {
		case <-ctx.Done():
			return
		case <-handlersDone:
			handlersSettled = true
			handlersDone = nil
		case <-ticker.C:
			e.mu.Lock()
			callsDone = len(e.pending) == 0
			e.mu.Unlock()
		}
	}
}

// closeNow closes the transport with a close frame, without waiting for
// pending work. Used by framing and rate-limit policies.
func (e *Endpoint) closeNow(code int, reason string) {
	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return
	}
	e.state = StateClosing
	e.closeCode, e.closeReason = code, reason
	tr := e.tr
	e.mu.Unlock()

	tr.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	tr.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

// ----------------------------------------------------------------- helpers

const (
	schemaSuffixReq  = "req"
	schemaSuffixConf = "conf"
)

// validateStrict runs the strict-mode validator for the method payload in
// the given direction. A nil validator or disabled strict mode passes.
func (e *Endpoint) validateStrict(method, direction string, payload json.RawMessage) error {
	if !e.cfg.StrictMode || e.cfg.Validator == nil {
		return nil
	}
	schemaID := "urn:" + method + "." + direction
	err := e.cfg.Validator.Validate(e.Protocol(), schemaID, payload)
	if err != nil && e.OnStrictValidation != nil {
		e.OnStrictValidation(err)
	}
	return err
}

func marshalParams(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}
