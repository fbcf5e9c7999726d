package client

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/wantq/api"
	"pkt.systems/wantq/internal/correlation"
	"pkt.systems/wantq/internal/loggingutil"
	"pkt.systems/wantq/internal/pending"
	"pkt.systems/wantq/internal/registry"
)

const tracerName = "pkt.systems/wantq/client"

// Handler processes one item delivered for a registered want. The returned
// error is logged and counted; it never stops consumption of the queue.
type Handler interface {
	HandleItem(ctx context.Context, item api.Item) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item api.Item) error

// HandleItem calls f(ctx, item).
func (f HandlerFunc) HandleItem(ctx context.Context, item api.Item) error {
	return f(ctx, item)
}

// ErrorHandler observes non-fatal session errors: malformed messages, failure
// envelopes, unknown identifiers and responses without an item.
type ErrorHandler func(ctx context.Context, err error)

// Registration is one handler slot. At any time it is either waiting in the
// registry, outstanding with the server, or running its handler.
type Registration struct {
	queue     string
	key       *string
	handler   Handler
	cancelled atomic.Bool
}

// Queue returns the queue this registration consumes.
func (r *Registration) Queue() string { return r.queue }

// Key returns the key filter, if any.
func (r *Registration) Key() (string, bool) {
	if r.key == nil {
		return "", false
	}
	return *r.key, true
}

// Cancel stops the registration from being re-announced. A want already sent
// to the server is still honoured and its item is delivered to the handler.
func (r *Registration) Cancel() {
	r.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (r *Registration) Cancelled() bool {
	return r.cancelled.Load()
}

// WantOption customises a registration.
type WantOption func(*Registration)

// WithKey restricts a registration to items stored under key.
func WithKey(key string) WantOption {
	return func(r *Registration) {
		r.key = api.Key(key)
	}
}

// SessionStats is a point-in-time view of session counters.
type SessionStats struct {
	ID            string
	Connected     bool
	Sent          uint64
	Resolved      uint64
	Dropped       uint64
	HandlerErrors uint64
	Pending       int
	Waiting       int
	Connections   uint64
}

type sessionOptions struct {
	logger           pslog.Logger
	workers          int
	reconnect        ReconnectPolicy
	errorHandler     ErrorHandler
	dial             DialFunc
	maxMessageSize   int64
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

// WithSessionLogger supplies the session logger. Nil disables logging.
func WithSessionLogger(logger pslog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithWorkers bounds concurrent handler invocations. Zero uses GOMAXPROCS,
// negative values remove the bound.
func WithWorkers(n int) SessionOption {
	return func(o *sessionOptions) {
		o.workers = n
	}
}

// WithReconnectPolicy overrides DefaultReconnectPolicy.
func WithReconnectPolicy(policy ReconnectPolicy) SessionOption {
	return func(o *sessionOptions) {
		o.reconnect = policy
	}
}

// WithErrorHandler receives non-fatal session errors instead of the default
// warning log.
func WithErrorHandler(handler ErrorHandler) SessionOption {
	return func(o *sessionOptions) {
		o.errorHandler = handler
	}
}

// WithDialer replaces the connection dialer.
func WithDialer(dial DialFunc) SessionOption {
	return func(o *sessionOptions) {
		o.dial = dial
	}
}

// WithMaxMessageSize caps inbound frames on the default WebSocket dialer.
func WithMaxMessageSize(n int64) SessionOption {
	return func(o *sessionOptions) {
		o.maxMessageSize = n
	}
}

// WithHandshakeTimeout bounds the default WebSocket handshake.
func WithHandshakeTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.handshakeTimeout = d
	}
}

// WithWriteTimeout bounds each frame written by the default WebSocket dialer.
func WithWriteTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.writeTimeout = d
	}
}

func applySessionOptions(opts []SessionOption) sessionOptions {
	o := sessionOptions{reconnect: DefaultReconnectPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Session keeps one want outstanding per registration over a persistent
// connection, dispatches each response to its handler and re-announces the
// want once the handler has returned.
type Session struct {
	id           string
	dial         DialFunc
	logger       pslog.Logger
	errorHandler ErrorHandler
	reconnect    ReconnectPolicy
	sem          chan struct{}
	registry     *registry.Registry[*Registration]
	wake         chan struct{}
	newID        func() string
	metrics      *sessionMetrics
	tracer       trace.Tracer

	running     atomic.Bool
	connected   atomic.Bool
	handlers    sync.WaitGroup
	sent        atomic.Uint64
	resolved    atomic.Uint64
	dropped     atomic.Uint64
	handlerErrs atomic.Uint64
	pending     atomic.Int64
	connections atomic.Uint64
}

// NewSession builds a session that connects through dial. Use
// Client.NewSession for the default WebSocket transport.
func NewSession(dial DialFunc, opts ...SessionOption) (*Session, error) {
	o := applySessionOptions(opts)
	if o.dial == nil {
		o.dial = dial
	}
	return newSession(o)
}

func newSession(o sessionOptions) (*Session, error) {
	if o.dial == nil {
		return nil, errors.New("wantq: session dialer required")
	}
	if err := o.reconnect.Validate(); err != nil {
		return nil, err
	}
	id := xid.New().String()
	logger := loggingutil.WithSubsystem(o.logger, "client.session").With("session", id)
	s := &Session{
		id:           id,
		dial:         o.dial,
		logger:       logger,
		errorHandler: o.errorHandler,
		reconnect:    o.reconnect.withDefaults(),
		registry:     registry.New[*Registration](),
		wake:         make(chan struct{}, 1),
		newID:        correlation.Generate,
		metrics:      newSessionMetrics(logger),
		tracer:       otel.Tracer(tracerName),
	}
	workers := o.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > 0 {
		s.sem = make(chan struct{}, workers)
	}
	return s, nil
}

// ID returns the session identifier attached to every log entry.
func (s *Session) ID() string { return s.id }

// Register adds a handler slot for queue. It may be called before or while
// Run is active; the want is announced as soon as a connection is open.
func (s *Session) Register(queue string, handler Handler, opts ...WantOption) (*Registration, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errors.New("wantq: queue required")
	}
	if handler == nil {
		return nil, errors.New("wantq: handler required")
	}
	reg := &Registration{queue: queue, handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	s.registry.Register(queue, reg)
	s.signal()
	s.logger.Debug("client.want.register", "queue", queue, "keyed", reg.key != nil)
	return reg, nil
}

// RegisterFunc is Register for a plain function.
func (s *Session) RegisterFunc(queue string, fn func(context.Context, api.Item) error, opts ...WantOption) (*Registration, error) {
	if fn == nil {
		return nil, errors.New("wantq: handler required")
	}
	return s.Register(queue, HandlerFunc(fn), opts...)
}

// Stats returns current counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:            s.id,
		Connected:     s.connected.Load(),
		Sent:          s.sent.Load(),
		Resolved:      s.resolved.Load(),
		Dropped:       s.dropped.Load(),
		HandlerErrors: s.handlerErrs.Load(),
		Pending:       int(s.pending.Load()),
		Waiting:       s.registry.Len(),
		Connections:   s.connections.Load(),
	}
}

// Run connects and serves until ctx is cancelled, which returns nil. It
// returns an error when the reconnect policy gives up or an identifier
// collision is detected. Handlers still running are awaited before Run
// returns; they observe ctx cancellation.
func (s *Session) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("wantq: context is required")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("wantq: session already running")
	}
	defer s.running.Store(false)
	unregister := s.metrics.observePending(s.id, s.pending.Load)
	defer unregister()

	runCtx, cancel := context.WithCancel(ctx)
	err := s.runLoop(runCtx, ctx)
	cancel()
	s.handlers.Wait()
	return err
}

func (s *Session) runLoop(runCtx, parent context.Context) error {
	failures := 0
	for {
		if parent.Err() != nil {
			return nil
		}
		opened, err := s.serve(runCtx)
		if parent.Err() != nil {
			return nil
		}
		if errors.Is(err, api.ErrDuplicateIdentifier) {
			s.logger.Error("client.session.fatal", "error", err)
			return err
		}
		if opened {
			failures = 0
		}
		if s.reconnect.Disabled {
			return err
		}
		failures++
		if s.reconnect.MaxFailures > 0 && failures > s.reconnect.MaxFailures {
			return fmt.Errorf("wantq: session %s exceeded max reconnect failures (%d): %w", s.id, s.reconnect.MaxFailures, err)
		}
		delay := reconnectDelay(failures, s.reconnect)
		s.logger.Warn("client.session.reconnect", "attempt", failures, "reconnect_in", delay, "error", err)
		s.metrics.recordReconnect(runCtx)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-parent.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// serve runs one connection. opened reports whether the dial succeeded.
func (s *Session) serve(ctx context.Context) (opened bool, err error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("wantq: connect: %w", err)
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	// A write blocked on a peer that stopped reading must not outlive ctx.
	stopClose := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stopClose()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-connCtx.Done():
				return
			}
		}
	}()

	table := pending.New[*Registration]()
	defer func() {
		outstanding := table.Drain()
		for _, reg := range outstanding {
			s.registry.Register(reg.queue, reg)
		}
		s.pending.Store(0)
		s.connected.Store(false)
		s.logger.Info("client.session.closed", "requeued", len(outstanding))
	}()

	s.connected.Store(true)
	s.connections.Add(1)
	s.logger.Info("client.session.open")
	if err := s.flush(connCtx, conn, table); err != nil {
		return true, err
	}
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, fmt.Errorf("wantq: connection lost: %w", err)
		case data := <-frames:
			s.onMessage(ctx, table, data)
		case <-s.wake:
			if err := s.flush(connCtx, conn, table); err != nil {
				return true, err
			}
		}
	}
}

// flush announces every registration waiting in the registry.
func (s *Session) flush(ctx context.Context, conn Conn, table *pending.Table[*Registration]) error {
	entries := s.registry.Drain()
	for i, entry := range entries {
		reg := entry.Value
		if reg.Cancelled() {
			s.logger.Debug("client.want.cancelled", "queue", reg.queue)
			continue
		}
		if err := s.sendWant(ctx, conn, table, reg); err != nil {
			for _, rest := range entries[i+1:] {
				s.registry.Register(rest.Queue, rest.Value)
			}
			return err
		}
	}
	return nil
}

func (s *Session) sendWant(ctx context.Context, conn Conn, table *pending.Table[*Registration], reg *Registration) error {
	id := s.newID()
	if err := table.Insert(id, reg); err != nil {
		s.registry.Register(reg.queue, reg)
		return err
	}
	s.pending.Store(int64(table.Len()))
	if err := conn.WriteMessage(ctx, api.EncodeWant(reg.queue, id, reg.key)); err != nil {
		return fmt.Errorf("wantq: send want: %w", err)
	}
	s.sent.Add(1)
	s.metrics.recordSent(ctx, reg.queue)
	s.logger.Trace("client.want.send", "queue", reg.queue, "want_id", id)
	return nil
}

func (s *Session) onMessage(ctx context.Context, table *pending.Table[*Registration], data []byte) {
	env, err := api.DecodeEnvelope(data)
	if err != nil {
		s.drop(ctx, "malformed", fmt.Errorf("wantq: decode message: %w", err))
		return
	}
	var resp api.WantResponse
	if err := env.DecodePayload(&resp); err != nil {
		var protoErr *api.ProtocolError
		if errors.As(err, &protoErr) {
			s.drop(ctx, "failure", err)
			return
		}
		s.drop(ctx, "malformed", err)
		return
	}
	id, ok := correlation.Normalize(resp.ID)
	if !ok {
		s.drop(ctx, "missing_id", fmt.Errorf("%w: response carries no usable id", api.ErrUnknownIdentifier))
		return
	}
	reg, err := table.Take(id)
	if err != nil {
		s.drop(ctx, "unknown_id", err)
		return
	}
	s.pending.Store(int64(table.Len()))
	s.resolved.Add(1)
	s.metrics.recordResolved(ctx, reg.queue)
	if resp.Item == nil {
		s.report(ctx, fmt.Errorf("wantq: response %s: %w", id, &api.FieldError{Field: "item"}))
		s.requeue(reg)
		return
	}
	s.dispatch(ctx, id, reg, *resp.Item)
}

func (s *Session) drop(ctx context.Context, reason string, err error) {
	s.dropped.Add(1)
	s.metrics.recordDropped(ctx, reason)
	s.report(ctx, err)
}

func (s *Session) report(ctx context.Context, err error) {
	if s.errorHandler != nil {
		s.errorHandler(ctx, err)
		return
	}
	s.logger.Warn("client.session.message_error", "error", err)
}

// dispatch runs the handler off the loop and re-registers the slot when it
// returns.
func (s *Session) dispatch(ctx context.Context, id string, reg *Registration, item api.Item) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-ctx.Done():
				s.logger.Warn("client.handler.abandoned", "queue", reg.queue, "want_id", id)
				return
			}
		}
		s.invoke(ctx, id, reg, item)
		s.requeue(reg)
	}()
}

func (s *Session) invoke(ctx context.Context, id string, reg *Registration, item api.Item) {
	logger := s.logger.With("queue", reg.queue, "want_id", id)
	hctx := correlation.WithID(ctx, id)
	hctx = pslog.ContextWithLogger(hctx, logger)
	hctx, span := s.tracer.Start(hctx, "wantq.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("wantq.queue", reg.queue)),
	)
	defer span.End()

	start := time.Now()
	err := runHandler(hctx, reg.handler, item)
	elapsed := time.Since(start)
	s.metrics.recordHandler(ctx, reg.queue, elapsed, err)
	if err != nil {
		s.handlerErrs.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		logger.Warn("client.handler.error", "elapsed", elapsed, "error", err)
		return
	}
	logger.Trace("client.handler.done", "elapsed", elapsed)
}

func runHandler(ctx context.Context, handler Handler, item api.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = handlerPanicError(r)
		}
	}()
	return handler.HandleItem(ctx, item)
}

// requeue makes reg eligible for a new want unless it was cancelled.
func (s *Session) requeue(reg *Registration) {
	if reg.Cancelled() {
		s.logger.Debug("client.want.cancelled", "queue", reg.queue)
		return
	}
	s.registry.Register(reg.queue, reg)
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
