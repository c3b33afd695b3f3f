package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/message"
	"github.com/uweenukr/mirrorng/pkg/message/codec"
	"github.com/uweenukr/mirrorng/pkg/observability"
	"github.com/uweenukr/mirrorng/pkg/statstore"
	"github.com/uweenukr/mirrorng/pkg/transport"
)

var (
	// ErrDuplicateHandler is returned when a type key is registered twice on
	// one connection. Raised eagerly at registration, never at message time,
	// so key collisions between distinct types surface at startup.
	ErrDuplicateHandler = errors.New("connection: handler already registered for type key")
)

// RawHandler decodes a message body and invokes application logic.
// A non-nil error means the body was malformed, which is fatal to the
// connection's session; application failures must be handled (or panic,
// which is isolated) rather than returned.
type RawHandler func(c *Connection, body []byte) error

type handlerEntry struct {
	fn          RawHandler
	requireAuth bool
}

// Connection wraps one transport channel with message framing, a handler
// registry, and the read loop turning raw frames into dispatched calls.
// It is owned exclusively by the Client or Server role that built it; once
// its read loop exits the connection is dead and must not be reused.
type Connection struct {
	id    string
	ch    transport.Channel
	kind  transport.Kind
	codec codec.Codec

	mu       sync.RWMutex
	handlers map[message.Key]handlerEntry

	authenticated atomic.Bool
	ready         atomic.Bool

	entityMu sync.Mutex
	entity   any

	stats *statstore.Connections

	onClose func(*Connection)

	sendOnce sync.Once
	sendQ    chan outbound

	closeOnce sync.Once
	done      chan struct{}
}

type outbound struct {
	v    any
	kind transport.ChannelKind
}

// asyncQueueSize bounds the per-connection outbound queue. A full queue
// applies backpressure to SendAsync callers instead of reordering or
// dropping frames.
const asyncQueueSize = 256

// Option configures a Connection at construction.
type Option func(*Connection)

// WithID overrides the generated connection id.
func WithID(id string) Option { return func(c *Connection) { c.id = id } }

// WithCodec overrides the default CBOR body codec.
func WithCodec(cd codec.Codec) Option { return func(c *Connection) { c.codec = cd } }

// WithStats attaches a stats sink recording exchange counters.
func WithStats(s *statstore.Connections) Option { return func(c *Connection) { c.stats = s } }

// WithTransportKind labels the connection for logs and metrics.
func WithTransportKind(k transport.Kind) Option { return func(c *Connection) { c.kind = k } }

// New wraps ch. The owner must set a close handler (if wanted) before
// starting the read loop.
func New(ch transport.Channel, opts ...Option) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		ch:       ch,
		kind:     transport.KindUnknown,
		codec:    codec.Default(),
		handlers: make(map[message.Key]handlerEntry),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ID returns the connection's opaque identity.
func (c *Connection) ID() string { return c.id }

// TransportKind reports the link type backing this connection.
func (c *Connection) TransportKind() transport.Kind { return c.kind }

// Channel exposes the underlying raw channel.
func (c *Connection) Channel() transport.Channel { return c.ch }

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// SetCloseHandler installs the owner's teardown callback. It runs exactly
// once, after the read loop exits. Must be set before ProcessMessages starts.
func (c *Connection) SetCloseHandler(fn func(*Connection)) { c.onClose = fn }

// SetAuthenticated promotes the connection for requireAuth handlers.
func (c *Connection) SetAuthenticated() {
	c.authenticated.Store(true)
	if c.stats != nil {
		c.stats.SetAuthenticated(c.id, true)
	}
}

// IsAuthenticated reports whether the auth gate has been passed.
func (c *Connection) IsAuthenticated() bool { return c.authenticated.Load() }

// SetReady marks the connection ready for application traffic.
func (c *Connection) SetReady(v bool) { c.ready.Store(v) }

// IsReady reports application readiness.
func (c *Connection) IsReady() bool { return c.ready.Load() }

// SetOwnedEntity attaches the application-level entity reference.
// The core never inspects it.
func (c *Connection) SetOwnedEntity(v any) {
	c.entityMu.Lock()
	c.entity = v
	c.entityMu.Unlock()
}

// OwnedEntity returns the attached entity reference, or nil.
func (c *Connection) OwnedEntity() any {
	c.entityMu.Lock()
	defer c.entityMu.Unlock()
	return c.entity
}

// RegisterRaw installs a handler for key. Safe to call while the read loop
// runs; authentication completes asynchronously after the loop has started.
func (c *Connection) RegisterRaw(key message.Key, fn RawHandler, requireAuth bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[key]; ok {
		return ErrDuplicateHandler
	}
	c.handlers[key] = handlerEntry{fn: fn, requireAuth: requireAuth}
	return nil
}

// UnregisterKey removes the handler for key; no-op if absent.
func (c *Connection) UnregisterKey(key message.Key) {
	c.mu.Lock()
	delete(c.handlers, key)
	c.mu.Unlock()
}

// Register installs a typed handler for T. Duplicate registration of the
// same type (or a colliding key) fails with ErrDuplicateHandler.
func Register[T any](c *Connection, handler func(*Connection, T), requireAuth bool) error {
	var zero T
	key := message.KeyOf(zero)
	return c.RegisterRaw(key, func(conn *Connection, body []byte) error {
		var m T
		if err := conn.codec.Unmarshal(body, &m); err != nil {
			return &message.DecodeError{Reason: err.Error()}
		}
		handler(conn, m)
		return nil
	}, requireAuth)
}

// Unregister removes the handler for T.
func Unregister[T any](c *Connection) {
	var zero T
	c.UnregisterKey(message.KeyOf(zero))
}

// Send encodes v, prefixes its type key, validates the frame bound, and
// submits to the transport. A failed send is reported to the caller only;
// it never terminates the connection.
func (c *Connection) Send(v any, kind transport.ChannelKind) error {
	body, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	frame := message.Pack(message.KeyOf(v), body)
	if max := c.ch.MaxFrameSize(kind); len(frame) > max {
		return transport.ErrFrameTooLarge
	}
	if err := c.ch.Send(frame, kind); err != nil {
		return err
	}
	observability.MsgsSent.WithLabelValues(c.kind.String()).Inc()
	if c.stats != nil {
		c.stats.RecordExchange(c.id, 0, uint64(len(frame)), 0, 1)
	}
	return nil
}

// SendAsync is the best-effort variant: errors are observed via the logger,
// never propagated to the caller. Frames are drained by a single goroutine
// per connection, so consecutive SendAsync calls reach the transport in call
// order and reliable-class ordering is preserved.
func (c *Connection) SendAsync(v any, kind transport.ChannelKind) {
	c.sendOnce.Do(func() {
		c.sendQ = make(chan outbound, asyncQueueSize)
		go c.drainSends()
	})
	select {
	case c.sendQ <- outbound{v: v, kind: kind}:
	case <-c.done:
	}
}

func (c *Connection) drainSends() {
	for {
		select {
		case out := <-c.sendQ:
			if err := c.Send(out.v, out.kind); err != nil {
				zap.L().Warn("async send failed", zap.String("conn", c.id), zap.Error(err))
			}
		case <-c.done:
			// Anything still queued has lost its channel; sending
			// would only fail.
			return
		}
	}
}

// ProcessMessages is the read loop. It runs until the transport reports the
// channel closed or a malformed frame arrives, dispatching handlers strictly
// in frame arrival order. Handler panics are isolated; unknown type keys are
// dropped. The close handler runs exactly once on exit.
func (c *Connection) ProcessMessages(ctx context.Context) {
	defer c.teardown()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.Disconnect()
			case <-c.done:
			}
		}()
	}

	for {
		frame, err := c.ch.Recv()
		if err != nil {
			zap.L().Debug("recv closed", zap.String("conn", c.id), zap.Error(err))
			return
		}
		key, body, err := message.Unpack(frame)
		if err != nil {
			observability.DecodeErrors.Inc()
			zap.L().Warn("malformed frame, dropping connection", zap.String("conn", c.id), zap.Error(err))
			return
		}
		if c.stats != nil {
			c.stats.RecordExchange(c.id, uint64(len(frame)), 0, 1, 0)
		}

		c.mu.RLock()
		entry, ok := c.handlers[key]
		c.mu.RUnlock()
		if !ok {
			// Unknown keys are never fatal: newer peers may send types
			// this binary does not know.
			observability.MsgsDropped.WithLabelValues("unknown").Inc()
			zap.L().Debug("no handler for type key", zap.String("conn", c.id), zap.Uint32("key", uint32(key)))
			continue
		}
		if entry.requireAuth && !c.authenticated.Load() {
			observability.MsgsDropped.WithLabelValues("unauthenticated").Inc()
			zap.L().Debug("dropping pre-auth message", zap.String("conn", c.id), zap.Uint32("key", uint32(key)))
			continue
		}
		if err := c.dispatch(entry, body); err != nil {
			observability.DecodeErrors.Inc()
			zap.L().Warn("body decode failed, dropping connection", zap.String("conn", c.id), zap.Error(err))
			return
		}
		observability.MsgsReceived.WithLabelValues(c.kind.String()).Inc()
	}
}

// dispatch invokes one handler, isolating panics so a single bad handler
// cannot take the session down.
func (c *Connection) dispatch(e handlerEntry, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.HandlerPanics.Inc()
			zap.L().Error("handler panic", zap.String("conn", c.id), zap.Any("panic", r), zap.Stack("stack"))
			err = nil
		}
	}()
	return e.fn(c, body)
}

// Disconnect requests teardown. Idempotent: the first call closes the
// underlying channel, which unblocks a pending Recv promptly; later calls
// are no-ops.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ch.Close()
	})
}

func (c *Connection) teardown() {
	c.Disconnect()
	if c.stats != nil {
		c.stats.Remove(c.id)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}
