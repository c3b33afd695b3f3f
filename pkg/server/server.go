// Package server implements the listening role: accept gating, the active
// connection set, broadcast, and teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/auth"
	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/event"
	"github.com/uweenukr/mirrorng/pkg/message"
	"github.com/uweenukr/mirrorng/pkg/message/codec"
	"github.com/uweenukr/mirrorng/pkg/observability"
	"github.com/uweenukr/mirrorng/pkg/statstore"
	"github.com/uweenukr/mirrorng/pkg/transport"
)

var (
	// ErrNoTransport is returned by Listen when no transport is configured.
	ErrNoTransport = errors.New("server: no transport configured")
	// ErrAlreadyListening is returned on a double Listen without teardown.
	ErrAlreadyListening = errors.New("server: already listening")
	// ErrServerFull rejects a new peer once MaxConnections is reached.
	ErrServerFull = errors.New("server: at capacity")
)

// Options configures a Server.
type Options struct {
	Transport      transport.Transport
	Address        string
	MaxConnections int
	Authenticator  auth.Authenticator // nil means accept immediately
	Stats          *statstore.Connections
	Codec          codec.Codec
}

// Server is the process-local listening role. Its state machine is
// restartable: Listen moves Idle to Listening, Disconnect moves back.
type Server struct {
	opts Options

	// Lifecycle notifications. Connected fires when a peer enters the
	// active set, Authenticated when the auth gate passes, Disconnected
	// exactly once when a peer's read loop terminates.
	Connected     *event.Notifier[*connection.Connection]
	Authenticated *event.Notifier[*connection.Connection]
	Disconnected  *event.Notifier[*connection.Connection]

	mu         sync.Mutex
	conns      map[string]*connection.Connection
	installers map[message.Key]installer
	listener   transport.Listener
	listening  bool
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

type installer struct {
	install   func(*connection.Connection) error
	uninstall func(*connection.Connection)
}

func New(opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 64
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	return &Server{
		opts:          opts,
		Connected:     event.NewNotifier[*connection.Connection](),
		Authenticated: event.NewNotifier[*connection.Connection](),
		Disconnected:  event.NewNotifier[*connection.Connection](),
		conns:         make(map[string]*connection.Connection),
		installers:    make(map[message.Key]installer),
	}
}

func (s *Server) authenticator() auth.Authenticator {
	if s.opts.Authenticator != nil {
		return s.opts.Authenticator
	}
	return auth.None{}
}

// Listening reports whether the accept loop is active.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// ConnectionCount reports the size of the active set.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Listen starts accepting peers. It returns once the listener is bound;
// accepted connections are driven by background goroutines until
// Disconnect (or ctx cancellation) tears the server down.
func (s *Server) Listen(ctx context.Context) error {
	if s.opts.Transport == nil {
		return ErrNoTransport
	}
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	lctx, cancel := context.WithCancel(ctx)
	l, err := s.opts.Transport.Listen(lctx, s.opts.Address)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("server: listen %s: %w", s.opts.Address, err)
	}
	s.listener = l
	s.listening = true
	s.cancel = cancel
	s.mu.Unlock()

	zap.L().Info("listening",
		zap.String("kind", s.opts.Transport.Kind().String()),
		zap.String("addr", l.Addr().String()),
		zap.Int("max_connections", s.opts.MaxConnections))

	s.wg.Add(1)
	go s.acceptLoop(lctx, l)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) {
	defer s.wg.Done()
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				zap.L().Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		if err := s.admit(ctx, ch); err != nil {
			zap.L().Warn("peer rejected", zap.Error(err))
		}
	}
}

// AddLocalChannel runs the standard acceptance path for a host-mode pipe
// end, exactly as if a remote peer had connected.
func (s *Server) AddLocalChannel(ctx context.Context, ch transport.Channel) error {
	return s.admit(ctx, ch)
}

// admit is the single place a connection enters the active set.
func (s *Server) admit(ctx context.Context, ch transport.Channel) error {
	kind := transport.KindMem
	if s.opts.Transport != nil {
		kind = s.opts.Transport.Kind()
	}
	conn := connection.New(ch,
		connection.WithTransportKind(kind),
		connection.WithStats(s.opts.Stats),
		connection.WithCodec(s.opts.Codec),
	)

	s.mu.Lock()
	if len(s.conns) >= s.opts.MaxConnections {
		s.mu.Unlock()
		observability.CapacityRejections.Inc()
		_ = ch.Close()
		return fmt.Errorf("%w (%d)", ErrServerFull, s.opts.MaxConnections)
	}
	s.conns[conn.ID()] = conn
	n := len(s.conns)
	installers := make([]installer, 0, len(s.installers))
	for _, inst := range s.installers {
		installers = append(installers, inst)
	}
	s.mu.Unlock()
	observability.ActiveConnections.Set(float64(n))

	for _, inst := range installers {
		if err := inst.install(conn); err != nil {
			// Cannot happen for a fresh connection unless two message
			// types collide on one key; surface loudly.
			zap.L().Error("handler install failed", zap.String("conn", conn.ID()), zap.Error(err))
		}
	}

	if s.opts.Stats != nil {
		addr := ""
		if ra := ch.RemoteAddr(); ra != nil {
			addr = ra.String()
		}
		s.opts.Stats.Touch(conn.ID(), addr, kind.String())
	}

	// Read-loop termination is the only removal point; it fires
	// Disconnected exactly once no matter which side closed.
	conn.SetCloseHandler(s.remove)

	zap.L().Info("peer connected", zap.String("conn", conn.ID()), zap.String("kind", kind.String()))
	s.Connected.Emit(conn)

	verdict := s.authenticator().OnServerAuthenticate(ctx, conn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.ProcessMessages(ctx)
	}()
	go func() {
		if err := <-verdict; err != nil {
			zap.L().Warn("authentication failed", zap.String("conn", conn.ID()), zap.Error(err))
			conn.Disconnect()
			return
		}
		conn.SetReady(true)
		s.Authenticated.Emit(conn)
	}()
	return nil
}

func (s *Server) remove(conn *connection.Connection) {
	s.mu.Lock()
	_, ok := s.conns[conn.ID()]
	if ok {
		delete(s.conns, conn.ID())
	}
	n := len(s.conns)
	s.mu.Unlock()
	if !ok {
		return
	}
	observability.ActiveConnections.Set(float64(n))
	zap.L().Info("peer disconnected", zap.String("conn", conn.ID()))
	s.Disconnected.Emit(conn)
}

// snapshot copies the active set so iteration never races set mutation.
func (s *Server) snapshot() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// SendToAll broadcasts v to every active connection. A failure sending to
// one peer never prevents sending to the others; failures are aggregated.
func (s *Server) SendToAll(v any, kind transport.ChannelKind) error {
	var errs error
	for _, c := range s.snapshot() {
		if err := c.Send(v, kind); err != nil {
			zap.L().Warn("broadcast send failed", zap.String("conn", c.ID()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", c.ID(), err))
		}
	}
	return errs
}

// Disconnect tears the server down: every active connection is closed and
// the listener stops. The server may Listen again afterwards.
func (s *Server) Disconnect() {
	s.mu.Lock()
	l := s.listener
	cancel := s.cancel
	s.listener = nil
	s.cancel = nil
	s.listening = false
	s.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	for _, c := range s.snapshot() {
		c.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the accept loop and every connection read loop have
// exited. Useful for clean shutdown in tests and mains.
func (s *Server) Wait() { s.wg.Wait() }

// RegisterHandler installs a typed handler on every current and future
// connection. Registering the same type (or a colliding key) twice fails
// eagerly with ErrDuplicateHandler.
func RegisterHandler[T any](s *Server, h func(*connection.Connection, T), requireAuth bool) error {
	var zero T
	key := message.KeyOf(zero)

	s.mu.Lock()
	if _, ok := s.installers[key]; ok {
		s.mu.Unlock()
		return connection.ErrDuplicateHandler
	}
	s.installers[key] = installer{
		install: func(c *connection.Connection) error {
			return connection.Register(c, h, requireAuth)
		},
		uninstall: func(c *connection.Connection) {
			c.UnregisterKey(key)
		},
	}
	conns := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := connection.Register(c, h, requireAuth); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterHandler removes the handler for T from every current and
// future connection.
func UnregisterHandler[T any](s *Server) {
	var zero T
	key := message.KeyOf(zero)

	s.mu.Lock()
	inst, ok := s.installers[key]
	if ok {
		delete(s.installers, key)
	}
	conns := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range conns {
		inst.uninstall(c)
	}
}

// Stats snapshots per-connection exchange records when a stats sink is
// attached.
func (s *Server) Stats() []statstore.ConnStats {
	if s.opts.Stats == nil {
		return nil
	}
	return s.opts.Stats.List()
}
