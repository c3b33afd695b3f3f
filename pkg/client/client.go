// Package client implements the dialing role: a single outbound
// connection with the same handler routing and auth gating the server
// applies to inbound peers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/auth"
	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/event"
	"github.com/uweenukr/mirrorng/pkg/message"
	"github.com/uweenukr/mirrorng/pkg/message/codec"
	"github.com/uweenukr/mirrorng/pkg/server"
	"github.com/uweenukr/mirrorng/pkg/statstore"
	"github.com/uweenukr/mirrorng/pkg/transport"
	"github.com/uweenukr/mirrorng/pkg/transport/mem"
)

var (
	// ErrNoTransport is returned by Connect when no transport is configured.
	ErrNoTransport = errors.New("client: no transport configured")
	// ErrNotConnected is returned by Send before Connect or after Disconnect.
	ErrNotConnected = errors.New("client: not connected")
	// ErrBusy is returned when Connect is called while an attempt or an
	// established connection is already in flight.
	ErrBusy = errors.New("client: connect already in progress or connected")
	// ErrConnectAborted is returned when Disconnect is called while the
	// dial is still in flight; the fresh channel is discarded.
	ErrConnectAborted = errors.New("client: connect aborted by disconnect")
)

// ConnectError reports a failed dial attempt. There is no automatic
// retry; the caller decides whether and when to dial again.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("client: connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// State is the client lifecycle phase.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures a Client.
type Options struct {
	Transport     transport.Transport
	Authenticator auth.Authenticator // nil means accept immediately
	Stats         *statstore.Connections
	Codec         codec.Codec
}

// Client drives one outbound connection at a time. A Client is reusable:
// after Disconnected it may Connect again, but never reconnects on its own.
type Client struct {
	opts Options

	Connected     *event.Notifier[*connection.Connection]
	Authenticated *event.Notifier[*connection.Connection]
	Disconnected  *event.Notifier[*connection.Connection]

	state atomic.Int32

	mu         sync.Mutex
	conn       *connection.Connection
	installers map[message.Key]installer
}

type installer struct {
	install   func(*connection.Connection) error
	uninstall func(*connection.Connection)
}

func New(opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	return &Client{
		opts:          opts,
		Connected:     event.NewNotifier[*connection.Connection](),
		Authenticated: event.NewNotifier[*connection.Connection](),
		Disconnected:  event.NewNotifier[*connection.Connection](),
		installers:    make(map[message.Key]installer),
	}
}

func (c *Client) authenticator() auth.Authenticator {
	if c.opts.Authenticator != nil {
		return c.opts.Authenticator
	}
	return auth.None{}
}

// State reports the current lifecycle phase.
func (c *Client) State() State { return State(c.state.Load()) }

// IsConnected reports whether a connection is established.
func (c *Client) IsConnected() bool { return c.State() == Connected }

// Connection returns the active connection, or nil.
func (c *Client) Connection() *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect dials address and establishes the connection. ctx bounds the
// dial attempt only; the established connection lives until either side
// closes it. On failure the client returns to Disconnected and the
// attempt's error is surfaced.
func (c *Client) Connect(ctx context.Context, address string) error {
	if c.opts.Transport == nil {
		return ErrNoTransport
	}
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrBusy
	}

	ch, err := c.opts.Transport.Dial(ctx, address)
	if err != nil {
		c.state.CompareAndSwap(int32(Connecting), int32(Disconnected))
		return &ConnectError{Addr: address, Err: err}
	}

	if !c.attach(context.Background(), ch, c.opts.Transport.Kind(), Connecting) {
		return &ConnectError{Addr: address, Err: ErrConnectAborted}
	}
	zap.L().Info("connected",
		zap.String("kind", c.opts.Transport.Kind().String()),
		zap.String("addr", address))
	return nil
}

// ConnectHost attaches the client to an in-process server through a
// memory pipe. No network is involved and no Connecting phase is
// observable; semantics past establishment are identical to Connect.
func (c *Client) ConnectHost(ctx context.Context, srv *server.Server) error {
	// Straight to Connected: there is no dial, so Connecting is never
	// observable for the host path.
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connected)) {
		return ErrBusy
	}

	clientEnd, serverEnd := mem.Pipe("host")
	if err := srv.AddLocalChannel(ctx, serverEnd); err != nil {
		_ = clientEnd.Close()
		_ = serverEnd.Close()
		c.state.CompareAndSwap(int32(Connected), int32(Disconnected))
		return err
	}

	if !c.attach(context.Background(), clientEnd, transport.KindMem, Connected) {
		_ = serverEnd.Close()
		return ErrConnectAborted
	}
	zap.L().Info("connected to in-process host")
	return nil
}

// attach builds the connection, installs handlers, starts the read loop
// and the auth exchange, and commits the client to Connected. The commit
// is a CAS from the caller's prior state under the same lock Disconnect
// takes, so a Disconnect issued mid-establishment wins: attach discards
// the fresh channel and reports false.
func (c *Client) attach(ctx context.Context, ch transport.Channel, kind transport.Kind, from State) bool {
	conn := connection.New(ch,
		connection.WithTransportKind(kind),
		connection.WithStats(c.opts.Stats),
		connection.WithCodec(c.opts.Codec),
	)

	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(from), int32(Connected)) {
		c.mu.Unlock()
		_ = ch.Close()
		zap.L().Info("connect aborted", zap.String("kind", kind.String()))
		return false
	}
	c.conn = conn
	installers := make([]installer, 0, len(c.installers))
	for _, inst := range c.installers {
		installers = append(installers, inst)
	}
	c.mu.Unlock()

	for _, inst := range installers {
		if err := inst.install(conn); err != nil {
			zap.L().Error("handler install failed", zap.String("conn", conn.ID()), zap.Error(err))
		}
	}

	if c.opts.Stats != nil {
		addr := ""
		if ra := ch.RemoteAddr(); ra != nil {
			addr = ra.String()
		}
		c.opts.Stats.Touch(conn.ID(), addr, kind.String())
	}

	conn.SetCloseHandler(c.detach)

	verdict := c.authenticator().OnClientAuthenticate(ctx, conn)

	c.Connected.Emit(conn)

	go conn.ProcessMessages(ctx)
	go func() {
		if err := <-verdict; err != nil {
			zap.L().Warn("authentication failed", zap.Error(err))
			conn.Disconnect()
			return
		}
		conn.SetReady(true)
		c.Authenticated.Emit(conn)
	}()
	return true
}

// detach is the single transition back to Disconnected, fired exactly
// once per established connection regardless of which side closed.
func (c *Client) detach(conn *connection.Connection) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.state.Store(int32(Disconnected))
	zap.L().Info("disconnected", zap.String("conn", conn.ID()))
	c.Disconnected.Emit(conn)
}

// Send encodes v and submits it on the requested channel kind.
func (c *Client) Send(v any, kind transport.ChannelKind) error {
	conn := c.Connection()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(v, kind)
}

// SendAsync is Send with failures logged instead of returned.
func (c *Client) SendAsync(v any, kind transport.ChannelKind) {
	conn := c.Connection()
	if conn == nil {
		zap.L().Warn("send dropped", zap.Error(ErrNotConnected))
		return
	}
	conn.SendAsync(v, kind)
}

// Disconnect closes the active connection. Safe to call at any time and
// in any state; during an in-flight Connect or ConnectHost it flips the
// state out from under attach so the attempt aborts instead of
// establishing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		if !c.state.CompareAndSwap(int32(Connecting), int32(Disconnected)) {
			c.state.CompareAndSwap(int32(Connected), int32(Disconnected))
		}
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// RegisterHandler installs a typed handler on the current connection (if
// any) and every future one.
func RegisterHandler[T any](c *Client, h func(*connection.Connection, T), requireAuth bool) error {
	var zero T
	key := message.KeyOf(zero)

	c.mu.Lock()
	if _, ok := c.installers[key]; ok {
		c.mu.Unlock()
		return connection.ErrDuplicateHandler
	}
	c.installers[key] = installer{
		install: func(conn *connection.Connection) error {
			return connection.Register(conn, h, requireAuth)
		},
		uninstall: func(conn *connection.Connection) {
			conn.UnregisterKey(key)
		},
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return connection.Register(conn, h, requireAuth)
	}
	return nil
}

// UnregisterHandler removes the handler for T.
func UnregisterHandler[T any](c *Client) {
	var zero T
	key := message.KeyOf(zero)

	c.mu.Lock()
	inst, ok := c.installers[key]
	if ok {
		delete(c.installers, key)
	}
	conn := c.conn
	c.mu.Unlock()
	if ok && conn != nil {
		inst.uninstall(conn)
	}
}
