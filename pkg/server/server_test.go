package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/message"
	"github.com/uweenukr/mirrorng/pkg/transport"
	"github.com/uweenukr/mirrorng/pkg/transport/mem"
)

type join struct {
	Who string
}

type announce struct {
	Text string
}

func newTestServer(t *testing.T, maxConns int) (*Server, *mem.Transport) {
	t.Helper()
	tr := mem.New()
	s := New(Options{
		Transport:      tr,
		Address:        t.Name(),
		MaxConnections: maxConns,
	})
	t.Cleanup(func() { s.Disconnect() })
	return s, tr
}

func dialConn(t *testing.T, tr *mem.Transport, addr string) *connection.Connection {
	t.Helper()
	ch, err := tr.Dial(context.Background(), addr)
	require.NoError(t, err)
	c := connection.New(ch, connection.WithTransportKind(transport.KindMem))
	t.Cleanup(c.Disconnect)
	return c
}

func waitEvent(t *testing.T, ch <-chan *connection.Connection, what string) *connection.Connection {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

func TestListenRequiresTransport(t *testing.T) {
	s := New(Options{Address: "x"})
	require.ErrorIs(t, s.Listen(context.Background()), ErrNoTransport)
}

func TestDoubleListen(t *testing.T) {
	s, _ := newTestServer(t, 4)
	require.NoError(t, s.Listen(context.Background()))
	require.ErrorIs(t, s.Listen(context.Background()), ErrAlreadyListening)
}

func TestAcceptFiresEventsAndRoutes(t *testing.T) {
	s, tr := newTestServer(t, 4)

	connected := make(chan *connection.Connection, 1)
	authed := make(chan *connection.Connection, 1)
	s.Connected.Subscribe("t", func(c *connection.Connection) { connected <- c })
	s.Authenticated.Subscribe("t", func(c *connection.Connection) { authed <- c })

	got := make(chan join, 1)
	require.NoError(t, RegisterHandler(s, func(_ *connection.Connection, m join) { got <- m }, true))

	require.NoError(t, s.Listen(context.Background()))
	require.True(t, s.Listening())

	peer := dialConn(t, tr, t.Name())
	go peer.ProcessMessages(context.Background())

	waitEvent(t, connected, "Connected")
	waitEvent(t, authed, "Authenticated")
	require.Equal(t, 1, s.ConnectionCount())

	// The default authenticator promoted the peer, so the gated handler
	// receives this.
	require.NoError(t, peer.Send(join{Who: "alice"}, transport.Reliable))
	select {
	case m := <-got:
		require.Equal(t, "alice", m.Who)
	case <-time.After(3 * time.Second):
		t.Fatalf("handler never fired")
	}
}

func TestCapacityReject(t *testing.T) {
	s, tr := newTestServer(t, 1)
	require.NoError(t, s.Listen(context.Background()))

	first := dialConn(t, tr, t.Name())
	go first.ProcessMessages(context.Background())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	// The second peer is disconnected immediately; its Recv observes the
	// close rather than a handshake.
	ch, err := tr.Dial(context.Background(), t.Name())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := ch.Recv()
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("rejected peer was not closed")
	}
	require.Equal(t, 1, s.ConnectionCount())
}

func TestSendToAllReachesEveryPeer(t *testing.T) {
	s, tr := newTestServer(t, 4)
	require.NoError(t, s.Listen(context.Background()))

	inboxes := make([]chan announce, 0, 3)
	for i := 0; i < 3; i++ {
		p := dialConn(t, tr, t.Name())
		inbox := make(chan announce, 1)
		require.NoError(t, connection.Register(p, func(_ *connection.Connection, m announce) { inbox <- m }, false))
		go p.ProcessMessages(context.Background())
		inboxes = append(inboxes, inbox)
	}
	require.Eventually(t, func() bool { return s.ConnectionCount() == 3 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SendToAll(announce{Text: "hello all"}, transport.Reliable))
	for i, inbox := range inboxes {
		select {
		case m := <-inbox:
			require.Equal(t, "hello all", m.Text)
		case <-time.After(3 * time.Second):
			t.Fatalf("peer %d missed the broadcast", i)
		}
	}
}

func TestSendToAllIsolatesFailures(t *testing.T) {
	s, tr := newTestServer(t, 4)
	require.NoError(t, s.Listen(context.Background()))

	healthy := dialConn(t, tr, t.Name())
	inbox := make(chan announce, 1)
	require.NoError(t, connection.Register(healthy, func(_ *connection.Connection, m announce) { inbox <- m }, false))
	go healthy.ProcessMessages(context.Background())

	broken := dialConn(t, tr, t.Name())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 2 },
		3*time.Second, 10*time.Millisecond)

	// Close the broken peer's channel under the server: its send fails,
	// the healthy peer still receives.
	_ = broken.Channel().Close()

	err := s.SendToAll(announce{Text: "still going"}, transport.Reliable)
	_ = err // the broken recipient may or may not have been reaped yet
	select {
	case m := <-inbox:
		require.Equal(t, "still going", m.Text)
	case <-time.After(3 * time.Second):
		t.Fatalf("healthy peer missed the broadcast")
	}
}

func TestDisconnectedFiresExactlyOnce(t *testing.T) {
	s, tr := newTestServer(t, 4)
	disconnects := make(chan *connection.Connection, 4)
	s.Disconnected.Subscribe("t", func(c *connection.Connection) { disconnects <- c })
	require.NoError(t, s.Listen(context.Background()))

	peer := dialConn(t, tr, t.Name())
	go peer.ProcessMessages(context.Background())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	peer.Disconnect()
	waitEvent(t, disconnects, "Disconnected")
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 },
		3*time.Second, 10*time.Millisecond)

	select {
	case c := <-disconnects:
		t.Fatalf("Disconnected fired twice for %s", c.ID())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerRestart(t *testing.T) {
	s, tr := newTestServer(t, 4)
	require.NoError(t, s.Listen(context.Background()))

	peer := dialConn(t, tr, t.Name())
	go peer.ProcessMessages(context.Background())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	s.Disconnect()
	require.False(t, s.Listening())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 },
		3*time.Second, 10*time.Millisecond)

	// The same server instance may listen again.
	require.NoError(t, s.Listen(context.Background()))
	require.True(t, s.Listening())

	again := dialConn(t, tr, t.Name())
	go again.ProcessMessages(context.Background())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestRegisterHandlerDuplicate(t *testing.T) {
	s, _ := newTestServer(t, 4)
	require.NoError(t, RegisterHandler(s, func(*connection.Connection, join) {}, false))
	err := RegisterHandler(s, func(*connection.Connection, join) {}, false)
	require.ErrorIs(t, err, connection.ErrDuplicateHandler)

	UnregisterHandler[join](s)
	require.NoError(t, RegisterHandler(s, func(*connection.Connection, join) {}, false))
}

func TestRegisterHandlerAppliesToExistingConns(t *testing.T) {
	s, tr := newTestServer(t, 4)
	require.NoError(t, s.Listen(context.Background()))

	peer := dialConn(t, tr, t.Name())
	go peer.ProcessMessages(context.Background())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	// Registered after the peer connected; must still route for it.
	got := make(chan join, 1)
	require.NoError(t, RegisterHandler(s, func(_ *connection.Connection, m join) { got <- m }, false))
	require.NoError(t, peer.Send(join{Who: "late"}, transport.Reliable))
	select {
	case m := <-got:
		require.Equal(t, "late", m.Who)
	case <-time.After(3 * time.Second):
		t.Fatalf("late-registered handler never fired")
	}
}

func TestAddLocalChannelSharesAcceptPath(t *testing.T) {
	s, _ := newTestServer(t, 1)
	connected := make(chan *connection.Connection, 1)
	s.Connected.Subscribe("t", func(c *connection.Connection) { connected <- c })

	local, remote := mem.Pipe(t.Name())
	require.NoError(t, s.AddLocalChannel(context.Background(), remote))
	waitEvent(t, connected, "Connected")
	require.Equal(t, 1, s.ConnectionCount())

	// At capacity: the next local channel is rejected like a remote one.
	_, remote2 := mem.Pipe(t.Name() + "-2")
	require.ErrorIs(t, s.AddLocalChannel(context.Background(), remote2), ErrServerFull)

	// Frames flow through the standard dispatch path.
	got := make(chan join, 1)
	require.NoError(t, RegisterHandler(s, func(_ *connection.Connection, m join) { got <- m }, false))
	lc := connection.New(local)
	t.Cleanup(lc.Disconnect)
	require.NoError(t, lc.Send(join{Who: "host"}, transport.Reliable))
	select {
	case m := <-got:
		require.Equal(t, "host", m.Who)
	case <-time.After(3 * time.Second):
		t.Fatalf("local channel message never dispatched")
	}
}

func TestBroadcastFrameShape(t *testing.T) {
	s, tr := newTestServer(t, 4)
	require.NoError(t, s.Listen(context.Background()))

	ch, err := tr.Dial(context.Background(), t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SendToAll(announce{Text: "shape"}, transport.Reliable))
	frame, err := ch.Recv()
	require.NoError(t, err)
	key, _, err := message.Unpack(frame)
	require.NoError(t, err)
	require.Equal(t, message.KeyOf(announce{}), key)
}
