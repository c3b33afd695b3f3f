package mem

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"

	"github.com/uweenukr/mirrorng/pkg/transport"
)

// queueDepth bounds how many frames one direction can hold before Send blocks.
const queueDepth = 64

// Transport is an in-process transport backed by matched queue pairs.
// It carries whole frames with no serialization bounds checks and no
// network I/O; both delivery classes behave identically.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{name: name, newCh: make(chan *channel, 8), closeCh: make(chan struct{})}
	l.onClose = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	t.listeners[name] = l
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = l.Close()
			case <-l.closeCh:
			}
		}()
	}
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (transport.Channel, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, errors.New("mem: no such listener")
	}
	cli, srv := pipePair(name)
	select {
	case l.newCh <- srv:
	default:
		_ = srv.Close()
		_ = cli.Close()
		return nil, errors.New("mem: listener backlog full")
	}
	return cli, nil
}

// Pipe constructs a linked channel pair sharing the same ordering and close
// semantics as a network channel. The first return is the dialer end.
func Pipe(name string) (transport.Channel, transport.Channel) {
	a, b := pipePair(name)
	return a, b
}

func pipePair(name string) (*channel, *channel) {
	ab := make(chan []byte, queueDepth)
	ba := make(chan []byte, queueDepth)
	a := &channel{send: ab, recv: ba, addr: memAddr(name + ":client"), peerAddr: memAddr(name + ":server"), closed: make(chan struct{})}
	b := &channel{send: ba, recv: ab, addr: memAddr(name + ":server"), peerAddr: memAddr(name + ":client"), closed: make(chan struct{})}
	a.peerClosed = b.closed
	b.peerClosed = a.closed
	return a, b
}

type listener struct {
	name    string
	newCh   chan *channel
	closeCh chan struct{}
	onClose func()
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("mem listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
		if l.onClose != nil {
			l.onClose()
		}
	}
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type channel struct {
	send chan<- []byte
	recv <-chan []byte

	addr     net.Addr
	peerAddr net.Addr

	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed chan struct{}
}

func (s *channel) LocalAddr() net.Addr  { return s.addr }
func (s *channel) RemoteAddr() net.Addr { return s.peerAddr }

func (s *channel) MaxFrameSize(_ transport.ChannelKind) int { return math.MaxInt32 }

func (s *channel) Send(b []byte, _ transport.ChannelKind) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	case <-s.peerClosed:
		return transport.ErrClosed
	case s.send <- b:
		return nil
	}
}

func (s *channel) Recv() ([]byte, error) {
	// Drain queued frames before reporting a close so already-sent
	// messages keep their delivery guarantee.
	select {
	case b := <-s.recv:
		return b, nil
	default:
	}
	select {
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-s.peerClosed:
		select {
		case b := <-s.recv:
			return b, nil
		default:
			return nil, io.EOF
		}
	case b := <-s.recv:
		return b, nil
	}
}

func (s *channel) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
