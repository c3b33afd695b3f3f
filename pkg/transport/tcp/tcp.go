package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/uweenukr/mirrorng/pkg/transport"
)

// MaxFrame is the largest payload a single frame can carry; bounded by the
// 2-byte big-endian length prefix.
const MaxFrame = 0xFFFF

// Transport implements a reliable-ordered stream transport with 2-byte
// big-endian length-prefixed frames. It offers no unreliable class.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, newCh: make(chan *channel, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() { <-ctx.Done(); _ = tl.Close() }()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Channel, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newChannel(c), nil
}

type listener struct {
	l       net.Listener
	newCh   chan *channel
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("tcp listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		ch := newChannel(c)
		select {
		case l.newCh <- ch:
		default:
			_ = ch.Close()
		}
	}
}

type channel struct {
	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel(c net.Conn) *channel {
	return &channel{
		c:      c,
		br:     bufio.NewReader(c),
		bw:     bufio.NewWriter(c),
		closed: make(chan struct{}),
	}
}

func (s *channel) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *channel) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *channel) MaxFrameSize(_ transport.ChannelKind) int { return MaxFrame }

func (s *channel) Send(b []byte, kind transport.ChannelKind) error {
	if kind != transport.Reliable {
		return transport.ErrUnsupportedChannel
	}
	if len(b) > MaxFrame {
		return transport.ErrFrameTooLarge
	}
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [2]byte
	binary.BigEndian.PutUint16(lenbuf[:], uint16(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *channel) Recv() ([]byte, error) {
	var lenbuf [2]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		select {
		case <-s.closed:
			return nil, transport.ErrClosed
		default:
		}
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenbuf[:]))
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *channel) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.c.Close()
}
