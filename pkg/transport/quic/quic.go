package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/uweenukr/mirrorng/pkg/transport"
)

const (
	// MaxFrame bounds reliable frames, matching the 2-byte length prefix.
	MaxFrame = 0xFFFF
	// MaxDatagram bounds unreliable frames; conservative single-packet size.
	MaxDatagram = 1200

	alpn = "mirrorng"
)

// Transport implements a UDP-based transport via QUIC: one bidirectional
// stream carries the reliable-ordered class with 2-byte big-endian framing,
// QUIC datagrams carry the unreliable class.
type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() *Transport {
	cert, _ := selfSignedCert()
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	return &Transport{tlsConf: tlsConf, quicConf: &quicgo.Config{EnableDatagrams: true}}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *channel, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Channel, error) {
	// Identity is handled at the application layer; the certificate only
	// bootstraps the QUIC handshake.
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "open stream")
		return nil, err
	}
	return newChannel(c, st), nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan *channel
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("quic listener closed")
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

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		// The dialer opens the reliable stream; accept it before the
		// channel is surfaced so Recv never races stream setup.
		go func(c quicgo.Connection) {
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			st, err := c.AcceptStream(sctx)
			if err != nil {
				_ = c.CloseWithError(0, "accept stream")
				return
			}
			ch := newChannel(c, st)
			select {
			case l.newCh <- ch:
			default:
				_ = ch.Close()
			}
		}(c)
	}
}

type channel struct {
	conn quicgo.Connection
	st   quicgo.Stream

	wmu sync.Mutex
	bw  *bufio.Writer
	br  *bufio.Reader

	frames chan []byte

	errOnce sync.Once
	rerr    error
	done    chan struct{}

	cancel context.CancelFunc
}

func newChannel(conn quicgo.Connection, st quicgo.Stream) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		st:     st,
		bw:     bufio.NewWriter(st),
		br:     bufio.NewReader(st),
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go ch.streamPump()
	go ch.datagramPump(ctx)
	return ch
}

func (s *channel) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *channel) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *channel) MaxFrameSize(kind transport.ChannelKind) int {
	if kind == transport.Unreliable {
		return MaxDatagram
	}
	return MaxFrame
}

func (s *channel) Send(b []byte, kind transport.ChannelKind) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if kind == transport.Unreliable {
		if len(b) > MaxDatagram {
			return transport.ErrFrameTooLarge
		}
		return s.conn.SendDatagram(b)
	}
	if len(b) > MaxFrame {
		return transport.ErrFrameTooLarge
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
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
	select {
	case b := <-s.frames:
		return b, nil
	default:
	}
	select {
	case b := <-s.frames:
		return b, nil
	case <-s.done:
		// Frames that arrived before the close keep their delivery
		// guarantee; report the close only once the buffer is empty.
		select {
		case b := <-s.frames:
			return b, nil
		default:
			return nil, s.rerr
		}
	}
}

func (s *channel) Close() error {
	s.fail(transport.ErrClosed)
	s.cancel()
	return s.conn.CloseWithError(0, "")
}

func (s *channel) fail(err error) {
	s.errOnce.Do(func() {
		s.rerr = err
		close(s.done)
	})
}

// streamPump feeds reliable frames in arrival order.
func (s *channel) streamPump() {
	for {
		var lenbuf [2]byte
		if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
			s.fail(err)
			return
		}
		n := int(binary.BigEndian.Uint16(lenbuf[:]))
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.br, buf); err != nil {
			s.fail(err)
			return
		}
		select {
		case s.frames <- buf:
		case <-s.done:
			return
		}
	}
}

func (s *channel) datagramPump(ctx context.Context) {
	for {
		b, err := s.conn.ReceiveDatagram(ctx)
		if err != nil {
			// Datagram loss or teardown never outlives the stream path;
			// the stream pump reports the terminal error.
			return
		}
		select {
		case s.frames <- b:
		case <-s.done:
			return
		}
	}
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
