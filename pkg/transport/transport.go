package transport

import (
	"context"
	"errors"
	"net"
)

// Kind identifies the link type backing a channel.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ChannelKind selects the delivery class requested per send.
// Reliable is ordered and lossless; Unreliable is best-effort and
// only offered by transports with a datagram path.
type ChannelKind int

const (
	Reliable ChannelKind = iota
	Unreliable
)

func (c ChannelKind) String() string {
	if c == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

var (
	// ErrFrameTooLarge is returned by Send when a frame exceeds the
	// channel's declared maximum; nothing is written to the wire.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	// ErrUnsupportedChannel is returned when a transport does not offer
	// the requested delivery class.
	ErrUnsupportedChannel = errors.New("transport: channel kind not supported")
	// ErrClosed is returned by Send/Recv after the channel has been closed.
	ErrClosed = errors.New("transport: channel closed")
)

// Channel is one raw bidirectional peer link. Exactly one reader goroutine
// is expected; Send may be called from multiple goroutines.
type Channel interface {
	// Send submits one frame using the requested delivery class.
	Send(b []byte, kind ChannelKind) error
	// Recv blocks until the next inbound frame, remote close, or local Close.
	Recv() ([]byte, error)
	// MaxFrameSize reports the largest frame Send accepts for the class.
	MaxFrameSize(kind ChannelKind) int
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Close tears the link down and unblocks a pending Recv.
	Close() error
}

// Listener accepts inbound channels.
type Listener interface {
	// Accept blocks until an inbound channel is available or ctx is done.
	Accept(ctx context.Context) (Channel, error)
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound channels on address (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial establishes an outbound channel to address.
	Dial(ctx context.Context, address string) (Channel, error)
}
