package mem

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uweenukr/mirrorng/pkg/transport"
)

func TestPipeBothDirections(t *testing.T) {
	a, b := Pipe("t")
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hi"), transport.Reliable); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Recv()
	if err != nil || !bytes.Equal(got, []byte("hi")) {
		t.Fatalf("recv: %q err=%v", got, err)
	}

	if err := b.Send([]byte("yo"), transport.Unreliable); err != nil {
		t.Fatalf("unreliable send: %v", err)
	}
	got, err = a.Recv()
	if err != nil || !bytes.Equal(got, []byte("yo")) {
		t.Fatalf("recv: %q err=%v", got, err)
	}
}

func TestPipeOrdering(t *testing.T) {
	a, b := Pipe("t")
	defer a.Close()
	defer b.Close()

	for i := byte(0); i < 10; i++ {
		if err := a.Send([]byte{i}, transport.Reliable); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := byte(0); i < 10; i++ {
		got, err := b.Recv()
		if err != nil || len(got) != 1 || got[0] != i {
			t.Fatalf("frame %d: got %v err=%v", i, got, err)
		}
	}
}

func TestRecvDrainsQueueAfterPeerClose(t *testing.T) {
	a, b := Pipe("t")
	defer b.Close()

	_ = a.Send([]byte("one"), transport.Reliable)
	_ = a.Send([]byte("two"), transport.Reliable)
	_ = a.Close()

	got, err := b.Recv()
	if err != nil || string(got) != "one" {
		t.Fatalf("first queued frame: %q err=%v", got, err)
	}
	got, err = b.Recv()
	if err != nil || string(got) != "two" {
		t.Fatalf("second queued frame: %q err=%v", got, err)
	}
	if _, err := b.Recv(); err == nil {
		t.Fatalf("expected error once the queue is drained")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, b := Pipe("t")
	_ = a.Close()
	if err := a.Send([]byte("x"), transport.Reliable); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send on closed end: %v", err)
	}
	if err := b.Send([]byte("x"), transport.Reliable); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send to closed peer: %v", err)
	}
}

func TestListenDialAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := New()
	l, err := tr.Listen(ctx, "world")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	cli, err := tr.Dial(ctx, "world")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := cli.Send([]byte("hello"), transport.Reliable); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := srv.Recv()
	if err != nil || string(got) != "hello" {
		t.Fatalf("recv: %q err=%v", got, err)
	}
}

func TestDialUnknownListener(t *testing.T) {
	ctx := context.Background()
	tr := New()
	if _, err := tr.Dial(ctx, "nobody-home"); err == nil {
		t.Fatalf("expected error dialing a name nobody listens on")
	}
}

func TestDuplicateListen(t *testing.T) {
	ctx := context.Background()
	tr := New()
	l, err := tr.Listen(ctx, "dup")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if _, err := tr.Listen(ctx, "dup"); err == nil {
		t.Fatalf("expected error on duplicate listen name")
	}
}
