package event

import "testing"

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	n := NewNotifier[int]()
	var got []string
	n.Subscribe("a", func(int) { got = append(got, "a") })
	n.Subscribe("b", func(int) { got = append(got, "b") })
	n.Subscribe("c", func(int) { got = append(got, "c") })

	n.Emit(1)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("delivery order: %v", got)
	}
}

func TestSubscribeSameIDReplaces(t *testing.T) {
	n := NewNotifier[int]()
	var hits int
	n.Subscribe("x", func(int) { hits += 1 })
	n.Subscribe("x", func(int) { hits += 10 })
	n.Emit(0)
	if hits != 10 {
		t.Fatalf("second Subscribe must replace the first: hits=%d", hits)
	}
	if n.Len() != 1 {
		t.Fatalf("len: %d", n.Len())
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	n := NewNotifier[int]()
	n.Unsubscribe("missing")
	n.Subscribe("a", func(int) {})
	n.Unsubscribe("missing")
	if n.Len() != 1 {
		t.Fatalf("len: %d", n.Len())
	}
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	n := NewNotifier[int]()
	var aHits, bHits int
	n.Subscribe("a", func(int) {
		aHits++
		n.Unsubscribe("a")
		n.Unsubscribe("b")
	})
	n.Subscribe("b", func(int) { bHits++ })

	// The snapshot taken at Emit still delivers to b this round.
	n.Emit(0)
	n.Emit(0)
	if aHits != 1 || bHits != 1 {
		t.Fatalf("aHits=%d bHits=%d", aHits, bHits)
	}
	if n.Len() != 0 {
		t.Fatalf("len after self-removal: %d", n.Len())
	}
}

func TestEmitValuePropagates(t *testing.T) {
	n := NewNotifier[string]()
	var got string
	n.Subscribe("s", func(v string) { got = v })
	n.Emit("hello")
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
}
