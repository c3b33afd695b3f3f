// Package event provides the multicast subscriber lists used for
// connection lifecycle notifications. Subscriptions are explicit and keyed,
// with documented add/remove idempotence; there are no hidden global
// listener registries.
package event

import (
	"sync"
)

// Notifier fans one event value out to every subscriber. Subscribing twice
// under the same id replaces the previous callback; unsubscribing an
// unknown id is a no-op. Emit snapshots the subscriber list first, so a
// handler may unsubscribe itself (or others) during delivery.
type Notifier[T any] struct {
	mu    sync.Mutex
	subs  map[string]func(T)
	order []string
}

func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{subs: make(map[string]func(T))}
}

// Subscribe registers fn under id.
func (n *Notifier[T]) Subscribe(id string, fn func(T)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[id]; !ok {
		n.order = append(n.order, id)
	}
	n.subs[id] = fn
}

// Unsubscribe removes the subscription for id, if any.
func (n *Notifier[T]) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[id]; !ok {
		return
	}
	delete(n.subs, id)
	for i, o := range n.order {
		if o == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Emit delivers v to every current subscriber in subscription order.
func (n *Notifier[T]) Emit(v T) {
	n.mu.Lock()
	fns := make([]func(T), 0, len(n.order))
	for _, id := range n.order {
		if fn, ok := n.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the current subscriber count.
func (n *Notifier[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
