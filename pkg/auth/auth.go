// Package auth defines the authenticator capability gating promotion of a
// connection to authenticated traffic. The core suspends requireAuth
// handler dispatch until an authenticator succeeds, and disconnects on
// rejection.
package auth

import (
	"context"

	"github.com/uweenukr/mirrorng/pkg/connection"
)

// Authenticator decides accept/reject for a connection. Both methods are
// called by the owning role BEFORE the connection's read loop starts, and
// must install any message handlers they need before returning; the verdict
// is delivered on the returned channel once the exchange completes. A nil
// error promotes the connection; an error tears it down.
type Authenticator interface {
	OnServerAuthenticate(ctx context.Context, c *connection.Connection) <-chan error
	OnClientAuthenticate(ctx context.Context, c *connection.Connection) <-chan error
}

// None accepts every connection immediately. Used when no authenticator is
// configured.
type None struct{}

func (None) OnServerAuthenticate(_ context.Context, c *connection.Connection) <-chan error {
	return accept(c)
}

func (None) OnClientAuthenticate(_ context.Context, c *connection.Connection) <-chan error {
	return accept(c)
}

func accept(c *connection.Connection) <-chan error {
	c.SetAuthenticated()
	ch := make(chan error, 1)
	ch <- nil
	return ch
}
