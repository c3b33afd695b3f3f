package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/transport"
)

// Hello is a signed identity message sent by the client on a newly
// established connection. It binds a public key to a logical name and a
// fresh nonce with a timestamp.
type Hello struct {
	Version   uint32 `json:"ver,omitempty"`
	NodeName  string `json:"node_name,omitempty"`
	Alg       string `json:"alg"`
	PubKey    []byte `json:"pubkey"`
	Nonce     []byte `json:"nonce"`
	Timestamp int64  `json:"ts_unix_ms"`
	Sig       []byte `json:"sig"`
}

// HelloAck reports the server's verdict back to the client.
type HelloAck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// HelloAuthenticator authenticates via a signed ed25519 hello exchange
// carried over the connection's own message dispatch, so the auth gate is
// exercised end to end before any requireAuth handler fires.
type HelloAuthenticator struct {
	Priv     ed25519.PrivateKey
	NodeName string
	// MaxSkew bounds hello timestamp freshness (default 5m).
	MaxSkew time.Duration
	// Timeout bounds how long either side waits (default 10s).
	Timeout time.Duration
}

func (a *HelloAuthenticator) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 10 * time.Second
}

// OnClientAuthenticate installs the ack handler, sends the signed hello,
// and reports the verdict asynchronously.
func (a *HelloAuthenticator) OnClientAuthenticate(ctx context.Context, c *connection.Connection) <-chan error {
	out := make(chan error, 1)
	if len(a.Priv) != ed25519.PrivateKeySize {
		out <- errors.New("auth: missing ed25519 private key")
		return out
	}
	res := make(chan error, 1)
	if err := connection.Register(c, func(conn *connection.Connection, ack HelloAck) {
		if ack.OK {
			conn.SetAuthenticated()
			deliver(res, nil)
			return
		}
		deliver(res, fmt.Errorf("auth: rejected: %s", ack.Reason))
	}, false); err != nil {
		out <- err
		return out
	}

	hello, err := BuildHello(a.NodeName, a.Priv)
	if err != nil {
		connection.Unregister[HelloAck](c)
		out <- err
		return out
	}
	if err := c.Send(hello, transport.Reliable); err != nil {
		connection.Unregister[HelloAck](c)
		out <- err
		return out
	}

	go func() {
		defer connection.Unregister[HelloAck](c)
		out <- a.wait(ctx, c, res)
	}()
	return out
}

// OnServerAuthenticate installs the hello handler and reports the verdict
// asynchronously once a fresh, correctly signed hello arrives.
func (a *HelloAuthenticator) OnServerAuthenticate(ctx context.Context, c *connection.Connection) <-chan error {
	out := make(chan error, 1)
	res := make(chan error, 1)
	if err := connection.Register(c, func(conn *connection.Connection, h Hello) {
		name, err := VerifyHello(h, a.MaxSkew)
		if err != nil {
			_ = conn.Send(HelloAck{OK: false, Reason: err.Error()}, transport.Reliable)
			deliver(res, err)
			return
		}
		conn.SetAuthenticated()
		zap.L().Info("peer authenticated", zap.String("conn", conn.ID()), zap.String("peer", name))
		if err := conn.Send(HelloAck{OK: true}, transport.Reliable); err != nil {
			deliver(res, err)
			return
		}
		deliver(res, nil)
	}, false); err != nil {
		out <- err
		return out
	}

	go func() {
		defer connection.Unregister[Hello](c)
		out <- a.wait(ctx, c, res)
	}()
	return out
}

// deliver is non-blocking: only the first verdict counts, and the read
// loop must never block on a duplicate hello.
func deliver(res chan<- error, err error) {
	select {
	case res <- err:
	default:
	}
}

func (a *HelloAuthenticator) wait(ctx context.Context, c *connection.Connection, res <-chan error) error {
	t := time.NewTimer(a.timeout())
	defer t.Stop()
	select {
	case err := <-res:
		return err
	case <-t.C:
		return errors.New("auth: hello timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return errors.New("auth: connection closed during handshake")
	}
}

// BuildHello constructs a Hello and signs it with the ed25519 private key.
func BuildHello(nodeName string, priv ed25519.PrivateKey) (Hello, error) {
	pub := priv.Public().(ed25519.PublicKey)
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Hello{}, err
	}
	h := Hello{
		Version:   1,
		NodeName:  nodeName,
		Alg:       "ed25519",
		PubKey:    append([]byte(nil), pub...),
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
	h.Sig = ed25519.Sign(priv, helloTranscript(h))
	return h, nil
}

// VerifyHello verifies signature and basic freshness. Returns the peer name.
func VerifyHello(h Hello, maxSkew time.Duration) (string, error) {
	if h.Alg != "ed25519" {
		return "", fmt.Errorf("unsupported alg: %s", h.Alg)
	}
	if len(h.PubKey) != ed25519.PublicKeySize {
		return "", errors.New("bad pubkey length")
	}
	if len(h.Sig) != ed25519.SignatureSize {
		return "", errors.New("bad signature length")
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	now := time.Now().UnixMilli()
	if dt := now - h.Timestamp; dt > int64(maxSkew/time.Millisecond) || dt < -int64(maxSkew/time.Millisecond) {
		return "", errors.New("hello timestamp out of bounds")
	}
	if !ed25519.Verify(ed25519.PublicKey(h.PubKey), helloTranscript(h), h.Sig) {
		return "", errors.New("hello signature invalid")
	}
	return h.NodeName, nil
}

// helloTranscript builds the canonical byte string signed by the client.
// Format:
//
//	mirrorng:hello|v=1|alg=<alg>|ts=<unix_ms>|pub=<b64url>|nonce=<b64url>|name=<nodeName>
func helloTranscript(h Hello) []byte {
	b64 := base64.RawURLEncoding
	var sb strings.Builder
	sb.Grow(64 + len(h.NodeName))
	sb.WriteString("mirrorng:hello|v=1|alg=")
	sb.WriteString(strings.ToLower(strings.TrimSpace(h.Alg)))
	sb.WriteString("|ts=")
	sb.WriteString(strconv.FormatInt(h.Timestamp, 10))
	sb.WriteString("|pub=")
	sb.WriteString(b64.EncodeToString(h.PubKey))
	sb.WriteString("|nonce=")
	sb.WriteString(b64.EncodeToString(h.Nonce))
	sb.WriteString("|name=")
	sb.WriteString(h.NodeName)
	return []byte(sb.String())
}
