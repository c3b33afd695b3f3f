package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/transport"
	"github.com/uweenukr/mirrorng/pkg/transport/mem"
)

func genKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestBuildVerifyHello(t *testing.T) {
	priv := genKey(t)
	h, err := BuildHello("node-a", priv)
	require.NoError(t, err)

	name, err := VerifyHello(h, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "node-a", name)
}

func TestVerifyHelloRejectsTampering(t *testing.T) {
	priv := genKey(t)

	h, err := BuildHello("node-a", priv)
	require.NoError(t, err)
	h.NodeName = "impostor"
	_, err = VerifyHello(h, time.Minute)
	require.Error(t, err)

	h2, err := BuildHello("node-b", priv)
	require.NoError(t, err)
	h2.Sig[0] ^= 0xFF
	_, err = VerifyHello(h2, time.Minute)
	require.Error(t, err)
}

func TestVerifyHelloRejectsStaleTimestamp(t *testing.T) {
	priv := genKey(t)
	h, err := BuildHello("node-a", priv)
	require.NoError(t, err)
	h.Timestamp -= 10 * 60 * 1000
	// Re-sign so only freshness fails, not the signature.
	h.Sig = ed25519.Sign(priv, helloTranscript(h))
	_, err = VerifyHello(h, time.Minute)
	require.Error(t, err)
}

func TestVerifyHelloRejectsBadAlg(t *testing.T) {
	priv := genKey(t)
	h, err := BuildHello("node-a", priv)
	require.NoError(t, err)
	h.Alg = "rsa"
	_, err = VerifyHello(h, time.Minute)
	require.Error(t, err)
}

// runExchange drives both sides of the hello handshake over a pipe.
func runExchange(t *testing.T, serverAuth, clientAuth Authenticator) (serverErr, clientErr error) {
	t.Helper()
	chC, chS := mem.Pipe(t.Name())
	cliConn := connection.New(chC, connection.WithTransportKind(transport.KindMem))
	srvConn := connection.New(chS, connection.WithTransportKind(transport.KindMem))
	t.Cleanup(func() {
		cliConn.Disconnect()
		srvConn.Disconnect()
	})

	ctx := context.Background()
	srvVerdict := serverAuth.OnServerAuthenticate(ctx, srvConn)
	cliVerdict := clientAuth.OnClientAuthenticate(ctx, cliConn)
	go srvConn.ProcessMessages(ctx)
	go cliConn.ProcessMessages(ctx)

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case serverErr = <-srvVerdict:
			srvVerdict = nil
		case clientErr = <-cliVerdict:
			cliVerdict = nil
		case <-timeout:
			t.Fatalf("handshake did not resolve")
		}
	}
	return serverErr, clientErr
}

func TestHelloExchangeAccepts(t *testing.T) {
	a := &HelloAuthenticator{Priv: genKey(t), NodeName: "client", Timeout: 3 * time.Second}
	srvErr, cliErr := runExchange(t, a, a)
	require.NoError(t, srvErr)
	require.NoError(t, cliErr)
}

func TestHelloExchangeTimesOutWithoutHello(t *testing.T) {
	chC, chS := mem.Pipe(t.Name())
	srvConn := connection.New(chS)
	t.Cleanup(func() { srvConn.Disconnect(); _ = chC.Close() })

	a := &HelloAuthenticator{Priv: genKey(t), NodeName: "server", Timeout: 100 * time.Millisecond}
	verdict := a.OnServerAuthenticate(context.Background(), srvConn)
	go srvConn.ProcessMessages(context.Background())

	select {
	case err := <-verdict:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("verdict never arrived")
	}
}

func TestClientWithoutKeyFailsFast(t *testing.T) {
	chC, _ := mem.Pipe(t.Name())
	c := connection.New(chC)
	t.Cleanup(c.Disconnect)

	a := &HelloAuthenticator{NodeName: "client"}
	err := <-a.OnClientAuthenticate(context.Background(), c)
	require.Error(t, err)
}

func TestNoneAcceptsImmediately(t *testing.T) {
	chC, _ := mem.Pipe(t.Name())
	c := connection.New(chC)
	t.Cleanup(c.Disconnect)

	err := <-None{}.OnClientAuthenticate(context.Background(), c)
	require.NoError(t, err)
	require.True(t, c.IsAuthenticated())
}
