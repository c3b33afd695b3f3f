// Package netstack assembles transports, authenticators, and the
// server/client roles from configuration.
package netstack

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/uweenukr/mirrorng/pkg/auth"
	"github.com/uweenukr/mirrorng/pkg/client"
	"github.com/uweenukr/mirrorng/pkg/config"
	"github.com/uweenukr/mirrorng/pkg/message/codec"
	"github.com/uweenukr/mirrorng/pkg/server"
	"github.com/uweenukr/mirrorng/pkg/statstore"
	"github.com/uweenukr/mirrorng/pkg/transport"
	"github.com/uweenukr/mirrorng/pkg/transport/mem"
	"github.com/uweenukr/mirrorng/pkg/transport/quic"
	"github.com/uweenukr/mirrorng/pkg/transport/tcp"
)

var codecs = codec.NewRegistry()

// NewCodec resolves the wire codec named by config. Both roles of a
// deployment must pick the same one; the type-key framing does not carry
// the body encoding.
func NewCodec(name string) (codec.Codec, error) {
	var ct string
	switch name {
	case "", "cbor":
		ct = "application/cbor"
	case "json":
		ct = "application/json"
	case "proto":
		ct = "application/x-protobuf"
	default:
		return nil, fmt.Errorf("netstack: unknown codec %q", name)
	}
	return codecs.Get(ct), nil
}

// NewByKind constructs a transport from its config name.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return tcp.New(), nil
	case "quic":
		return quic.New(), nil
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("netstack: unknown transport kind %q", kind)
	}
}

// NewAuthenticator constructs the authenticator named by config. Hello
// mode generates an ephemeral ed25519 identity for the process.
func NewAuthenticator(cfg config.AuthConfig, nodeName string) (auth.Authenticator, error) {
	switch cfg.Mode {
	case "", "none":
		return auth.None{}, nil
	case "hello":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("netstack: generate identity: %w", err)
		}
		return &auth.HelloAuthenticator{
			Priv:     priv,
			NodeName: nodeName,
			MaxSkew:  time.Duration(cfg.MaxSkewMS) * time.Millisecond,
			Timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		}, nil
	default:
		return nil, fmt.Errorf("netstack: unknown auth mode %q", cfg.Mode)
	}
}

// NewServer assembles the listening role from config, backed by a stats
// sink the caller owns (close it after server teardown).
func NewServer(cfg config.Config) (*server.Server, *statstore.Store, error) {
	tr, err := NewByKind(cfg.Transport.Kind)
	if err != nil {
		return nil, nil, err
	}
	ath, err := NewAuthenticator(cfg.Auth, cfg.AppName)
	if err != nil {
		return nil, nil, err
	}
	cd, err := NewCodec(cfg.Transport.Codec)
	if err != nil {
		return nil, nil, err
	}
	kv := statstore.New(statstore.Options{})
	srv := server.New(server.Options{
		Transport:      tr,
		Address:        cfg.Transport.Address,
		MaxConnections: cfg.Server.MaxConnections,
		Authenticator:  ath,
		Stats:          statstore.NewConnections(kv),
		Codec:          cd,
	})
	return srv, kv, nil
}

// NewClient assembles the dialing role from config.
func NewClient(cfg config.Config) (*client.Client, error) {
	tr, err := NewByKind(cfg.Transport.Kind)
	if err != nil {
		return nil, err
	}
	ath, err := NewAuthenticator(cfg.Auth, cfg.AppName)
	if err != nil {
		return nil, err
	}
	cd, err := NewCodec(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{
		Transport:     tr,
		Authenticator: ath,
		Codec:         cd,
	}), nil
}
