package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/client"
	"github.com/uweenukr/mirrorng/pkg/config"
	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/netstack"
	"github.com/uweenukr/mirrorng/pkg/observability"
	"github.com/uweenukr/mirrorng/pkg/protocol"
	"github.com/uweenukr/mirrorng/pkg/transport"
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	fs := flag.NewFlagSet("mirrorng-client", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	name := fs.String("name", "client", "sender name stamped on echo messages")
	msg := fs.String("message", "hello mirrorng", "echo message to send once connected")
	pingEvery := fs.Duration("ping", 2*time.Second, "ping interval (0 disables)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cli, err := netstack.NewClient(*cfg)
	if err != nil {
		zap.L().Error("failed to build client", zap.Error(err))
		return 1
	}

	_ = client.RegisterHandler(cli, func(_ *connection.Connection, r protocol.EchoReply) {
		fmt.Printf("[%s] %s\n", r.From, r.Text)
	}, false)
	_ = client.RegisterHandler(cli, func(_ *connection.Connection, p protocol.Pong) {
		rtt := time.Now().UnixMilli() - p.SentUnix
		zap.L().Debug("pong", zap.Uint64("seq", p.Seq), zap.Int64("rtt_ms", rtt))
	}, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe before dialing so the auth verdict cannot slip past.
	authed := make(chan struct{})
	var authOnce sync.Once
	cli.Authenticated.Subscribe("main", func(*connection.Connection) {
		authOnce.Do(func() { close(authed) })
	})

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Client.DialTimeoutMS)*time.Millisecond)
	err = cli.Connect(dialCtx, cfg.Transport.Address)
	cancel()
	if err != nil {
		zap.L().Error("connect failed", zap.Error(err))
		return 1
	}

	select {
	case <-authed:
	case <-ctx.Done():
		cli.Disconnect()
		return 0
	case <-time.After(time.Duration(cfg.Auth.TimeoutMS) * time.Millisecond):
		zap.L().Error("authentication timed out")
		cli.Disconnect()
		return 1
	}

	if err := cli.Send(protocol.Echo{From: *name, Text: *msg}, transport.Reliable); err != nil {
		zap.L().Error("send failed", zap.Error(err))
	}

	// Unreliable pings exercise the datagram class where the transport
	// has one; tcp has no unreliable class so pings ride reliable there.
	pingKind := transport.Reliable
	if cfg.Transport.Kind == "quic" || cfg.Transport.Kind == "mem" {
		pingKind = transport.Unreliable
	}
	if *pingEvery > 0 {
		go func() {
			t := time.NewTicker(*pingEvery)
			defer t.Stop()
			var seq uint64
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					seq++
					cli.SendAsync(protocol.Ping{Seq: seq, SentUnix: time.Now().UnixMilli()}, pingKind)
				}
			}
		}()
	}

	<-ctx.Done()
	cli.Disconnect()
	return 0
}
