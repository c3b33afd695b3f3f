package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/client"
	"github.com/uweenukr/mirrorng/pkg/config"
	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/netstack"
	"github.com/uweenukr/mirrorng/pkg/observability"
	"github.com/uweenukr/mirrorng/pkg/protocol"
	"github.com/uweenukr/mirrorng/pkg/server"
	"github.com/uweenukr/mirrorng/pkg/transport"
)

// mirrorng-host runs both roles in one process: the server listens for
// remote peers while a local client attaches through a memory pipe and
// participates with identical message semantics.
func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	fs := flag.NewFlagSet("mirrorng-host", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	name := fs.String("name", "host", "sender name stamped on echo messages")
	msg := fs.String("message", "host up", "echo message the local client sends at start")
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

	zap.L().Info("mirrorng-host started", zap.String("app", cfg.AppName))

	srv, kv, err := netstack.NewServer(*cfg)
	if err != nil {
		zap.L().Error("failed to build server", zap.Error(err))
		return 1
	}
	defer kv.Close()

	_ = server.RegisterHandler(srv, func(c *connection.Connection, p protocol.Ping) {
		c.SendAsync(protocol.Pong{Seq: p.Seq, SentUnix: p.SentUnix, ReplyUnix: time.Now().UnixMilli()}, transport.Reliable)
	}, false)
	_ = server.RegisterHandler(srv, func(c *connection.Connection, e protocol.Echo) {
		if err := srv.SendToAll(protocol.EchoReply{
			From:     e.From,
			Text:     e.Text,
			ServerAt: time.Now().UnixMilli(),
		}, transport.Reliable); err != nil {
			zap.L().Warn("broadcast failed", zap.Error(err))
		}
	}, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Listen(ctx); err != nil {
		zap.L().Error("listen failed", zap.Error(err))
		return 1
	}

	// The local client authenticates over the pipe exactly as a remote
	// peer would over the network.
	ath, err := netstack.NewAuthenticator(cfg.Auth, cfg.AppName+"-local")
	if err != nil {
		zap.L().Error("failed to build authenticator", zap.Error(err))
		return 1
	}
	local := client.New(client.Options{Authenticator: ath})
	_ = client.RegisterHandler(local, func(_ *connection.Connection, r protocol.EchoReply) {
		fmt.Printf("[%s] %s\n", r.From, r.Text)
	}, false)

	local.Authenticated.Subscribe("main", func(*connection.Connection) {
		if err := local.Send(protocol.Echo{From: *name, Text: *msg}, transport.Reliable); err != nil {
			zap.L().Warn("send failed", zap.Error(err))
		}
	})

	if err := local.ConnectHost(ctx, srv); err != nil {
		zap.L().Error("host attach failed", zap.Error(err))
		srv.Disconnect()
		return 1
	}

	<-ctx.Done()
	zap.L().Info("shutting down")
	local.Disconnect()
	srv.Disconnect()
	srv.Wait()
	return 0
}
