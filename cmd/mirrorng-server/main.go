package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uweenukr/mirrorng/pkg/config"
	"github.com/uweenukr/mirrorng/pkg/connection"
	"github.com/uweenukr/mirrorng/pkg/netstack"
	"github.com/uweenukr/mirrorng/pkg/observability"
	"github.com/uweenukr/mirrorng/pkg/protocol"
	"github.com/uweenukr/mirrorng/pkg/server"
	"github.com/uweenukr/mirrorng/pkg/transport"
)

func main() { os.Exit(run(os.Args[1:])) }

func run(args []string) int {
	fs := flag.NewFlagSet("mirrorng-server", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
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

	zap.L().Info("mirrorng-server started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	srv, kv, err := netstack.NewServer(*cfg)
	if err != nil {
		zap.L().Error("failed to build server", zap.Error(err))
		return 1
	}
	defer kv.Close()

	wireHandlers(srv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.MetricsAddress != "" {
		observability.ServeMetrics(ctx, cfg.Server.MetricsAddress)
	}

	if err := srv.Listen(ctx); err != nil {
		zap.L().Error("listen failed", zap.Error(err))
		return 1
	}

	<-ctx.Done()
	zap.L().Info("shutting down")
	srv.Disconnect()
	srv.Wait()
	return 0
}

func wireHandlers(srv *server.Server) {
	_ = server.RegisterHandler(srv, func(c *connection.Connection, p protocol.Ping) {
		c.SendAsync(protocol.Pong{
			Seq:       p.Seq,
			SentUnix:  p.SentUnix,
			ReplyUnix: time.Now().UnixMilli(),
		}, transport.Reliable)
	}, false)

	_ = server.RegisterHandler(srv, func(c *connection.Connection, e protocol.Echo) {
		zap.L().Info("echo", zap.String("from", e.From), zap.String("text", e.Text))
		if err := srv.SendToAll(protocol.EchoReply{
			From:     e.From,
			Text:     e.Text,
			ServerAt: time.Now().UnixMilli(),
		}, transport.Reliable); err != nil {
			zap.L().Warn("broadcast failed", zap.Error(err))
		}
	}, true)

	srv.Connected.Subscribe("log", func(c *connection.Connection) {
		zap.L().Info("connected", zap.String("conn", c.ID()))
	})
	srv.Disconnected.Subscribe("log", func(c *connection.Connection) {
		zap.L().Info("disconnected", zap.String("conn", c.ID()))
	})
}
