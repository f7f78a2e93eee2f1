// Command haipd runs a HAIP engine behind the three HTTP-rooted transport
// endpoints (spec §6.2), grounded on the teacher's server/main.go flag
// parsing and graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"haip.dev/engine/internal/auth"
	"haip.dev/engine/internal/engine"
	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/toolmanager"
	"haip.dev/engine/server"
	"haip.dev/engine/tool/echotool"
	"haip.dev/engine/tool/longjob"
)

func main() {
	host := flag.String("host", server.DefaultConfig.Host, "listen host")
	port := flag.Int("port", server.DefaultConfig.Port, "listen port")
	heartbeatInterval := flag.Duration("heartbeat-interval", server.DefaultConfig.HeartbeatInterval, "idle time before a PING is sent")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", server.DefaultConfig.HeartbeatTimeout, "time to wait for traffic after a PING before closing the transport")
	handshakeTimeout := flag.Duration("handshake-timeout", server.DefaultConfig.HandshakeTimeout, "time to wait for the initial HAI envelope")
	maxConcurrentRuns := flag.Int("max-concurrent-runs", server.DefaultConfig.MaxConcurrentRuns, "maximum concurrent runs per session")
	maxConnections := flag.Int("max-connections", server.DefaultConfig.MaxConnections, "maximum simultaneous open transports")
	connsPerSecond := flag.Float64("connections-per-second", server.DefaultConfig.ConnectionsPerSecond, "new-connection admission rate")
	replaySize := flag.Int("replay-window-size", server.DefaultConfig.ReplayWindow.MaxSize, "maximum retained outbound envelopes per session")
	replayAge := flag.Duration("replay-window-time", server.DefaultConfig.ReplayWindow.MaxAge, "minimum retention age for outbound envelopes")
	enableWSDuplex := flag.Bool("enable-wsduplex", true, "enable the duplex WebSocket transport")
	enableSSEPush := flag.Bool("enable-ssepush", true, "enable the SSE push+post transport")
	enableChunked := flag.Bool("enable-chunked", true, "enable the bidirectional chunked HTTP transport")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	devToken := flag.String("dev-token", "", "if set, require this bearer token (subject \"dev\") on every transport-opening request")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("[haipd] invalid -log-level %q: %v", *logLevel, err)
	}
	slog.SetLogLoggerLevel(level)

	cfg := server.DefaultConfig
	cfg.Host = *host
	cfg.Port = *port
	cfg.HeartbeatInterval = *heartbeatInterval
	cfg.HeartbeatTimeout = *heartbeatTimeout
	cfg.HandshakeTimeout = *handshakeTimeout
	cfg.MaxConcurrentRuns = *maxConcurrentRuns
	cfg.MaxConnections = *maxConnections
	cfg.ConnectionsPerSecond = *connsPerSecond
	cfg.ReplayWindow.MaxSize = *replaySize
	cfg.ReplayWindow.MaxAge = *replayAge
	cfg.EnableWSDuplex = *enableWSDuplex
	cfg.EnableSSEPush = *enableSSEPush
	cfg.EnableChunked = *enableChunked
	if *devToken != "" {
		cfg.Auth = auth.NewStaticValidator(map[string]string{*devToken: "dev"})
	}

	registry := toolmanager.NewRegistry()
	registry.Register(echotool.Tool)
	registry.Register(longjob.Tool)

	observer := engine.Observer{
		OnConnect:    func(sessionID string) { slog.Info("session connected", "session", sessionID) },
		OnDisconnect: func(sessionID, reason string) { slog.Info("session disconnected", "session", sessionID, "reason", reason) },
		OnHandshake: func(sessionID string, resumed bool) {
			slog.Info("session handshake", "session", sessionID, "resumed", resumed)
		},
		OnError: func(sessionID string, perr *protocol.ProtoError) {
			slog.Warn("session protocol error", "session", sessionID, "err", perr.Error())
		},
	}

	srv := server.New(cfg, registry, observer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("haipd: shutting down")
		cancel()
	}()

	slog.Info("haipd: listening", "host", cfg.Host, "port", cfg.Port)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[haipd] %v", err)
	}
}
