// Command haipc is a minimal demonstration client: it dials a HAIP server,
// starts a run, calls a tool, and prints every inbound event until the
// connection closes. Grounded on the server binary's flag-parsing and
// signal-driven shutdown shape; the teacher's own client/main.go wires a
// desktop GUI shell (wails) that has no bearing on a protocol-level demo.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"haip.dev/engine/client"
)

func main() {
	url := flag.String("url", "ws://localhost:8443/haip/websocket", "HAIP websocket endpoint")
	session := flag.String("session", "", "session id to resume, if any")
	lastSeq := flag.Uint64("last-seq", 0, "last received seq, for resume")
	threadID := flag.String("thread", "demo-thread", "thread id to start a run on")
	tool := flag.String("tool", "echo", "tool name to call after the run starts")
	params := flag.String("params", `{"message":"hello"}`, "JSON tool params")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("[haipc] invalid -log-level %q: %v", *logLevel, err)
	}
	slog.SetLogLoggerLevel(level)

	var toolParams map[string]any
	if err := json.Unmarshal([]byte(*params), &toolParams); err != nil {
		log.Fatalf("[haipc] invalid -params: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	c, err := client.Dial(dialCtx, *url, *session, *lastSeq, client.DefaultConfig)
	if err != nil {
		log.Fatalf("[haipc] dial: %v", err)
	}
	defer c.Close()
	slog.Info("haipc: connected", "session", c.SessionID(), "version", c.NegotiatedVersion())

	if err := c.StartRun(*threadID, nil); err != nil {
		log.Fatalf("[haipc] start run: %v", err)
	}
	if err := c.CallTool(*threadID+"-call-1", *tool, toolParams, ""); err != nil {
		log.Fatalf("[haipc] call tool: %v", err)
	}

	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				slog.Info("haipc: connection closed")
				return
			}
			slog.Info("haipc: event", "type", ev.Envelope.Type, "channel", ev.Envelope.Channel, "payload", string(ev.Envelope.Payload))
		case <-c.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
