package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/superpowers/superpowers-core-sub000/pkg/client"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flags := pflag.NewFlagSet("sync-client", pflag.ContinueOnError)
	addr := flags.String("addr", "127.0.0.1:8080", "the address of the sync server")
	projectName := flags.String("project", "default", "the project to open")
	useCBOR := flags.Bool("cbor", false, "exchange binary CBOR frames instead of JSON")
	addEntry := flags.String("add", "", "add a folder with this name once connected")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	u := (&url.URL{Scheme: "ws", Host: *addr}).JoinPath("projects", *projectName, "ws")
	dialer := *websocket.DefaultDialer
	if *useCBOR {
		dialer.Subprotocols = []string{protocol.CBORSubprotocol}
	}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer ws.Close()

	conn := protocol.NewConn(ws, slog.Default())
	session := client.NewSession(conn.Send, nil, slog.Default())
	session.OnChange = func(event string, args []any) {
		slog.Info("changed", "event", event, "args", args)
		logTree(session)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := session.Subscribe("manifest", "", func(ack []any, err error) {
		if err != nil {
			slog.Error("failed to subscribe to manifest", "err", err)
			return
		}
		slog.Info("subscribed to manifest", "manifest", ack[0])
	}); err != nil {
		return err
	}
	if err := session.Subscribe("entries", "", func(_ []any, err error) {
		if err != nil {
			slog.Error("failed to subscribe to entries", "err", err)
			cancel()
			return
		}
		logTree(session)
		if *addEntry == "" {
			return
		}
		_ = session.Request("add:entries", []any{map[string]any{"name": *addEntry}, nil, nil}, func(ack []any, err error) {
			if err != nil {
				slog.Error("failed to add entry", "err", err)
				return
			}
			slog.Info("added entry", "id", ack[0])
		})
	}); err != nil {
		return err
	}

	return conn.Run(ctx, func(frame protocol.Frame) {
		if err := session.Handle(frame); err != nil {
			slog.Error("failed to handle frame", "frame", frame.String(), "err", err)
		}
	})
}

// logTree prints every entry with its path.
func logTree(session *client.Session) {
	entries := session.Entries()
	if entries == nil {
		return
	}
	var walk func(nodes []any)
	walk = func(nodes []any) {
		for _, raw := range nodes {
			node, _ := raw.(map[string]any)
			id, _ := node["id"].(string)
			path, _ := entries.PathFromID(id)
			slog.Info("entry", "id", id, "path", path, "type", node["type"])
			if children, ok := node["children"].([]any); ok {
				walk(children)
			}
		}
	}
	walk(entries.Roots())
}
