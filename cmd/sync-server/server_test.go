package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/superpowers/superpowers-core-sub000/pkg/clock"
	"github.com/superpowers/superpowers-core-sub000/pkg/project"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
)

func TestServerSyncsOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := project.NewHub(t.TempDir(), project.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer hub.Close()
	s := &server{hub: hub, ctx: ctx}
	httpServer := httptest.NewServer(s.router())
	defer httpServer.Close()

	for _, subprotocol := range []string{"", protocol.CBORSubprotocol} {
		t.Run("subprotocol="+subprotocol, func(t *testing.T) {
			dialer := *websocket.DefaultDialer
			if subprotocol != "" {
				dialer.Subprotocols = []string{subprotocol}
			}
			u := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/projects/demo" + subprotocol + "/ws"
			ws, _, err := dialer.Dial(u, nil)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer ws.Close()
			codec := protocol.ForSubprotocol(ws.Subprotocol())

			call := func(seq uint64, event string, args ...any) []protocol.Frame {
				data, err := codec.Encode(protocol.Request(seq, event, args...))
				assert.Equal(t, nil, err)
				assert.Equal(t, nil, ws.WriteMessage(codec.MessageType(), data))
				var frames []protocol.Frame
				_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
				for {
					_, data, err := ws.ReadMessage()
					if err != nil {
						t.Fatalf("ReadMessage: %v", err)
					}
					frame, err := codec.Decode(data)
					assert.Equal(t, nil, err)
					frames = append(frames, frame)
					if frame.Event == protocol.AckEvent && frame.Seq == seq {
						return frames
					}
				}
			}

			frames := call(1, "subscribe", "entries")
			assert.Equal(t, 1, len(frames))
			assert.Equal(t, "", frames[0].Error)

			frames = call(2, "add:entries", map[string]any{"name": "Foo"}, nil, 0)
			assert.Equal(t, 2, len(frames))
			assert.Equal(t, "add:entries", frames[0].Event)
			assert.Equal(t, []any{"0"}, frames[1].Args)

			frames = call(3, "subscribe", "entries")
			assert.Equal(t, "already subscribed to entries", frames[0].Error)

			resp, err := http.Get(httpServer.URL + "/projects/demo" + subprotocol + "/entries")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			var entries []map[string]any
			assert.Equal(t, nil, json.NewDecoder(resp.Body).Decode(&entries))
			assert.Equal(t, 1, len(entries))
			assert.Equal(t, "Foo", entries[0]["name"])
		})
	}
}

func TestServerRejectsInvalidProjectNames(t *testing.T) {
	hub := project.NewHub(t.TempDir(), project.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer hub.Close()
	s := &server{hub: hub, ctx: context.Background()}
	httpServer := httptest.NewServer(s.router())
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/projects/.hidden/entries")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPersistEveryTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := clock.Fake(time.Unix(0, 0))
	var calls atomic.Int32
	persisted := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		persistEvery(ctx, fake, time.Minute, func() error {
			calls.Add(1)
			persisted <- struct{}{}
			return nil
		})
	}()

	for fake.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	fake.Advance(30 * time.Second)
	assert.Equal(t, int32(0), calls.Load())
	for i := 0; i < 2; i++ {
		fake.Advance(time.Minute)
		select {
		case <-persisted:
		case <-time.After(5 * time.Second):
			t.Fatal("expected a persist")
		}
	}
	assert.Equal(t, int32(2), calls.Load())

	cancel()
	<-done
	assert.Equal(t, 0, fake.Pending())
}
