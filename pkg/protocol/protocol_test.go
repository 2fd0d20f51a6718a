package protocol

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
)

func TestCodecsDecodeToPlainState(t *testing.T) {
	frame := Broadcast("add:entries", map[string]any{"id": "0", "name": "Foo", "children": []any{}}, nil, 0)
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(frame)
			assert.Equal(t, nil, err)
			decoded, err := codec.Decode(data)
			assert.Equal(t, nil, err)

			assert.Equal(t, "add:entries", decoded.Event)
			entry, ok := decoded.Args[0].(map[string]any)
			assert.Equal(t, true, ok)
			assert.Equal(t, "Foo", entry["name"])
			assert.Equal(t, nil, decoded.Args[1])
			index, err := ArgIndex(decoded.Args, 2)
			assert.Equal(t, nil, err)
			assert.Equal(t, 0, index)
		})
	}
}

func TestArgs(t *testing.T) {
	args := []any{"x", nil, 2.0, 2.5, map[string]any{}}

	s, err := ArgString(args, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, "x", s)
	_, err = ArgString(args, 1)
	assert.NotEqual(t, nil, err)

	parent, err := ArgOptionalString(args, 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, "", parent)

	index, _ := ArgIndex(args, 1)
	assert.Equal(t, -1, index)
	index, _ = ArgIndex(args, 9)
	assert.Equal(t, -1, index)
	index, _ = ArgIndex(args, 2)
	assert.Equal(t, 2, index)
	_, err = ArgIndex(args, 3)
	assert.NotEqual(t, nil, err)
	for _, huge := range []any{1e300, -1e300, math.Inf(1), float64(math.MaxInt32) + 1} {
		_, err = ArgIndex([]any{huge}, 0)
		assert.NotEqual(t, nil, err)
	}
	index, err = ArgIndex([]any{float64(math.MaxInt32)}, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, math.MaxInt32, index)

	_, err = ArgMap(args, 4)
	assert.Equal(t, nil, err)

	command, endpoint := SplitEvent("edit:assets")
	assert.Equal(t, "edit", command)
	assert.Equal(t, "assets", endpoint)
	assert.Equal(t, nil, OptionalID(""))
}

func TestTreeCommandRoundTrip(t *testing.T) {
	commands := []replica.Command{
		replica.Add{Item: map[string]any{"id": "1", "name": "a"}, Index: 0},
		replica.Move{ID: "1", ParentID: "2", Index: 3},
		replica.Remove{ID: "1"},
		replica.SetProperty{ID: "1", Path: "name", Value: "b"},
	}
	verbs := []string{"add", "move", "remove", "setProperty"}
	for i, cmd := range commands {
		decoded, err := TreeCommand(verbs[i], TreeArgs(cmd))
		assert.Equal(t, nil, err)
		assert.Equal(t, cmd, decoded)
	}

	_, err := TreeCommand("explode", nil)
	assert.Equal(t, "unknown tree command: explode", err.Error())
	_, err = TreeCommand("move", []any{"1", nil, 1.5})
	assert.Equal(t, "argument 2 must be an integer index", err.Error())
}

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{CBORSubprotocol}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := NewConn(ws, slog.Default())
		_ = conn.Run(r.Context(), func(frame Frame) {
			_ = conn.Send(Ack(frame.Seq, frame.Args...))
		})
	}))
	defer server.Close()

	for _, subprotocols := range [][]string{nil, {CBORSubprotocol}} {
		dialer := websocket.Dialer{Subprotocols: subprotocols}
		ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn := NewConn(ws, slog.Default())

		received := make(chan Frame, 1)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- conn.Run(ctx, func(frame Frame) { received <- frame }) }()

		assert.Equal(t, nil, conn.Send(Request(7, "subscribe", "entries")))
		select {
		case frame := <-received:
			assert.Equal(t, AckEvent, frame.Event)
			assert.Equal(t, uint64(7), frame.Seq)
			assert.Equal(t, []any{"entries"}, frame.Args)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for ack")
		}

		cancel()
		assert.Equal(t, nil, <-done)
		assert.NotEqual(t, nil, conn.Send(Request(8, "subscribe", "manifest")))
	}
}
