package project

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/superpowers/superpowers-core-sub000/pkg/clock"
	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
	"github.com/superpowers/superpowers-core-sub000/pkg/storage"
)

type testPeer struct {
	id     string
	mu     sync.Mutex
	frames []protocol.Frame
}

func (tp *testPeer) ID() string { return tp.id }

func (tp *testPeer) Send(frame protocol.Frame) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.frames = append(tp.frames, frame)
	return nil
}

// take returns and forgets everything received so far.
func (tp *testPeer) take() []protocol.Frame {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	frames := tp.frames
	tp.frames = nil
	return frames
}

type harness struct {
	t     *testing.T
	dir   string
	p     *Project
	clock *clock.FakeClock
	seq   uint64
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()
	fake := clock.Fake(time.UnixMilli(1700000000000))
	options.Clock = fake
	if options.Background == nil {
		options.Background = func(f func()) { f() }
	}
	options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	p, err := Open(dir, "demo", options)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(p.Close)
	return &harness{t: t, dir: dir, p: p, clock: fake}
}

// settle waits until the loop has run everything posted so far, including
// work posted by that work.
func (h *harness) settle() {
	for i := 0; i < 5; i++ {
		if err := h.p.Do(func() {}); err != nil {
			h.t.Fatalf("Do: %v", err)
		}
	}
}

func (h *harness) connect(id string) (*Client, *testPeer) {
	peer := &testPeer{id: id}
	c := h.p.Connect(peer)
	h.settle()
	return c, peer
}

// request sends a request and returns its ack. Frames other than the ack
// stay queued on the peer.
func (h *harness) request(c *Client, peer *testPeer, event string, args ...any) protocol.Frame {
	h.t.Helper()
	h.seq++
	seq := h.seq
	c.Receive(protocol.Request(seq, event, args...))
	h.settle()

	peer.mu.Lock()
	defer peer.mu.Unlock()
	for i, frame := range peer.frames {
		if frame.Event == protocol.AckEvent && frame.Seq == seq {
			peer.frames = append(peer.frames[:i], peer.frames[i+1:]...)
			return frame
		}
	}
	h.t.Fatalf("no ack for %s#%d", event, seq)
	return protocol.Frame{}
}

func (h *harness) mustRequest(c *Client, peer *testPeer, event string, args ...any) []any {
	h.t.Helper()
	ack := h.request(c, peer, event, args...)
	if ack.Error != "" {
		h.t.Fatalf("%s failed: %s", event, ack.Error)
	}
	return ack.Args
}

func (h *harness) refs(endpoint, id string) int {
	var n int
	_ = h.p.Do(func() { n = h.p.caches[endpoint].RefCount(id) })
	return n
}

func (h *harness) resident(endpoint, id string) bool {
	var ok bool
	_ = h.p.Do(func() { ok = h.p.caches[endpoint].Resident(id) })
	return ok
}

func TestAddEntryIsBroadcastAndMirrored(t *testing.T) {
	h := newHarness(t, Options{})
	a, peerA := h.connect("a")
	b, peerB := h.connect("b")
	h.mustRequest(a, peerA, "subscribe", "entries")
	state := h.mustRequest(b, peerB, "subscribe", "entries")

	assert.Equal(t, 0, len(state[0].([]any)))
	local, err := replica.NewTreeByID(document.EntrySchema, nil)
	assert.Equal(t, nil, err)

	h.seq++
	a.Receive(protocol.Request(h.seq, "add:entries", map[string]any{"name": "Foo"}, nil, 0))
	h.settle()
	broadcastToA := peerA.take()

	assert.Equal(t, 2, len(broadcastToA))
	assert.Equal(t, "add:entries", broadcastToA[0].Event)
	assert.Equal(t, protocol.AckEvent, broadcastToA[1].Event)
	assert.Equal(t, []any{"0"}, broadcastToA[1].Args)

	frames := peerB.take()
	assert.Equal(t, 1, len(frames))
	add := frames[0]
	assert.Equal(t, "add:entries", add.Event)
	assert.Equal(t, map[string]any{"id": "0", "name": "Foo", "type": nil, "children": []any{}}, add.Args[0])
	assert.Equal(t, nil, add.Args[1])
	assert.Equal(t, 0, add.Args[2])

	err = local.Mirror(replica.Add{Item: add.Args[0].(map[string]any), Index: add.Args[2].(int)})
	assert.Equal(t, nil, err)
	node, ok := local.Get("0")
	assert.Equal(t, true, ok)
	assert.Equal(t, "Foo", node["name"])
	assert.Equal(t, "0", local.Roots()[0].(map[string]any)["id"])
}

func TestDoubleSubscribeIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	a, peer := h.connect("a")
	h.mustRequest(a, peer, "subscribe", "manifest")
	ack := h.request(a, peer, "subscribe", "manifest")
	assert.Equal(t, "already subscribed to manifest", ack.Error)

	h.mustRequest(a, peer, "subscribe", "rooms", "lobby")
	ack = h.request(a, peer, "subscribe", "rooms", "lobby")
	assert.Equal(t, "already subscribed to rooms:lobby", ack.Error)
	assert.Equal(t, 1, h.refs(document.Rooms, "lobby"))

	ack = h.request(a, peer, "unsubscribe", "entries")
	assert.Equal(t, "not subscribed to entries", ack.Error)
}

func TestFailedEditNeitherBroadcastsNorMutates(t *testing.T) {
	h := newHarness(t, Options{})
	a, peerA := h.connect("a")
	b, peerB := h.connect("b")
	id := h.mustRequest(a, peerA, "add:entries", map[string]any{"name": "Notes", "type": "text"}, nil, nil)[0].(string)
	h.mustRequest(a, peerA, "subscribe", "assets", id)
	h.mustRequest(b, peerB, "subscribe", "assets", id)
	peerA.take()
	peerB.take()

	ack := h.request(a, peerA, "edit:assets", id, "setProperty", "format", "html")
	assert.Equal(t, "invalid value for format: Invalid enum value: html", ack.Error)
	assert.Equal(t, 0, len(peerA.take()))
	assert.Equal(t, 0, len(peerB.take()))

	var format any
	_ = h.p.Do(func() {
		doc, _ := h.p.caches[document.Assets].Get(id)
		format = doc.State().(map[string]any)["format"]
	})
	assert.Equal(t, "plain", format)

	ack = h.request(a, peerA, "edit:assets", id, "setProperty", "content", "hello")
	assert.Equal(t, "", ack.Error)
	frames := peerB.take()
	assert.Equal(t, 1, len(frames))
	assert.Equal(t, "edit:assets", frames[0].Event)
	assert.Equal(t, []any{id, "setProperty", "content", "hello"}, frames[0].Args)
}

func TestDisconnectReleasesEverySubscriptionOnce(t *testing.T) {
	h := newHarness(t, Options{})
	a, peerA := h.connect("a")
	b, peerB := h.connect("b")
	id := h.mustRequest(a, peerA, "add:entries", map[string]any{"name": "Level", "type": "scene"}, nil, nil)[0].(string)

	for _, c := range []struct {
		client *Client
		peer   *testPeer
	}{{a, peerA}, {b, peerB}} {
		h.mustRequest(c.client, c.peer, "subscribe", "entries")
		h.mustRequest(c.client, c.peer, "subscribe", "assets", id)
		h.mustRequest(c.client, c.peer, "subscribe", "resources", "settings")
		h.mustRequest(c.client, c.peer, "subscribe", "rooms", "lobby")
	}
	assert.Equal(t, 2, h.refs(document.Assets, id))
	assert.Equal(t, 2, h.refs(document.Resources, "settings"))
	assert.Equal(t, 2, h.refs(document.Rooms, "lobby"))

	a.Disconnect()
	a.Disconnect()
	h.settle()

	assert.Equal(t, 1, h.refs(document.Assets, id))
	assert.Equal(t, 1, h.refs(document.Resources, "settings"))
	assert.Equal(t, 1, h.refs(document.Rooms, "lobby"))

	peerA.take()
	h.mustRequest(b, peerB, "edit:rooms", "lobby", "appendMessage", "anyone?")
	assert.Equal(t, 0, len(peerA.take()))
}

func TestEvictionSavesDocument(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: time.Minute, SaveDelay: time.Hour})
	a, peer := h.connect("a")
	h.mustRequest(a, peer, "subscribe", "rooms", "lobby")
	h.mustRequest(a, peer, "edit:rooms", "lobby", "appendMessage", "hello")
	h.mustRequest(a, peer, "unsubscribe", "rooms", "lobby")

	h.clock.Advance(30 * time.Second)
	h.settle()
	assert.Equal(t, true, h.resident(document.Rooms, "lobby"))

	h.clock.Advance(30 * time.Second)
	h.settle()
	assert.Equal(t, false, h.resident(document.Rooms, "lobby"))
	h.p.saver.Flush()

	state, err := h.p.files.Read("rooms/lobby.json")
	assert.Equal(t, nil, err)
	messages := state.([]any)
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "hello", messages[0].(map[string]any)["text"])
	assert.Equal(t, "a", messages[0].(map[string]any)["author"])

	// A second subscription reloads from disk.
	state = h.mustRequest(a, peer, "subscribe", "rooms", "lobby")[0]
	assert.Equal(t, 1, len(state.([]map[string]any)))
}

func TestEntryRules(t *testing.T) {
	h := newHarness(t, Options{})
	a, peer := h.connect("a")
	folder := h.mustRequest(a, peer, "add:entries", map[string]any{"name": "Sprites", "type": nil}, nil, nil)[0].(string)
	asset := h.mustRequest(a, peer, "add:entries", map[string]any{"name": "Hero", "type": "text"}, folder, nil)[0].(string)

	tests := []struct {
		name  string
		event string
		args  []any
		want  string
	}{
		{"slash in name", "add:entries", []any{map[string]any{"name": "a/b"}, nil, nil}, "entry name cannot contain slashes"},
		{"duplicate sibling", "add:entries", []any{map[string]any{"name": "Hero", "type": "text"}, folder, nil}, "an entry named Hero already exists"},
		{"asset parent", "add:entries", []any{map[string]any{"name": "x"}, asset, nil}, "invalid parent node id: " + asset},
		{"unknown type", "add:entries", []any{map[string]any{"name": "x", "type": "shader"}, nil, nil}, `no assets kind registered for "shader"`},
		{"client id", "add:entries", []any{map[string]any{"id": "7", "name": "x"}, nil, nil}, "entry ids are assigned by the server"},
		{"empty name", "add:entries", []any{map[string]any{"name": ""}, nil, nil}, "invalid value for name: String should have a length greater than or equal to 1"},
		{"immutable type", "setProperty:entries", []any{asset, "type", "scene"}, "invalid value for type: Immutable"},
		{"rename to sibling", "setProperty:entries", []any{folder, "name", "Sprites"}, ""},
		{"unknown entry", "remove:entries", []any{"99"}, "invalid entry id: 99"},
		{"into own subtree", "move:entries", []any{folder, folder, nil}, "cannot move node into itself or its descendants"},
		{"wrong endpoint", "add:manifest", []any{map[string]any{}}, errEntriesOnly.Error()},
		{"unknown event", "explode", nil, "unknown event: explode"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ack := h.request(a, peer, test.event, test.args...)
			assert.Equal(t, test.want, ack.Error)
		})
	}
}

func TestEntryIDsCannotEscapeTheProject(t *testing.T) {
	h := newHarness(t, Options{})
	a, peer := h.connect("a")
	for _, id := range []string{"../../escape", "..", "../escape"} {
		ack := h.request(a, peer, "add:entries", map[string]any{"id": id, "name": "x", "type": "text"}, nil, nil)
		assert.Equal(t, "entry ids are assigned by the server", ack.Error)
	}
	h.p.saver.Flush()
	for _, path := range []string{filepath.Join(h.dir, "..", "escape"), filepath.Join(h.dir, "..", "..", "escape")} {
		_, err := os.Stat(path)
		assert.Equal(t, true, os.IsNotExist(err))
	}

	_ = h.p.Do(func() { h.p.removeAsset("..") })
	h.p.saver.Flush()
	exists, _ := h.p.files.Exists(manifestKey)
	assert.Equal(t, true, exists)
	exists, _ = h.p.files.Exists(entriesKey)
	assert.Equal(t, true, exists)
}

func TestDocumentKeyRefusesUnsafeIDs(t *testing.T) {
	key, err := documentKey(document.Assets, "3")
	assert.Equal(t, nil, err)
	assert.Equal(t, "assets/3/asset.json", key)
	key, err = documentKey(document.Rooms, "lobby")
	assert.Equal(t, nil, err)
	assert.Equal(t, "rooms/lobby.json", key)

	for _, id := range []string{"", ".", "..", "../x", `a\b`} {
		_, err := documentKey(document.Assets, id)
		assert.NotEqual(t, nil, err)
		_, err = documentKey(document.Resources, id)
		assert.NotEqual(t, nil, err)
		_, err = assetDir(id)
		assert.NotEqual(t, nil, err)
	}
}

func TestUnsubscribeWhileLoadingAnswersTheSubscribe(t *testing.T) {
	var mu sync.Mutex
	var deferred []func()
	h := newHarness(t, Options{Background: func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		deferred = append(deferred, f)
	}})
	runDeferred := func() {
		mu.Lock()
		pending := deferred
		deferred = nil
		mu.Unlock()
		for _, f := range pending {
			f()
		}
		h.settle()
	}
	a, peer := h.connect("a")

	h.seq++
	first := h.seq
	a.Receive(protocol.Request(first, "subscribe", "resources", "settings"))
	h.settle()
	assert.Equal(t, 0, len(peer.take()))
	h.mustRequest(a, peer, "unsubscribe", "resources", "settings")

	runDeferred()
	frames := peer.take()
	assert.Equal(t, 1, len(frames))
	assert.Equal(t, first, frames[0].Seq)
	assert.Equal(t, "unsubscribed from resources settings before it finished loading", frames[0].Error)
	assert.Equal(t, 0, h.refs(document.Resources, "settings"))


	h.clock.Advance(time.Hour)
	h.settle()
	assert.Equal(t, false, h.resident(document.Resources, "settings"))

	h.seq++
	second := h.seq
	a.Receive(protocol.Request(second, "subscribe", "resources", "settings"))
	h.settle()
	h.mustRequest(a, peer, "unsubscribe", "resources", "settings")
	h.seq++
	third := h.seq
	a.Receive(protocol.Request(third, "subscribe", "resources", "settings"))
	h.settle()
	assert.Equal(t, 0, len(peer.take()))

	runDeferred()
	frames = peer.take()
	assert.Equal(t, 2, len(frames))
	assert.Equal(t, second, frames[0].Seq)
	assert.Equal(t, "unsubscribed from resources settings before it finished loading", frames[0].Error)
	assert.Equal(t, third, frames[1].Seq)
	assert.Equal(t, "", frames[1].Error)
	assert.Equal(t, 1, len(frames[1].Args))
	assert.Equal(t, 1, h.refs(document.Resources, "settings"))
}

func TestMoveAcknowledgesRequestedIndex(t *testing.T) {
	h := newHarness(t, Options{})
	a, peer := h.connect("a")
	for _, name := range []string{"A", "B", "C"} {
		h.mustRequest(a, peer, "add:entries", map[string]any{"name": name}, nil, nil)
	}
	index := h.mustRequest(a, peer, "move:entries", "0", nil, 3.0)[0]
	assert.Equal(t, 3, index)

	var names []string
	_ = h.p.Do(func() {
		for _, raw := range h.p.entries.Roots() {
			names = append(names, raw.(map[string]any)["name"].(string))
		}
	})
	assert.Equal(t, []string{"B", "C", "A"}, names)
}

func TestRemoveFolderRemovesItsAssets(t *testing.T) {
	h := newHarness(t, Options{})
	a, peerA := h.connect("a")
	b, peerB := h.connect("b")
	folder := h.mustRequest(a, peerA, "add:entries", map[string]any{"name": "Docs"}, nil, nil)[0].(string)
	asset := h.mustRequest(a, peerA, "add:entries", map[string]any{"name": "Readme", "type": "text"}, folder, nil)[0].(string)
	h.p.saver.Flush()
	exists, _ := h.p.files.Exists("assets/" + asset + "/asset.json")
	assert.Equal(t, true, exists)

	h.mustRequest(b, peerB, "subscribe", "assets", asset)
	peerB.take()

	h.mustRequest(a, peerA, "remove:entries", folder)
	frames := peerB.take()
	assert.Equal(t, 1, len(frames))
	assert.Equal(t, "remove:assets", frames[0].Event)
	assert.Equal(t, false, h.resident(document.Assets, asset))

	h.p.saver.Flush()
	exists, _ = h.p.files.Exists("assets/" + asset + "/asset.json")
	assert.Equal(t, false, exists)

	ack := h.request(b, peerB, "unsubscribe", "assets", asset)
	assert.Equal(t, "not subscribed to assets:"+asset, ack.Error)
}

func TestManifestSetProperty(t *testing.T) {
	h := newHarness(t, Options{})
	a, peer := h.connect("a")
	h.mustRequest(a, peer, "subscribe", "manifest")
	value := h.mustRequest(a, peer, "setProperty:manifest", "description", "A game")[0]
	assert.Equal(t, "A game", value)
	frames := peer.take()
	assert.Equal(t, "setProperty:manifest", frames[0].Event)

	ack := h.request(a, peer, "setProperty:manifest", "formatVersion", 2)
	assert.Equal(t, "invalid value for formatVersion: Immutable", ack.Error)
}

func TestCorruptDocumentOnlyFailsItself(t *testing.T) {
	h := newHarness(t, Options{})
	a, peer := h.connect("a")
	broken := h.mustRequest(a, peer, "add:entries", map[string]any{"name": "Broken", "type": "text"}, nil, nil)[0].(string)
	fine := h.mustRequest(a, peer, "add:entries", map[string]any{"name": "Fine", "type": "text"}, nil, nil)[0].(string)
	h.p.saver.Flush()
	path := filepath.Join(h.dir, "assets", broken, "asset.json")
	assert.Equal(t, nil, os.WriteFile(path, []byte(`{"content": 12}`), 0o644))

	ack := h.request(a, peer, "subscribe", "assets", broken)
	assert.NotEqual(t, "", ack.Error)
	assert.Equal(t, 0, h.refs(document.Assets, broken))

	h.mustRequest(a, peer, "subscribe", "assets", fine)
	ack = h.request(a, peer, "edit:assets", broken, "setProperty", "content", "x")
	assert.Equal(t, "must be subscribed to assets:"+broken, ack.Error)
}

func TestPanickingKindFailsOnlyThatRequest(t *testing.T) {
	registry := document.Builtin()
	bomb := document.TextKind()
	bomb.Name = "bomb"
	load := bomb.Load
	bomb.Load = func(state any) (document.Document, error) {
		doc, err := load(state)
		return panicky{doc}, err
	}
	assert.Equal(t, nil, registry.Register(document.Assets, bomb))

	h := newHarness(t, Options{Registry: registry})
	a, peer := h.connect("a")
	id := h.mustRequest(a, peer, "add:entries", map[string]any{"name": "Bomb", "type": "bomb"}, nil, nil)[0].(string)
	h.mustRequest(a, peer, "subscribe", "assets", id)

	ack := h.request(a, peer, "edit:assets", id, "setProperty", "content", "boom")
	assert.Equal(t, "internal error while handling edit:assets", ack.Error)

	h.mustRequest(a, peer, "subscribe", "manifest")
}

type panicky struct{ document.Document }

func (panicky) Apply(document.Origin, string, []any) (document.Result, error) {
	panic("kaboom")
}

func TestRevisions(t *testing.T) {
	store, err := storage.OpenRevisionStore(context.Background(), filepath.Join(t.TempDir(), "revisions.sqlite3"))
	if err != nil {
		t.Fatalf("OpenRevisionStore: %v", err)
	}
	defer store.Close()

	h := newHarness(t, Options{Revisions: store})
	a, peer := h.connect("a")
	id := h.mustRequest(a, peer, "add:entries", map[string]any{"name": "Notes", "type": "text"}, nil, nil)[0].(string)
	h.mustRequest(a, peer, "subscribe", "assets", id)
	h.mustRequest(a, peer, "edit:assets", id, "setProperty", "content", "first draft")

	revisionID := h.mustRequest(a, peer, "saveRevision:assets", id, "draft")[0].(string)
	h.mustRequest(a, peer, "edit:assets", id, "setProperty", "content", "second draft")

	list := h.mustRequest(a, peer, "getRevisions:assets", id)[0].([]any)
	assert.Equal(t, 1, len(list))
	assert.Equal(t, "draft", list[0].(map[string]any)["name"])
	assert.Equal(t, int64(1700000000000), list[0].(map[string]any)["savedAt"])

	state := h.mustRequest(a, peer, "getRevision:assets", id, revisionID)[0].(map[string]any)
	assert.Equal(t, "first draft", state["content"])

	ack := h.request(a, peer, "saveRevision:rooms", "lobby", "x")
	assert.Equal(t, "only assets have revisions", ack.Error)
}
