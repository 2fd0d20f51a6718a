package project

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/superpowers/superpowers-core-sub000/pkg/cache"
	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
)

// Peer is the connection a Client talks through.
type Peer interface {
	ID() string
	Send(frame protocol.Frame) error
}

// Client is the server side of one connection: the set of documents it
// is subscribed to and the handlers for its requests. It only ever runs on
// its project's loop.
type Client struct {
	project *Project
	peer    Peer
	id      string
	logger  *slog.Logger

	// subscriptions maps a group name to the token of the subscribe
	// request that created it, so a load finishing after an unsubscribe
	// and resubscribe answers only the request it belongs to.
	subscriptions map[string]uint64
	nextToken     uint64
	disconnected  bool
}

type reply func(args []any, err error)

type handler func(c *Client, endpoint string, args []any, reply reply)

var handlers = map[string]handler{
	"subscribe":    (*Client).subscribe,
	"unsubscribe":  (*Client).unsubscribe,
	"add":          (*Client).addEntry,
	"move":         (*Client).moveEntry,
	"remove":       (*Client).removeEntry,
	"setProperty":  (*Client).setProperty,
	"edit":         (*Client).edit,
	"saveRevision": (*Client).saveRevision,
	"getRevisions": (*Client).getRevisions,
	"getRevision":  (*Client).getRevision,
}

// Connect registers peer with the project. Frames from the peer go to
// Receive and the end of the connection to Disconnect.
func (p *Project) Connect(peer Peer) *Client {
	c := &Client{
		project:       p,
		peer:          peer,
		id:            peer.ID(),
		logger:        p.logger.With("client", peer.ID()),
		subscriptions: make(map[string]uint64),
	}
	p.post(func() {
		p.clients[c.id] = c
		c.logger.Info("connected")
	})
	return c
}

func (c *Client) ID() string { return c.id }

// Receive queues frame for handling on the project's loop.
func (c *Client) Receive(frame protocol.Frame) {
	c.project.post(func() { c.handle(frame) })
}

// Disconnect queues the release of every subscription the client holds.
func (c *Client) Disconnect() {
	c.project.post(c.disconnect)
}

func (c *Client) send(frame protocol.Frame) {
	if c.disconnected {
		return
	}
	if err := c.peer.Send(frame); err != nil {
		c.logger.Debug("failed to send", "event", frame.Event, "err", err)
	}
}

func (c *Client) handle(frame protocol.Frame) {
	if c.disconnected {
		return
	}
	answered := false
	respond := func(args []any, err error) {
		if answered || frame.Seq == 0 {
			return
		}
		answered = true
		if err != nil {
			c.logger.Debug("request failed", "event", frame.Event, "err", err)
			c.send(protocol.Nack(frame.Seq, err))
			return
		}
		c.send(protocol.Ack(frame.Seq, args...))
	}

	command, endpoint := protocol.SplitEvent(frame.Event)
	h, ok := handlers[command]
	if !ok {
		respond(nil, fmt.Errorf("unknown event: %s", frame.Event))
		return
	}
	c.guard(frame.Event, respond, func() { h(c, endpoint, frame.Args, respond) })
}

// guard turns a panicking handler into a failure of that request only.
func (c *Client) guard(event string, respond reply, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "event", event, "panic", r, "stack", string(debug.Stack()))
			respond(nil, fmt.Errorf("internal error while handling %s", event))
		}
	}()
	f()
}

func isCacheEndpoint(endpoint string) bool {
	switch endpoint {
	case document.Assets, document.Resources, document.Rooms:
		return true
	}
	return false
}

func groupName(endpoint, id string) string {
	if id == "" {
		return "sub:" + endpoint
	}
	return "sub:" + endpoint + ":" + id
}

// splitGroup reverses groupName for keyed groups.
func splitGroup(group string) (endpoint, id string, keyed bool) {
	rest := strings.TrimPrefix(group, "sub:")
	endpoint, id, keyed = strings.Cut(rest, ":")
	return endpoint, id, keyed
}

// validDocumentID accepts ids that are safe to use as a file name.
func validDocumentID(id string) bool {
	return id != "" && len(id) <= 128 && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (c *Client) target(endpoint string, args []any) (string, string, error) {
	switch endpoint {
	case "entries", "manifest":
		return groupName(endpoint, ""), "", nil
	}
	if !isCacheEndpoint(endpoint) {
		return "", "", fmt.Errorf("unknown endpoint: %s", endpoint)
	}
	id, err := protocol.ArgString(args, 1)
	if err != nil {
		return "", "", err
	}
	if !validDocumentID(id) {
		return "", "", fmt.Errorf("invalid %s id: %s", endpoint, id)
	}
	return groupName(endpoint, id), id, nil
}

func (c *Client) subscribe(_ string, args []any, respond reply) {
	endpoint, err := protocol.ArgString(args, 0)
	if err != nil {
		respond(nil, err)
		return
	}
	group, id, err := c.target(endpoint, args)
	if err != nil {
		respond(nil, err)
		return
	}
	if _, ok := c.subscriptions[group]; ok {
		respond(nil, fmt.Errorf("already subscribed to %s", strings.TrimPrefix(group, "sub:")))
		return
	}

	p := c.project
	switch endpoint {
	case "entries":
		c.subscriptions[group] = 0
		p.join(group, c)
		respond([]any{p.entries.State()}, nil)
		return
	case "manifest":
		c.subscriptions[group] = 0
		p.join(group, c)
		respond([]any{p.manifest.State()}, nil)
		return
	}

	// Mark first so a disconnect while loading releases this reference.
	c.nextToken++
	token := c.nextToken
	c.subscriptions[group] = token
	p.join(group, c)
	p.caches[endpoint].Acquire(id, c.id, func(doc document.Document, err error) {
		if c.disconnected {
			return
		}
		if errors.Is(err, cache.ErrReleased) {
			respond(nil, fmt.Errorf("%s %s was removed", endpoint, id))
			return
		}
		if c.subscriptions[group] != token {
			respond(nil, fmt.Errorf("unsubscribed from %s %s before it finished loading", endpoint, id))
			return
		}
		if err != nil {
			delete(c.subscriptions, group)
			p.leave(group, c)
			respond(nil, err)
			return
		}
		c.guard("subscribe:"+endpoint, respond, func() {
			respond([]any{doc.State()}, nil)
		})
	})
}

func (c *Client) unsubscribe(_ string, args []any, respond reply) {
	endpoint, err := protocol.ArgString(args, 0)
	if err != nil {
		respond(nil, err)
		return
	}
	group, id, err := c.target(endpoint, args)
	if err != nil {
		respond(nil, err)
		return
	}
	if _, ok := c.subscriptions[group]; !ok {
		respond(nil, fmt.Errorf("not subscribed to %s", strings.TrimPrefix(group, "sub:")))
		return
	}
	c.drop(group)
	if id != "" {
		if err := c.project.caches[endpoint].Release(id, c.id, cache.ReleaseOptions{}); err != nil {
			c.logger.Warn("failed to release", "group", group, "err", err)
		}
	}
	respond(nil, nil)
}

// drop forgets a subscription without touching the cache.
func (c *Client) drop(group string) {
	delete(c.subscriptions, group)
	c.project.leave(group, c)
}

func (c *Client) disconnect() {
	if c.disconnected {
		return
	}
	p := c.project
	for group := range c.subscriptions {
		c.drop(group)
		if endpoint, id, keyed := splitGroup(group); keyed {
			if err := p.caches[endpoint].Release(id, c.id, cache.ReleaseOptions{}); err != nil {
				c.logger.Warn("failed to release", "group", group, "err", err)
			}
		}
	}
	c.disconnected = true
	delete(p.clients, c.id)
	c.logger.Info("disconnected")
}

// subscribed returns the loaded document for a keyed subscription.
func (c *Client) subscribed(endpoint, id string) (document.Document, error) {
	if _, ok := c.subscriptions[groupName(endpoint, id)]; !ok {
		return nil, fmt.Errorf("must be subscribed to %s:%s", endpoint, id)
	}
	doc, ok := c.project.caches[endpoint].Get(id)
	if !ok {
		return nil, fmt.Errorf("%s %s is still loading", endpoint, id)
	}
	return doc, nil
}
