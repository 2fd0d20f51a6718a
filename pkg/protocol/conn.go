package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Conn pumps frames over one websocket. Outbound frames queue without bound
// and are written by a dedicated goroutine, so Send never blocks the
// caller's event loop.
type Conn struct {
	id     string
	ws     *websocket.Conn
	codec  Codec
	logger *slog.Logger

	mu     sync.Mutex
	outbox [][]byte
	closed bool
	wake   chan struct{}
}

func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	id := ulid.Make().String()
	codec := ForSubprotocol(ws.Subprotocol())
	return &Conn{
		id:     id,
		ws:     ws,
		codec:  codec,
		logger: logger.With("conn", id, "codec", codec.Name()),
		wake:   make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string { return c.id }

// Send encodes frame immediately and queues it for writing. Encoding on the
// caller's goroutine captures the state it references at this moment.
func (c *Conn) Send(frame Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", frame.Event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	c.outbox = append(c.outbox, data)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) readFrame() (Frame, bool, error) {
	mt, p, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, false, fmt.Errorf("failed to read message: %w", err)
	}
	if mt != c.codec.MessageType() {
		return Frame{}, false, nil
	}
	frame, err := c.codec.Decode(p)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "err", err)
		return Frame{}, false, nil
	}
	return frame, true, nil
}

func (c *Conn) writeQueued() error {
	c.mu.Lock()
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, data := range pending {
		if err := c.ws.WriteMessage(c.codec.MessageType(), data); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	return nil
}

// Run reads frames into handle and writes queued frames until the peer
// disconnects or parent is cancelled. handle runs on the reader goroutine.
func (c *Conn) Run(parent context.Context, handle func(Frame)) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var readErr, writeErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			frame, ok, err := c.readFrame()
			if err != nil {
				readErr = err
				return
			}
			if ok {
				handle(frame)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.ws.Close()
		for {
			if err := c.writeQueued(); err != nil {
				writeErr = err
				return
			}
			select {
			case <-c.wake:
			case <-ctx.Done():
				_ = c.writeQueued()
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()

	wg.Wait()
	c.mu.Lock()
	c.closed = true
	c.outbox = nil
	c.mu.Unlock()

	if writeErr != nil {
		return writeErr
	}
	if readErr == nil || parent.Err() != nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		return nil
	}
	return readErr
}
