// Package client keeps a local mirror of the documents a connection is
// subscribed to, replaying the server's broadcasts on it.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
)

// Callback receives the arguments of an acknowledgement, or the error of
// a rejected request.
type Callback func(args []any, err error)

type Session struct {
	send     func(protocol.Frame) error
	registry *document.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	seq       uint64
	pending   map[uint64]Callback
	manifest  *replica.Hash
	entries   *replica.TreeByID
	documents map[string]document.Document

	// OnChange is called after a broadcast has been mirrored.
	OnChange func(event string, args []any)
}

// NewSession returns a session that sends its requests through send.
func NewSession(send func(protocol.Frame) error, registry *document.Registry, logger *slog.Logger) *Session {
	if registry == nil {
		registry = document.Builtin()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		send:      send,
		registry:  registry,
		logger:    logger,
		pending:   make(map[uint64]Callback),
		documents: make(map[string]document.Document),
	}
}

// Request sends event and calls cb with the server's answer. cb may be
// nil.
func (s *Session) Request(event string, args []any, cb Callback) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	if cb != nil {
		s.pending[seq] = cb
	}
	s.mu.Unlock()

	if err := s.send(protocol.Request(seq, event, args...)); err != nil {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Subscribe subscribes to endpoint (and id for cache-backed endpoints) and
// installs the initial state as the local mirror.
func (s *Session) Subscribe(endpoint, id string, cb Callback) error {
	args := []any{endpoint}
	if id != "" {
		args = append(args, id)
	}
	return s.Request("subscribe", args, func(ack []any, err error) {
		if err == nil {
			err = s.install(endpoint, id, protocol.Arg(ack, 0))
		}
		if cb != nil {
			cb(ack, err)
		}
	})
}

// Unsubscribe drops the subscription and the local mirror.
func (s *Session) Unsubscribe(endpoint, id string, cb Callback) error {
	args := []any{endpoint}
	if id != "" {
		args = append(args, id)
	}
	s.mu.Lock()
	s.forget(endpoint, id)
	s.mu.Unlock()
	return s.Request("unsubscribe", args, cb)
}

func (s *Session) forget(endpoint, id string) {
	switch endpoint {
	case "entries":
		s.entries = nil
	case "manifest":
		s.manifest = nil
	default:
		delete(s.documents, documentKey(endpoint, id))
	}
}

func documentKey(endpoint, id string) string { return endpoint + ":" + id }

func (s *Session) install(endpoint, id string, state any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch endpoint {
	case "entries":
		roots, ok := state.([]any)
		if !ok {
			return fmt.Errorf("entries state must be an array")
		}
		tree, err := replica.NewTreeByID(document.EntrySchema, roots)
		if err != nil {
			return err
		}
		s.entries = tree
	case "manifest":
		value, ok := state.(map[string]any)
		if !ok {
			return fmt.Errorf("manifest state must be a hash")
		}
		hash, err := replica.NewHash(document.ManifestSchema, value)
		if err != nil {
			return err
		}
		s.manifest = hash
	default:
		kind, err := s.kindOf(endpoint, id)
		if err != nil {
			return err
		}
		doc, err := kind.Load(state)
		if err != nil {
			return err
		}
		s.documents[documentKey(endpoint, id)] = doc
	}
	return nil
}

// kindOf finds the kind of a document the same way the server does. An
// asset's kind comes from its entry, so the entries must be subscribed.
func (s *Session) kindOf(endpoint, id string) (document.Kind, error) {
	switch endpoint {
	case document.Assets:
		if s.entries == nil {
			return document.Kind{}, fmt.Errorf("subscribe to entries before assets")
		}
		entry, ok := s.entries.Get(id)
		if !ok {
			return document.Kind{}, &replica.NotFoundError{What: "asset", ID: id}
		}
		assetType, _ := entry["type"].(string)
		return s.registry.Lookup(document.Assets, assetType)
	case document.Resources:
		return s.registry.Lookup(document.Resources, id)
	case document.Rooms:
		return s.registry.Lookup(document.Rooms, document.DefaultRoomKind)
	}
	return document.Kind{}, fmt.Errorf("unknown endpoint: %s", endpoint)
}

// Handle processes one frame from the server.
func (s *Session) Handle(frame protocol.Frame) error {
	if frame.Event == protocol.AckEvent {
		s.mu.Lock()
		cb, ok := s.pending[frame.Seq]
		delete(s.pending, frame.Seq)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("ignoring unexpected ack", "seq", frame.Seq)
			return nil
		}
		if frame.Error != "" {
			cb(nil, errors.New(frame.Error))
		} else {
			cb(frame.Args, nil)
		}
		return nil
	}

	s.mu.Lock()
	err := s.mirror(frame)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to mirror %s: %w", frame.Event, err)
	}
	if s.OnChange != nil {
		s.OnChange(frame.Event, frame.Args)
	}
	return nil
}

func (s *Session) mirror(frame protocol.Frame) error {
	command, endpoint := protocol.SplitEvent(frame.Event)
	args := frame.Args
	switch endpoint {
	case "entries":
		if s.entries == nil {
			return nil
		}
		cmd, err := protocol.TreeCommand(command, args)
		if err != nil {
			return err
		}
		return s.entries.Mirror(cmd)
	case "manifest":
		if s.manifest == nil {
			return nil
		}
		if command != "setProperty" {
			return fmt.Errorf("unexpected manifest command: %s", command)
		}
		path, err := protocol.ArgString(args, 0)
		if err != nil {
			return err
		}
		return s.manifest.Mirror(replica.SetProperty{Path: path, Value: protocol.Arg(args, 1)})
	}

	id, err := protocol.ArgString(args, 0)
	if err != nil {
		return err
	}
	key := documentKey(endpoint, id)
	switch command {
	case "remove":
		delete(s.documents, key)
		return nil
	case "edit":
		doc, ok := s.documents[key]
		if !ok {
			return nil
		}
		name, err := protocol.ArgString(args, 1)
		if err != nil {
			return err
		}
		return doc.Mirror(name, args[2:])
	}
	return fmt.Errorf("unexpected event: %s", frame.Event)
}

// Entries returns the mirrored entry tree, or nil. It is shared with
// Handle, so callers must not read it while frames are being handled.
func (s *Session) Entries() *replica.TreeByID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

func (s *Session) Manifest() *replica.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Document returns the mirrored document for endpoint/id, if subscribed.
func (s *Session) Document(endpoint, id string) (document.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentKey(endpoint, id)]
	return doc, ok
}

// State returns the plain state of a mirrored document under the session
// lock.
func (s *Session) State(endpoint, id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch endpoint {
	case "entries":
		if s.entries == nil {
			return nil, false
		}
		return s.entries.State(), true
	case "manifest":
		if s.manifest == nil {
			return nil, false
		}
		return s.manifest.State(), true
	}
	doc, ok := s.documents[documentKey(endpoint, id)]
	if !ok {
		return nil, false
	}
	return doc.State(), true
}
