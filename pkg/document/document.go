// Package document defines the heavyweight documents a project serves
// through its instance caches (assets, resources and rooms) and the
// registry that maps a declared type to its implementation.
package document

import (
	"fmt"
	"sort"
	"time"
)

// Endpoints served by cache-backed documents.
const (
	Assets    = "assets"
	Resources = "resources"
	Rooms     = "rooms"
)

// Origin identifies who issued a command and when the server received it.
type Origin struct {
	ClientID string
	Time     time.Time
}

// Result is the outcome of an accepted command.
type Result struct {
	// ID is acknowledged to the caller, typically the id of a created
	// record. It may be nil.
	ID any
	// Args follow the command name in the broadcast, and are exactly what
	// Mirror receives on every peer.
	Args []any
}

// Document is one loaded asset, resource or room.
type Document interface {
	// State returns the plain serializable content, which is also the
	// persisted file content.
	State() any
	// Apply validates and performs a client command.
	Apply(origin Origin, command string, args []any) (Result, error)
	// Mirror replays an accepted command from its broadcast args.
	Mirror(command string, args []any) error
}

// Kind describes one document type.
type Kind struct {
	Name string
	// New returns the state of a freshly created document.
	New func() any
	// Load wraps persisted state.
	Load func(state any) (Document, error)
}

type UnknownCommandError struct {
	Kind    string
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown %s command: %s", e.Kind, e.Command)
}

// Registry maps endpoint and type name to a Kind.
type Registry struct {
	kinds map[string]map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]map[string]Kind)}
}

func (r *Registry) Register(endpoint string, kind Kind) error {
	if kind.Name == "" || kind.New == nil || kind.Load == nil {
		return fmt.Errorf("incomplete %s kind %q", endpoint, kind.Name)
	}
	byName, ok := r.kinds[endpoint]
	if !ok {
		byName = make(map[string]Kind)
		r.kinds[endpoint] = byName
	}
	if _, exists := byName[kind.Name]; exists {
		return fmt.Errorf("%s kind %q is already registered", endpoint, kind.Name)
	}
	byName[kind.Name] = kind
	return nil
}

func (r *Registry) Lookup(endpoint, name string) (Kind, error) {
	kind, ok := r.kinds[endpoint][name]
	if !ok {
		return Kind{}, fmt.Errorf("no %s kind registered for %q", endpoint, name)
	}
	return kind, nil
}

// Names lists the kinds registered for endpoint in sorted order.
func (r *Registry) Names(endpoint string) []string {
	names := make([]string, 0, len(r.kinds[endpoint]))
	for name := range r.kinds[endpoint] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRoomKind is the kind every room is loaded as.
const DefaultRoomKind = "chat"

// Builtin returns a registry holding the kinds shipped with the server.
func Builtin() *Registry {
	r := NewRegistry()
	for _, registration := range []struct {
		endpoint string
		kind     Kind
	}{
		{Assets, TextKind()},
		{Assets, SceneKind()},
		{Resources, SettingsKind()},
		{Rooms, ChatKind()},
	} {
		if err := r.Register(registration.endpoint, registration.kind); err != nil {
			panic(err)
		}
	}
	return r
}
