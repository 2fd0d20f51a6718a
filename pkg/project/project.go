// Package project serves one project's documents to many connected
// clients. Every project owns a single event loop; each frame, load
// completion, timer expiry and save snapshot runs on it to completion, so
// the replicas, caches and subscription groups below need no locking.
package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/superpowers/superpowers-core-sub000/pkg/cache"
	"github.com/superpowers/superpowers-core-sub000/pkg/clock"
	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
	"github.com/superpowers/superpowers-core-sub000/pkg/storage"
)

const (
	manifestKey = "manifest.json"
	entriesKey  = "entries.json"
)

// Options are shared by every project of a hub.
type Options struct {
	Registry *document.Registry
	// Revisions is optional. Without it revision requests fail.
	Revisions   *storage.RevisionStore
	Clock       clock.Clock
	GracePeriod time.Duration
	SaveDelay   time.Duration
	Logger      *slog.Logger
	// Background runs blocking storage work. It defaults to starting a
	// goroutine; results are always posted back to the project's loop.
	Background func(func())
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = document.Builtin()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = cache.DefaultGracePeriod
	}
	if o.SaveDelay == 0 {
		o.SaveDelay = storage.DefaultSaveDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Background == nil {
		o.Background = func(f func()) { go f() }
	}
	return o
}

type Project struct {
	name    string
	options Options
	logger  *slog.Logger
	loop    *eventLoop
	ctx     context.Context
	cancel  context.CancelFunc

	files    *storage.FileStore
	saver    *storage.Saver
	manifest *replica.Hash
	entries  *replica.TreeByID
	caches   map[string]*cache.Cache[document.Document]

	clients map[string]*Client
	groups  map[string]map[*Client]struct{}
}

// Open loads the project stored in dir, creating its manifest and entry
// tree when they do not exist yet.
func Open(dir, name string, options Options) (*Project, error) {
	options = options.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Project{
		name:    name,
		options: options,
		logger:  options.Logger.With("project", name),
		loop:    newEventLoop(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
		groups:  make(map[string]map[*Client]struct{}),
	}
	p.files = storage.NewFileStore(dir, p.logger)
	p.saver = storage.NewSaver(p.files, options.Clock, options.SaveDelay, p.post, p.logger)

	manifestState, created, err := p.readOrDefault(manifestKey, map[string]any{
		"name":          name,
		"description":   "",
		"formatVersion": 1,
	})
	if err != nil {
		p.shutdown()
		return nil, err
	}
	manifestValue, ok := manifestState.(map[string]any)
	if !ok {
		p.shutdown()
		return nil, fmt.Errorf("%s must hold a hash", manifestKey)
	}
	if p.manifest, err = replica.NewHash(document.ManifestSchema, manifestValue); err != nil {
		p.shutdown()
		return nil, fmt.Errorf("failed to load %s: %w", manifestKey, err)
	}
	if created {
		p.saver.Write(manifestKey, p.manifest.State())
	}

	entriesState, created, err := p.readOrDefault(entriesKey, []any{})
	if err != nil {
		p.shutdown()
		return nil, err
	}
	roots, ok := entriesState.([]any)
	if !ok {
		p.shutdown()
		return nil, fmt.Errorf("%s must hold an array", entriesKey)
	}
	if p.entries, err = replica.NewTreeByID(document.EntrySchema, roots); err != nil {
		p.shutdown()
		return nil, fmt.Errorf("failed to load %s: %w", entriesKey, err)
	}
	if created {
		p.saver.Write(entriesKey, p.entries.State())
	}

	p.caches = make(map[string]*cache.Cache[document.Document])
	for _, endpoint := range []string{document.Assets, document.Resources, document.Rooms} {
		c := cache.New(p.loader(endpoint),
			cache.WithClock(options.Clock),
			cache.WithGracePeriod(options.GracePeriod),
			cache.WithPost(p.post),
			cache.WithLogger(p.logger.With("endpoint", endpoint)),
		)
		c.OnEvict = func(id string, _ document.Document) {
			key, err := documentKey(endpoint, id)
			if err != nil {
				p.logger.Error("failed to save evicted document", "endpoint", endpoint, "id", id, "err", err)
				return
			}
			p.saver.SaveNow(key)
		}
		p.caches[endpoint] = c
	}

	p.logger.Info("opened project", "entries", len(p.entries.Roots()))
	return p, nil
}

func (p *Project) readOrDefault(key string, fallback any) (any, bool, error) {
	state, err := p.files.Read(key)
	if errors.Is(err, fs.ErrNotExist) {
		return fallback, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state, false, nil
}

func (p *Project) Name() string { return p.name }

func (p *Project) post(f func()) {
	if !p.loop.post(f) {
		p.logger.Debug("dropping event after close")
	}
}

// Do runs f on the project's loop and waits for it to finish.
func (p *Project) Do(f func()) error {
	if !p.loop.do(f) {
		return fmt.Errorf("project %s is closed", p.name)
	}
	return nil
}

// Entries returns a JSON-ready copy of the entry tree.
func (p *Project) Entries() ([]byte, error) {
	var data []byte
	var err error
	if doErr := p.Do(func() { data, err = storage.Marshal(p.entries.State()) }); doErr != nil {
		return nil, doErr
	}
	return data, err
}

// Persist writes every document with unsaved changes without waiting for
// its delay.
func (p *Project) Persist() error {
	if err := p.Do(p.saver.SaveAll); err != nil {
		return err
	}
	p.saver.Flush()
	return nil
}

// Close saves everything pending and stops the loop.
func (p *Project) Close() {
	_ = p.Do(p.saver.SaveAll)
	p.shutdown()
	p.logger.Info("closed project")
}

func (p *Project) shutdown() {
	p.cancel()
	p.loop.stop()
	p.saver.Close()
}

// documentKey maps a cache-backed document to its file. Ids that could
// leave their endpoint directory have no file.
func documentKey(endpoint, id string) (string, error) {
	if endpoint == document.Assets {
		dir, err := assetDir(id)
		if err != nil {
			return "", err
		}
		return path.Join(dir, "asset.json"), nil
	}
	if !validDocumentID(id) {
		return "", fmt.Errorf("invalid %s id: %q", endpoint, id)
	}
	return path.Join(endpoint, id+".json"), nil
}

func assetDir(id string) (string, error) {
	if !validDocumentID(id) {
		return "", fmt.Errorf("invalid asset id: %q", id)
	}
	return path.Join("assets", id), nil
}

func revisionDocumentID(projectName, assetID string) string {
	return projectName + "/assets/" + assetID
}

// kindOf resolves which document kind serves endpoint/id. Must run on the
// loop because asset kinds come from the entry tree.
func (p *Project) kindOf(endpoint, id string) (document.Kind, error) {
	switch endpoint {
	case document.Assets:
		entry, ok := p.entries.Get(id)
		if !ok {
			return document.Kind{}, &replica.NotFoundError{What: "asset", ID: id}
		}
		assetType, _ := entry["type"].(string)
		if assetType == "" {
			return document.Kind{}, &replica.NotFoundError{What: "asset", ID: id}
		}
		return p.options.Registry.Lookup(document.Assets, assetType)
	case document.Resources:
		return p.options.Registry.Lookup(document.Resources, id)
	case document.Rooms:
		if !validDocumentID(id) {
			return document.Kind{}, &replica.NotFoundError{What: "room", ID: id}
		}
		return p.options.Registry.Lookup(document.Rooms, document.DefaultRoomKind)
	}
	return document.Kind{}, fmt.Errorf("unknown endpoint: %s", endpoint)
}

func (p *Project) loader(endpoint string) cache.Loader[document.Document] {
	return func(id string, done func(document.Document, error)) {
		kind, err := p.kindOf(endpoint, id)
		if err != nil {
			done(nil, err)
			return
		}
		key, err := documentKey(endpoint, id)
		if err != nil {
			done(nil, err)
			return
		}
		p.options.Background(func() {
			state, err := p.files.Read(key)
			if errors.Is(err, fs.ErrNotExist) {
				state, err = kind.New(), nil
			}
			var doc document.Document
			if err == nil {
				doc, err = kind.Load(state)
			}
			p.post(func() { done(doc, err) })
		})
	}
}

// join and leave maintain the subscription groups broadcasts go to.
func (p *Project) join(group string, c *Client) {
	members, ok := p.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		p.groups[group] = members
	}
	members[c] = struct{}{}
}

func (p *Project) leave(group string, c *Client) {
	delete(p.groups[group], c)
	if len(p.groups[group]) == 0 {
		delete(p.groups, group)
	}
}

func (p *Project) broadcast(group string, frame protocol.Frame) {
	for c := range p.groups[group] {
		c.send(frame)
	}
}
