package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

var ErrInvalidProjectName = errors.New("invalid project name")

// Hub opens projects under one directory on first use and keeps them open
// until it is closed.
type Hub struct {
	root    string
	options Options

	mu       sync.Mutex
	projects map[string]*Project
	closed   bool
}

func NewHub(root string, options Options) *Hub {
	return &Hub{root: root, options: options.withDefaults(), projects: make(map[string]*Project)}
}

// Project returns the open project called name, opening it if needed.
func (h *Hub) Project(name string) (*Project, error) {
	if !projectNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProjectName, name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("hub is closed")
	}
	if p, ok := h.projects[name]; ok {
		return p, nil
	}
	p, err := Open(filepath.Join(h.root, name), name, h.options)
	if err != nil {
		return nil, fmt.Errorf("failed to open project %s: %w", name, err)
	}
	h.projects[name] = p
	return p, nil
}

func (h *Hub) open() []*Project {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.projects))
	for name := range h.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	projects := make([]*Project, len(names))
	for i, name := range names {
		projects[i] = h.projects[name]
	}
	return projects
}

// Persist writes the unsaved changes of every open project.
func (h *Hub) Persist() error {
	var errs []error
	for _, p := range h.open() {
		if err := p.Persist(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close saves and closes every project.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, p := range h.open() {
		p.Close()
	}
}
