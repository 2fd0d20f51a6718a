package project

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHubProjects(t *testing.T) {
	root := t.TempDir()
	hub := NewHub(root, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	for _, name := range []string{"", "../escape", "a/b", ".hidden", "x y"} {
		_, err := hub.Project(name)
		assert.Equal(t, true, errors.Is(err, ErrInvalidProjectName))
	}

	first, err := hub.Project("demo")
	assert.Equal(t, nil, err)
	second, err := hub.Project("demo")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, first == second)
	assert.Equal(t, "demo", first.Name())

	assert.Equal(t, nil, hub.Persist())
	for _, file := range []string{"manifest.json", "entries.json"} {
		_, err := os.Stat(filepath.Join(root, "demo", file))
		assert.Equal(t, nil, err)
	}

	entries, err := first.Entries()
	assert.Equal(t, nil, err)
	assert.Equal(t, "[]", string(entries))

	hub.Close()
	_, err = hub.Project("other")
	assert.NotEqual(t, nil, err)
}
