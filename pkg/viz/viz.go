// Package viz draws the revision history of an asset as a graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderHistory writes the change graph of a revision history as SVG.
// Every named change is a saved revision and is labelled with its name,
// time and the size of the state it holds.
func RenderHistory(history *automerge.Doc, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := history.Changes()
	if err != nil {
		return fmt.Errorf("failed to read changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		hash := change.Hash().String()
		n, err := graph.CreateNode(hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(history, change))
		if change.Message() == "" {
			n.SetStyle(cgraph.DashedNodeStyle)
		}
		nodes[hash] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = w.Write(buff.Bytes())
	return err
}

func label(history *automerge.Doc, change *automerge.Change) string {
	short := change.Hash().String()[:8]
	if change.Message() == "" {
		return short
	}
	size := 0
	if at, err := history.Fork(change.Hash()); err == nil {
		if value, err := at.Path("state").Get(); err == nil && value.Kind() == automerge.KindStr {
			size = len(value.Str())
		}
	}
	return fmt.Sprintf("%s %q\n%s\n%d bytes", short, change.Message(), change.Timestamp().UTC().Format(time.RFC3339), size)
}

// RenderHistoryToFile writes the SVG to outputPath.
func RenderHistoryToFile(history *automerge.Doc, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	if err := RenderHistory(history, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
