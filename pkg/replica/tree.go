package replica

import (
	"fmt"
	"slices"
	"strings"

	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

// TreeByID is a hierarchical array of nodes keyed by an "id" unique across
// the whole tree. A node can hold children only if it carries a
// "children" array.
//
// byID and parentByID are derived from the node arrays and rebuilt by
// walking them; the root array stays the only source of truth.
type TreeByID struct {
	schema     schema.Schema
	roots      []any
	byID       map[string]map[string]any
	parentByID map[string]map[string]any
	ids        idGenerator

	OnChange func(Command)
}

// NewTreeByID validates and indexes roots. Nodes without an id get one.
func NewTreeByID(s schema.Schema, roots []any) (*TreeByID, error) {
	if roots == nil {
		roots = []any{}
	}
	t := &TreeByID{schema: s, roots: roots}
	if err := t.walk(roots, func(node map[string]any, _ map[string]any) error {
		return checkRecord(s, node)
	}); err != nil {
		return nil, err
	}
	if err := t.reindex(); err != nil {
		return nil, err
	}
	return t, nil
}

// reindex rebuilds both derived indexes from the node arrays.
func (t *TreeByID) reindex() error {
	t.byID = make(map[string]map[string]any)
	t.parentByID = make(map[string]map[string]any)
	seen := make(map[string]bool)
	if err := t.walk(t.roots, func(node, _ map[string]any) error {
		id, ok := recordID(node)
		if !ok {
			return nil
		}
		if seen[id] {
			return fmt.Errorf("duplicate node id: %s", id)
		}
		seen[id] = true
		t.ids.observe(id)
		return nil
	}); err != nil {
		return err
	}
	return t.walk(t.roots, func(node, parent map[string]any) error {
		if _, ok := recordID(node); !ok {
			node["id"] = t.ids.generate()
		}
		t.index(node, parent)
		return nil
	})
}

func (t *TreeByID) index(node, parent map[string]any) {
	id, _ := recordID(node)
	t.byID[id] = node
	if parent != nil {
		t.parentByID[id] = parent
	} else {
		delete(t.parentByID, id)
	}
}

// walk visits every node depth-first, parents before children.
func (t *TreeByID) walk(nodes []any, visit func(node, parent map[string]any) error) error {
	var recurse func(nodes []any, parent map[string]any) error
	recurse = func(nodes []any, parent map[string]any) error {
		for i, raw := range nodes {
			node, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("node %d is not a hash", i)
			}
			if err := visit(node, parent); err != nil {
				return err
			}
			if children, ok := childrenOf(node); ok {
				if err := recurse(children, node); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return recurse(nodes, nil)
}

func (t *TreeByID) State() any { return t.roots }

// Roots returns the root array. Callers must not mutate it.
func (t *TreeByID) Roots() []any { return t.roots }

func (t *TreeByID) Get(id string) (map[string]any, bool) {
	node, ok := t.byID[id]
	return node, ok
}

// ParentID returns the id of the node's parent, or "" for roots.
func (t *TreeByID) ParentID(id string) string {
	parentID, _ := recordID(t.parentByID[id])
	return parentID
}

// Siblings returns the array that holds the children of parentID, or the
// root array when parentID is empty.
func (t *TreeByID) Siblings(parentID string) ([]any, error) {
	if parentID == "" {
		return t.roots, nil
	}
	parent, ok := t.byID[parentID]
	if !ok {
		return nil, &NotFoundError{What: "parent node", ID: parentID}
	}
	children, ok := childrenOf(parent)
	if !ok {
		return nil, fmt.Errorf("invalid parent node id: %s", parentID)
	}
	return children, nil
}

// Subtree returns the node and all of its descendants, parents first.
func (t *TreeByID) Subtree(id string) []map[string]any {
	node, ok := t.byID[id]
	if !ok {
		return nil
	}
	nodes := []map[string]any{node}
	if children, ok := childrenOf(node); ok {
		_ = t.walk(children, func(child, _ map[string]any) error {
			nodes = append(nodes, child)
			return nil
		})
	}
	return nodes
}

// PathFromID joins the names from the root down to id with "/".
func (t *TreeByID) PathFromID(id string) (string, error) {
	node, ok := t.byID[id]
	if !ok {
		return "", &NotFoundError{What: "node", ID: id}
	}
	var names []string
	for node != nil {
		name, _ := node["name"].(string)
		names = append(names, name)
		nodeID, _ := recordID(node)
		node = t.parentByID[nodeID]
	}
	slices.Reverse(names)
	return strings.Join(names, "/"), nil
}

func (t *TreeByID) Apply(cmd Command) (Command, error) {
	var accepted Command
	var err error
	switch c := cmd.(type) {
	case Add:
		accepted, err = t.add(c)
	case Move:
		accepted, err = t.move(c)
	case Remove:
		accepted, err = t.remove(c)
	case SetProperty:
		accepted, err = t.setProperty(c)
	default:
		return nil, unsupported(cmd)
	}
	if err != nil {
		return nil, err
	}
	t.changed(accepted)
	return accepted, nil
}

func (t *TreeByID) Mirror(cmd Command) error {
	switch c := cmd.(type) {
	case Add:
		siblings, err := t.Siblings(c.ParentID)
		if err != nil {
			return err
		}
		node := cloneRecord(c.Item)
		id, ok := recordID(node)
		if !ok {
			id = t.ids.generate()
			node["id"] = id
		}
		t.ids.observe(id)
		t.insert(node, c.ParentID, siblings, c.Index)
	case Move:
		if _, ok := t.byID[c.ID]; !ok {
			return &NotFoundError{What: "node", ID: c.ID}
		}
		siblings, err := t.Siblings(c.ParentID)
		if err != nil {
			return err
		}
		t.relocate(c.ID, c.ParentID, clampIndex(c.Index, len(siblings)))
	case Remove:
		if _, ok := t.byID[c.ID]; !ok {
			return &NotFoundError{What: "node", ID: c.ID}
		}
		t.delete(c.ID)
	case SetProperty:
		node, ok := t.byID[c.ID]
		if !ok {
			return &NotFoundError{What: "node", ID: c.ID}
		}
		if err := assignPath(node, c.Path, c.Value); err != nil {
			return err
		}
	default:
		return unsupported(cmd)
	}
	t.changed(cmd)
	return nil
}

func (t *TreeByID) add(c Add) (Command, error) {
	siblings, err := t.Siblings(c.ParentID)
	if err != nil {
		return nil, err
	}
	node := cloneRecord(c.Item)
	if err := checkRecord(t.schema, node); err != nil {
		return nil, err
	}
	if children, ok := childrenOf(node); ok && len(children) > 0 {
		return nil, fmt.Errorf("new nodes must not have children")
	}
	id, ok := recordID(node)
	if ok {
		if _, exists := t.byID[id]; exists {
			return nil, fmt.Errorf("duplicate id: %s", id)
		}
		t.ids.observe(id)
	} else {
		id = t.ids.generate()
		node["id"] = id
	}
	index := t.insert(node, c.ParentID, siblings, c.Index)
	return Add{Item: node, ParentID: c.ParentID, Index: index}, nil
}

func (t *TreeByID) insert(node map[string]any, parentID string, siblings []any, index int) int {
	index = clampIndex(index, len(siblings))
	t.setSiblings(parentID, slices.Insert(siblings, index, any(node)))
	t.index(node, t.byID[parentID])
	if children, ok := childrenOf(node); ok {
		_ = t.walk(children, func(child, parent map[string]any) error {
			childID, _ := recordID(child)
			t.ids.observe(childID)
			t.index(child, parent)
			return nil
		})
	}
	return index
}

func (t *TreeByID) setSiblings(parentID string, siblings []any) {
	if parentID == "" {
		t.roots = siblings
		return
	}
	t.byID[parentID]["children"] = siblings
}

// move uses the same index convention as ListByID.move when the node stays
// within one sibling array.
func (t *TreeByID) move(c Move) (Command, error) {
	if _, ok := t.byID[c.ID]; !ok {
		return nil, &NotFoundError{What: "node", ID: c.ID}
	}
	siblings, err := t.Siblings(c.ParentID)
	if err != nil {
		return nil, err
	}
	for ancestorID := c.ParentID; ancestorID != ""; ancestorID = t.ParentID(ancestorID) {
		if ancestorID == c.ID {
			return nil, fmt.Errorf("cannot move node into itself or its descendants")
		}
	}
	index := clampIndex(c.Index, len(siblings))
	t.relocate(c.ID, c.ParentID, index)
	return Move{ID: c.ID, ParentID: c.ParentID, Index: index}, nil
}

func (t *TreeByID) relocate(id, parentID string, index int) {
	node := t.byID[id]
	oldParentID := t.ParentID(id)
	oldSiblings, _ := t.Siblings(oldParentID)
	oldIndex := indexOfNode(oldSiblings, id)
	t.setSiblings(oldParentID, slices.Delete(oldSiblings, oldIndex, oldIndex+1))

	siblings, _ := t.Siblings(parentID)
	actualIndex := index
	if parentID == oldParentID && oldIndex < actualIndex {
		actualIndex--
	}
	t.setSiblings(parentID, slices.Insert(siblings, actualIndex, any(node)))
	t.index(node, t.byID[parentID])
}

func (t *TreeByID) remove(c Remove) (Command, error) {
	if _, ok := t.byID[c.ID]; !ok {
		return nil, &NotFoundError{What: "node", ID: c.ID}
	}
	t.delete(c.ID)
	return c, nil
}

func (t *TreeByID) delete(id string) {
	parentID := t.ParentID(id)
	siblings, _ := t.Siblings(parentID)
	index := indexOfNode(siblings, id)
	for _, node := range t.Subtree(id) {
		nodeID, _ := recordID(node)
		delete(t.byID, nodeID)
		delete(t.parentByID, nodeID)
	}
	t.setSiblings(parentID, slices.Delete(siblings, index, index+1))
}

func (t *TreeByID) setProperty(c SetProperty) (Command, error) {
	node, ok := t.byID[c.ID]
	if !ok {
		return nil, &NotFoundError{What: "node", ID: c.ID}
	}
	if err := checkProperty(t.schema, c.Path, c.Value); err != nil {
		return nil, err
	}
	c.Value = clone(c.Value)
	if err := assignPath(node, c.Path, c.Value); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *TreeByID) changed(cmd Command) {
	if t.OnChange != nil {
		t.OnChange(cmd)
	}
}

func childrenOf(node map[string]any) ([]any, bool) {
	switch children := node["children"].(type) {
	case []any:
		return children, true
	case []map[string]any:
		converted := make([]any, len(children))
		for i, child := range children {
			converted[i] = child
		}
		node["children"] = converted
		return converted, true
	}
	return nil, false
}

func indexOfNode(nodes []any, id string) int {
	return slices.IndexFunc(nodes, func(raw any) bool {
		node, _ := raw.(map[string]any)
		nodeID, _ := recordID(node)
		return nodeID == id
	})
}
