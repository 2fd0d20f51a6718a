package replica

import (
	"fmt"
	"slices"

	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

// ListByID is an ordered array of records keyed by a unique "id".
type ListByID struct {
	schema schema.Schema
	items  []map[string]any
	byID   map[string]map[string]any
	ids    idGenerator

	OnChange func(Command)
}

// NewListByID loads items, validating each record and indexing its id.
// Records without an id get one.
func NewListByID(s schema.Schema, items []any) (*ListByID, error) {
	l := &ListByID{schema: s, items: []map[string]any{}, byID: make(map[string]map[string]any)}
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d is not a hash", i)
		}
		if err := checkRecord(s, item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		l.items = append(l.items, item)
		id, ok := recordID(item)
		if !ok {
			continue
		}
		if _, exists := l.byID[id]; exists {
			return nil, fmt.Errorf("item %d: duplicate id %s", i, id)
		}
		l.ids.observe(id)
		l.byID[id] = item
	}
	for _, item := range l.items {
		if _, ok := recordID(item); !ok {
			id := l.ids.generate()
			item["id"] = id
			l.byID[id] = item
		}
	}
	return l, nil
}

func (l *ListByID) State() any { return l.items }

func (l *ListByID) Len() int { return len(l.items) }

// Items returns the records in order. Callers must not mutate them.
func (l *ListByID) Items() []map[string]any { return l.items }

func (l *ListByID) Get(id string) (map[string]any, bool) {
	item, ok := l.byID[id]
	return item, ok
}

// IndexOf returns the position of id, or -1.
func (l *ListByID) IndexOf(id string) int {
	return slices.IndexFunc(l.items, func(item map[string]any) bool {
		itemID, _ := recordID(item)
		return itemID == id
	})
}

func (l *ListByID) Apply(cmd Command) (Command, error) {
	var accepted Command
	var err error
	switch c := cmd.(type) {
	case Add:
		accepted, err = l.add(c)
	case Move:
		accepted, err = l.move(c)
	case Remove:
		accepted, err = l.remove(c)
	case SetProperty:
		accepted, err = l.setProperty(c)
	default:
		return nil, unsupported(cmd)
	}
	if err != nil {
		return nil, err
	}
	l.changed(accepted)
	return accepted, nil
}

func (l *ListByID) Mirror(cmd Command) error {
	switch c := cmd.(type) {
	case Add:
		item := cloneRecord(c.Item)
		id, ok := recordID(item)
		if !ok {
			id = l.ids.generate()
			item["id"] = id
		}
		l.ids.observe(id)
		l.insert(item, c.Index)
	case Move:
		if _, ok := l.byID[c.ID]; !ok {
			return &NotFoundError{What: "item", ID: c.ID}
		}
		l.relocate(c.ID, clampIndex(c.Index, len(l.items)))
	case Remove:
		if _, ok := l.byID[c.ID]; !ok {
			return &NotFoundError{What: "item", ID: c.ID}
		}
		l.delete(c.ID)
	case SetProperty:
		item, ok := l.byID[c.ID]
		if !ok {
			return &NotFoundError{What: "item", ID: c.ID}
		}
		if err := assignPath(item, c.Path, c.Value); err != nil {
			return err
		}
	default:
		return unsupported(cmd)
	}
	l.changed(cmd)
	return nil
}

func (l *ListByID) add(c Add) (Command, error) {
	item := cloneRecord(c.Item)
	if err := checkRecord(l.schema, item); err != nil {
		return nil, err
	}
	id, ok := recordID(item)
	if ok {
		if _, exists := l.byID[id]; exists {
			return nil, fmt.Errorf("duplicate id: %s", id)
		}
		l.ids.observe(id)
	} else {
		id = l.ids.generate()
		item["id"] = id
	}
	index := l.insert(item, c.Index)
	return Add{Item: item, Index: index}, nil
}

func (l *ListByID) insert(item map[string]any, index int) int {
	index = clampIndex(index, len(l.items))
	l.items = slices.Insert(l.items, index, item)
	id, _ := recordID(item)
	l.byID[id] = item
	return index
}

// move acknowledges the clamped requested index. When the item started
// before that index it lands one slot earlier, because the index is
// interpreted against the list as it was before the item was taken out.
func (l *ListByID) move(c Move) (Command, error) {
	if _, ok := l.byID[c.ID]; !ok {
		return nil, &NotFoundError{What: "item", ID: c.ID}
	}
	index := clampIndex(c.Index, len(l.items))
	l.relocate(c.ID, index)
	return Move{ID: c.ID, Index: index}, nil
}

func (l *ListByID) relocate(id string, index int) {
	item := l.byID[id]
	oldIndex := l.IndexOf(id)
	l.items = slices.Delete(l.items, oldIndex, oldIndex+1)
	actualIndex := index
	if oldIndex < actualIndex {
		actualIndex--
	}
	l.items = slices.Insert(l.items, actualIndex, item)
}

func (l *ListByID) remove(c Remove) (Command, error) {
	if _, ok := l.byID[c.ID]; !ok {
		return nil, &NotFoundError{What: "item", ID: c.ID}
	}
	l.delete(c.ID)
	return c, nil
}

func (l *ListByID) delete(id string) {
	index := l.IndexOf(id)
	l.items = slices.Delete(l.items, index, index+1)
	delete(l.byID, id)
}

func (l *ListByID) setProperty(c SetProperty) (Command, error) {
	item, ok := l.byID[c.ID]
	if !ok {
		return nil, &NotFoundError{What: "item", ID: c.ID}
	}
	if err := checkProperty(l.schema, c.Path, c.Value); err != nil {
		return nil, err
	}
	c.Value = clone(c.Value)
	if err := assignPath(item, c.Path, c.Value); err != nil {
		return nil, err
	}
	return c, nil
}

func (l *ListByID) changed(cmd Command) {
	if l.OnChange != nil {
		l.OnChange(cmd)
	}
}
