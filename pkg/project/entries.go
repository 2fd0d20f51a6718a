package project

import (
	"errors"
	"fmt"
	"strings"

	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
)

var errEntriesOnly = errors.New("only the entries endpoint supports this command")

func checkEntryName(name any) error {
	s, ok := name.(string)
	if !ok {
		return fmt.Errorf("entry name must be a string")
	}
	if strings.Contains(s, "/") {
		return fmt.Errorf("entry name cannot contain slashes")
	}
	return nil
}

// checkNameAvailable rejects a name already used by another entry under
// parentID.
func (p *Project) checkNameAvailable(parentID, name, exceptID string) error {
	siblings, err := p.entries.Siblings(parentID)
	if err != nil {
		return err
	}
	for _, raw := range siblings {
		sibling, _ := raw.(map[string]any)
		if sibling["name"] == name && sibling["id"] != exceptID {
			return fmt.Errorf("an entry named %s already exists", name)
		}
	}
	return nil
}

func (p *Project) entriesChanged() {
	p.saver.Schedule(entriesKey, p.entries.State)
}

func (c *Client) addEntry(endpoint string, args []any, respond reply) {
	if endpoint != "entries" {
		respond(nil, errEntriesOnly)
		return
	}
	p := c.project
	entry, err := protocol.ArgMap(args, 0)
	if err != nil {
		respond(nil, err)
		return
	}
	if _, ok := entry["id"]; ok {
		respond(nil, errors.New("entry ids are assigned by the server"))
		return
	}
	parentID, err := protocol.ArgOptionalString(args, 1)
	if err != nil {
		respond(nil, err)
		return
	}
	index, err := protocol.ArgIndex(args, 2)
	if err != nil {
		respond(nil, err)
		return
	}
	if err := checkEntryName(entry["name"]); err != nil {
		respond(nil, err)
		return
	}
	if err := p.checkNameAvailable(parentID, entry["name"].(string), ""); err != nil {
		respond(nil, err)
		return
	}

	var kind document.Kind
	switch assetType := entry["type"].(type) {
	case nil:
		entry["type"] = nil
		if _, ok := entry["children"]; !ok {
			entry["children"] = []any{}
		}
	case string:
		if kind, err = p.options.Registry.Lookup(document.Assets, assetType); err != nil {
			respond(nil, err)
			return
		}
		if _, ok := entry["children"]; ok {
			respond(nil, fmt.Errorf("assets cannot have children"))
			return
		}
	default:
		respond(nil, fmt.Errorf("entry type must be a string or null"))
		return
	}

	accepted, err := p.entries.Apply(replica.Add{Item: entry, ParentID: parentID, Index: index})
	if err != nil {
		respond(nil, err)
		return
	}
	add := accepted.(replica.Add)
	id := add.Item["id"].(string)
	if kind.New != nil {
		if key, err := documentKey(document.Assets, id); err == nil {
			p.saver.Write(key, kind.New())
		}
	}
	p.entriesChanged()

	p.broadcast(groupName("entries", ""), protocol.Broadcast("add:entries", add.Item, protocol.OptionalID(add.ParentID), add.Index))
	respond([]any{id}, nil)
}

func (c *Client) moveEntry(endpoint string, args []any, respond reply) {
	if endpoint != "entries" {
		respond(nil, errEntriesOnly)
		return
	}
	p := c.project
	id, err := protocol.ArgString(args, 0)
	if err != nil {
		respond(nil, err)
		return
	}
	parentID, err := protocol.ArgOptionalString(args, 1)
	if err != nil {
		respond(nil, err)
		return
	}
	index, err := protocol.ArgIndex(args, 2)
	if err != nil {
		respond(nil, err)
		return
	}
	entry, ok := p.entries.Get(id)
	if !ok {
		respond(nil, &replica.NotFoundError{What: "entry", ID: id})
		return
	}
	if parentID != p.entries.ParentID(id) {
		if err := p.checkNameAvailable(parentID, entry["name"].(string), id); err != nil {
			respond(nil, err)
			return
		}
	}

	accepted, err := p.entries.Apply(replica.Move{ID: id, ParentID: parentID, Index: index})
	if err != nil {
		respond(nil, err)
		return
	}
	move := accepted.(replica.Move)
	p.entriesChanged()

	p.broadcast(groupName("entries", ""), protocol.Broadcast("move:entries", move.ID, protocol.OptionalID(move.ParentID), move.Index))
	respond([]any{move.Index}, nil)
}

func (c *Client) removeEntry(endpoint string, args []any, respond reply) {
	if endpoint != "entries" {
		respond(nil, errEntriesOnly)
		return
	}
	p := c.project
	id, err := protocol.ArgString(args, 0)
	if err != nil {
		respond(nil, err)
		return
	}
	if _, ok := p.entries.Get(id); !ok {
		respond(nil, &replica.NotFoundError{What: "entry", ID: id})
		return
	}

	var assetIDs []string
	for _, node := range p.entries.Subtree(id) {
		if assetType, _ := node["type"].(string); assetType != "" {
			assetIDs = append(assetIDs, node["id"].(string))
		}
	}
	if _, err := p.entries.Apply(replica.Remove{ID: id}); err != nil {
		respond(nil, err)
		return
	}
	for _, assetID := range assetIDs {
		p.removeAsset(assetID)
	}
	p.entriesChanged()

	p.broadcast(groupName("entries", ""), protocol.Broadcast("remove:entries", id))
	respond(nil, nil)
}

// removeAsset forgets a deleted asset: its subscribers are told and
// unsubscribed, the instance is dropped without saving and its files and
// revisions are deleted.
func (p *Project) removeAsset(id string) {
	group := groupName(document.Assets, id)
	p.broadcast(group, protocol.Broadcast("remove:assets", id))
	for member := range p.groups[group] {
		member.drop(group)
	}
	p.caches[document.Assets].ReleaseAll(id)
	if dir, err := assetDir(id); err == nil {
		p.saver.Remove(dir)
	} else {
		p.logger.Error("refusing to remove asset files", "asset", id, "err", err)
	}

	if revisions := p.options.Revisions; revisions != nil {
		documentID := revisionDocumentID(p.name, id)
		p.options.Background(func() {
			if err := revisions.Delete(p.ctx, documentID); err != nil {
				p.logger.Error("failed to delete revisions", "asset", id, "err", err)
			}
		})
	}
}

func (c *Client) setProperty(endpoint string, args []any, respond reply) {
	p := c.project
	switch endpoint {
	case "manifest":
		path, err := protocol.ArgString(args, 0)
		if err != nil {
			respond(nil, err)
			return
		}
		value, err := p.manifest.SetProperty(path, protocol.Arg(args, 1))
		if err != nil {
			respond(nil, err)
			return
		}
		p.saver.Schedule(manifestKey, p.manifest.State)
		p.broadcast(groupName("manifest", ""), protocol.Broadcast("setProperty:manifest", path, value))
		respond([]any{value}, nil)

	case "entries":
		id, err := protocol.ArgString(args, 0)
		if err != nil {
			respond(nil, err)
			return
		}
		path, err := protocol.ArgString(args, 1)
		if err != nil {
			respond(nil, err)
			return
		}
		value := protocol.Arg(args, 2)
		if path == "name" {
			if err := checkEntryName(value); err != nil {
				respond(nil, err)
				return
			}
			if _, ok := p.entries.Get(id); ok {
				if err := p.checkNameAvailable(p.entries.ParentID(id), value.(string), id); err != nil {
					respond(nil, err)
					return
				}
			}
		}
		accepted, err := p.entries.Apply(replica.SetProperty{ID: id, Path: path, Value: value})
		if err != nil {
			respond(nil, err)
			return
		}
		set := accepted.(replica.SetProperty)
		p.entriesChanged()
		p.broadcast(groupName("entries", ""), protocol.Broadcast("setProperty:entries", set.ID, set.Path, set.Value))
		respond([]any{set.Value}, nil)

	default:
		respond(nil, fmt.Errorf("unknown endpoint: %s", endpoint))
	}
}
