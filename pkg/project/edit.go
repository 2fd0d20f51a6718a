package project

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/superpowers/superpowers-core-sub000/pkg/document"
	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/storage"
)

var errRevisionsDisabled = errors.New("revisions are not enabled on this server")

// edit forwards a command to the document kind and broadcasts the
// accepted result to every subscriber of the document.
func (c *Client) edit(endpoint string, args []any, respond reply) {
	if !isCacheEndpoint(endpoint) {
		respond(nil, fmt.Errorf("unknown endpoint: %s", endpoint))
		return
	}
	id, err := protocol.ArgString(args, 0)
	if err != nil {
		respond(nil, err)
		return
	}
	command, err := protocol.ArgString(args, 1)
	if err != nil {
		respond(nil, err)
		return
	}
	doc, err := c.subscribed(endpoint, id)
	if err != nil {
		respond(nil, err)
		return
	}

	p := c.project
	origin := document.Origin{ClientID: c.id, Time: p.options.Clock.Now()}
	key, err := documentKey(endpoint, id)
	if err != nil {
		respond(nil, err)
		return
	}
	result, err := doc.Apply(origin, command, args[2:])
	if err != nil {
		respond(nil, err)
		return
	}
	p.saver.Schedule(key, doc.State)

	broadcastArgs := append([]any{id, command}, result.Args...)
	p.broadcast(groupName(endpoint, id), protocol.Broadcast(protocol.JoinEvent("edit", endpoint), broadcastArgs...))
	respond([]any{result.ID}, nil)
}

func (c *Client) revisionTarget(endpoint string, args []any) (string, error) {
	if endpoint != document.Assets {
		return "", fmt.Errorf("only assets have revisions")
	}
	if c.project.options.Revisions == nil {
		return "", errRevisionsDisabled
	}
	return protocol.ArgString(args, 0)
}

// saveRevision snapshots the asset as it is now under a name.
func (c *Client) saveRevision(endpoint string, args []any, respond reply) {
	id, err := c.revisionTarget(endpoint, args)
	if err != nil {
		respond(nil, err)
		return
	}
	name, err := protocol.ArgString(args, 1)
	if err != nil {
		respond(nil, err)
		return
	}
	if name == "" || len(name) > 80 {
		respond(nil, fmt.Errorf("revision name must be between 1 and 80 characters"))
		return
	}
	doc, err := c.subscribed(endpoint, id)
	if err != nil {
		respond(nil, err)
		return
	}
	state, err := json.Marshal(doc.State())
	if err != nil {
		respond(nil, fmt.Errorf("failed to encode asset: %w", err))
		return
	}

	p := c.project
	at := p.options.Clock.Now()
	documentID := revisionDocumentID(p.name, id)
	p.options.Background(func() {
		revision, err := p.options.Revisions.Save(p.ctx, documentID, name, state, at)
		p.post(func() {
			if err != nil {
				p.logger.Error("failed to save revision", "asset", id, "err", err)
				respond(nil, err)
				return
			}
			c.logger.Info("saved revision", "asset", id, "revision", revision.ID, "name", name)
			respond([]any{revision.ID}, nil)
		})
	})
}

func (c *Client) getRevisions(endpoint string, args []any, respond reply) {
	id, err := c.revisionTarget(endpoint, args)
	if err != nil {
		respond(nil, err)
		return
	}
	p := c.project
	if _, err := p.kindOf(document.Assets, id); err != nil {
		respond(nil, err)
		return
	}
	documentID := revisionDocumentID(p.name, id)
	p.options.Background(func() {
		revisions, err := p.options.Revisions.Revisions(p.ctx, documentID)
		p.post(func() {
			if err != nil {
				respond(nil, err)
				return
			}
			respond([]any{revisionList(revisions)}, nil)
		})
	})
}

func revisionList(revisions []storage.Revision) []any {
	list := make([]any, len(revisions))
	for i, revision := range revisions {
		list[i] = map[string]any{
			"id":      revision.ID,
			"name":    revision.Name,
			"savedAt": revision.SavedAt.UnixMilli(),
		}
	}
	return list
}

func (c *Client) getRevision(endpoint string, args []any, respond reply) {
	id, err := c.revisionTarget(endpoint, args)
	if err != nil {
		respond(nil, err)
		return
	}
	revisionID, err := protocol.ArgString(args, 1)
	if err != nil {
		respond(nil, err)
		return
	}
	p := c.project
	if _, err := p.kindOf(document.Assets, id); err != nil {
		respond(nil, err)
		return
	}
	documentID := revisionDocumentID(p.name, id)
	p.options.Background(func() {
		raw, err := p.options.Revisions.Revision(p.ctx, documentID, revisionID)
		var state any
		if err == nil {
			err = json.Unmarshal(raw, &state)
		}
		p.post(func() {
			if err != nil {
				respond(nil, err)
				return
			}
			respond([]any{state}, nil)
		})
	})
}
