package document

import (
	"errors"
	"fmt"

	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

var messageSchema = schema.Schema{
	"id":        {Type: "string"},
	"author":    {Type: "string"},
	"text":      {Type: "string", Mutable: true, MinLength: schema.Int(1), MaxLength: schema.Int(2000)},
	"timestamp": {Type: "integer"},
}

var errNotAuthor = errors.New("only the author can change a message")

// ChatKind is a room holding an ordered message log.
func ChatKind() Kind {
	return Kind{
		Name: DefaultRoomKind,
		New:  func() any { return []any{} },
		Load: loadChat,
	}
}

type chat struct {
	messages *replica.ListByID
}

func loadChat(state any) (Document, error) {
	var items []any
	switch v := state.(type) {
	case []any:
		items = v
	case []map[string]any:
		for _, item := range v {
			items = append(items, item)
		}
	default:
		return nil, fmt.Errorf("chat state must be an array, got %T", state)
	}
	messages, err := replica.NewListByID(messageSchema, items)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}
	return &chat{messages: messages}, nil
}

func (c *chat) State() any { return c.messages.State() }

func (c *chat) authoredBy(id, clientID string) error {
	message, ok := c.messages.Get(id)
	if !ok {
		return &replica.NotFoundError{What: "message", ID: id}
	}
	if message["author"] != clientID {
		return errNotAuthor
	}
	return nil
}

func (c *chat) Apply(origin Origin, command string, args []any) (Result, error) {
	switch command {
	case "appendMessage":
		text, err := protocol.ArgString(args, 0)
		if err != nil {
			return Result{}, err
		}
		accepted, err := c.messages.Apply(replica.Add{
			Item: map[string]any{
				"author":    origin.ClientID,
				"text":      text,
				"timestamp": origin.Time.UnixMilli(),
			},
			Index: -1,
		})
		if err != nil {
			return Result{}, err
		}
		add := accepted.(replica.Add)
		return Result{ID: add.Item["id"], Args: []any{add.Item, add.Index}}, nil

	case "editMessage":
		id, err := protocol.ArgString(args, 0)
		if err != nil {
			return Result{}, err
		}
		if err := c.authoredBy(id, origin.ClientID); err != nil {
			return Result{}, err
		}
		accepted, err := c.messages.Apply(replica.SetProperty{ID: id, Path: "text", Value: protocol.Arg(args, 1)})
		if err != nil {
			return Result{}, err
		}
		return Result{Args: []any{id, accepted.(replica.SetProperty).Value}}, nil

	case "deleteMessage":
		id, err := protocol.ArgString(args, 0)
		if err != nil {
			return Result{}, err
		}
		if err := c.authoredBy(id, origin.ClientID); err != nil {
			return Result{}, err
		}
		if _, err := c.messages.Apply(replica.Remove{ID: id}); err != nil {
			return Result{}, err
		}
		return Result{Args: []any{id}}, nil
	}
	return Result{}, &UnknownCommandError{Kind: DefaultRoomKind, Command: command}
}

func (c *chat) Mirror(command string, args []any) error {
	switch command {
	case "appendMessage":
		message, err := protocol.ArgMap(args, 0)
		if err != nil {
			return err
		}
		index, err := protocol.ArgIndex(args, 1)
		if err != nil {
			return err
		}
		return c.messages.Mirror(replica.Add{Item: message, Index: index})
	case "editMessage":
		id, err := protocol.ArgString(args, 0)
		if err != nil {
			return err
		}
		return c.messages.Mirror(replica.SetProperty{ID: id, Path: "text", Value: protocol.Arg(args, 1)})
	case "deleteMessage":
		id, err := protocol.ArgString(args, 0)
		if err != nil {
			return err
		}
		return c.messages.Mirror(replica.Remove{ID: id})
	}
	return &UnknownCommandError{Kind: DefaultRoomKind, Command: command}
}
