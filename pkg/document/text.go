package document

import "github.com/superpowers/superpowers-core-sub000/pkg/schema"

var textSchema = schema.Schema{
	"content": {Type: "string", Mutable: true, MaxLength: schema.Int(1 << 20)},
	"format":  {Type: "enum", Mutable: true, Enum: []any{"plain", "markdown"}},
}

func newText() map[string]any {
	return map[string]any{"content": "", "format": "plain"}
}

// TextKind is a plain text asset.
func TextKind() Kind {
	return Kind{
		Name: "text",
		New:  func() any { return newText() },
		Load: func(state any) (Document, error) {
			return loadHash("text", textSchema, newText(), state)
		},
	}
}
