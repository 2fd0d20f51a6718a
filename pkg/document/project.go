package document

import "github.com/superpowers/superpowers-core-sub000/pkg/schema"

// ManifestSchema describes a project's manifest.json.
var ManifestSchema = schema.Schema{
	"name":          {Type: "string", Mutable: true, MinLength: schema.Int(1), MaxLength: schema.Int(80)},
	"description":   {Type: "string", Mutable: true, MaxLength: schema.Int(300)},
	"formatVersion": {Type: "integer"},
}

// EntrySchema describes the nodes of entries.json. Folders have a null
// type and a children array; assets have a type and no children.
var EntrySchema = schema.Schema{
	"id":       {Type: "string"},
	"name":     {Type: "string", Mutable: true, MinLength: schema.Int(1), MaxLength: schema.Int(80)},
	"type":     {Type: "string?"},
	"children": {Type: "array?"},
}
