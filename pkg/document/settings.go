package document

import (
	"fmt"
	"strings"

	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

var shortcutKeyRule = &schema.Rule{Type: "string", MinLength: schema.Int(1), MaxLength: schema.Int(64)}

var settingsSchema = schema.Schema{
	"theme":    {Type: "enum", Mutable: true, Enum: []any{"light", "dark"}},
	"tabSize":  {Type: "integer", Mutable: true, Min: schema.Float(1), Max: schema.Float(16)},
	"autoSave": {Type: "boolean", Mutable: true},
	"shortcuts": {
		Type:   "hash",
		Values: &schema.Rule{Type: "string?", Mutable: true, MaxLength: schema.Int(32)},
		Keys:   shortcutKeyRule,
	},
}

func newSettings() map[string]any {
	return map[string]any{
		"theme":     "light",
		"tabSize":   2,
		"autoSave":  true,
		"shortcuts": map[string]any{},
	}
}

// SettingsKind is the project-wide editor settings resource.
func SettingsKind() Kind {
	return Kind{
		Name: "settings",
		New:  func() any { return newSettings() },
		Load: func(state any) (Document, error) {
			d, err := loadHash("settings", settingsSchema, newSettings(), state)
			if err != nil {
				return nil, err
			}
			d.check = checkShortcutPath
			return d, nil
		},
	}
}

// checkShortcutPath applies the key rule to paths written inside the open
// shortcuts map, which path resolution alone does not see.
func checkShortcutPath(path string, _ any) error {
	key, ok := strings.CutPrefix(path, "shortcuts.")
	if !ok {
		return nil
	}
	if strings.Contains(key, ".") {
		return fmt.Errorf("invalid key: %s", path)
	}
	if violation := schema.Validate(key, shortcutKeyRule, true); violation != nil {
		return fmt.Errorf("invalid key: %s: %w", path, violation)
	}
	return nil
}
