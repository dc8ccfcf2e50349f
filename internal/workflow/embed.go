package workflow

import (
	"embed"
	"io/fs"
)

// builtinTemplates embeds the built-in workflow templates.
//
//go:embed templates/*.yaml
var builtinTemplates embed.FS

// BuiltinTemplatesFS returns the templates subdirectory as a filesystem,
// with the "templates/" prefix stripped.
func BuiltinTemplatesFS() (fs.FS, error) {
	return fs.Sub(builtinTemplates, "templates")
}
