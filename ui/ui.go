// Package ui embeds the viewer and admin pages.
package ui

import (
	"embed"
	"io/fs"
)

//go:embed web
var webFS embed.FS

// FS returns the embedded pages rooted at the web/ directory.
func FS() (fs.FS, error) {
	return fs.Sub(webFS, "web")
}
