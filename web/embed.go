// Package web bundles the player and monitor pages.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled pages, scripts and styles.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
