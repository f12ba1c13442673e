// Package media holds the file extensions the server is willing to list and
// stream, and the content type each one is served with.
package media

import (
	"path"
	"sort"
	"strings"
)

// DefaultContentType is used for allow-listed extensions without a table entry.
const DefaultContentType = "video/mp4"

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".mkv":  "video/x-matroska",
	".rmvb": "application/vnd.rn-realmedia-vbr",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
}

// IsMedia reports whether name carries an allow-listed extension. The match is
// case-insensitive.
func IsMedia(name string) bool {
	_, ok := contentTypes[extension(name)]
	return ok
}

// ContentType returns the MIME type for name, falling back to video/mp4.
func ContentType(name string) string {
	if ct, ok := contentTypes[extension(name)]; ok {
		return ct
	}
	return DefaultContentType
}

// Extensions lists the allow-listed extensions in sorted order.
func Extensions() []string {
	out := make([]string, 0, len(contentTypes))
	for ext := range contentTypes {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func extension(name string) string {
	return strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
}
