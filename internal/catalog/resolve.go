package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/RagingGuard/video-share/internal/media"
)

// Resolve maps a client-supplied relative path onto a file below the root of
// catalog id. Paths that are absolute, contain "..", or escape the root in any
// other lexical way are rejected with ErrInvalidPath. Listings are NFC but
// some filesystems store names decomposed, so the NFD spelling is tried when
// the NFC one does not exist. The returned path may not exist.
func (c *Cache) Resolve(id, rel string) (string, error) {
	root, ok := c.Root(id)
	if !ok {
		return "", fmt.Errorf("resolve %q: %w", id, ErrUnknownCatalog)
	}
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || strings.Contains(rel, "\\") || strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", ErrInvalidPath
	}
	if !media.IsMedia(rel) {
		return "", ErrNotMedia
	}

	composed := filepath.Join(root, norm.NFC.String(local))
	if _, err := os.Stat(composed); err == nil {
		return composed, nil
	}
	decomposed := filepath.Join(root, norm.NFD.String(local))
	if decomposed != composed {
		if _, err := os.Stat(decomposed); err == nil {
			return decomposed, nil
		}
	}
	return composed, nil
}
