package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/ashita-ai/hibiki/internal/model"
)

// pageAliases maps clean page routes to their files.
var pageAliases = map[string]string{
	"/":      "/index.html",
	"/admin": "/admin.html",
}

// staticHandler serves the embedded viewer and admin pages. Paths that are
// neither a page nor an asset get a JSON 404, so a mistyped API call never
// comes back as HTML.
type staticHandler struct {
	fs http.FileSystem
}

func newStaticHandler(fsys fs.FS) http.Handler {
	return &staticHandler{fs: http.FS(fsys)}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, r, http.StatusMethodNotAllowed, model.ErrCodeInvalidInput, "method not allowed")
		return
	}

	urlPath := path.Clean("/" + r.URL.Path)
	if alias, ok := pageAliases[urlPath]; ok {
		urlPath = alias
	}

	f, err := h.fs.Open(urlPath)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	defer func() { _ = f.Close() }()
	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	setCacheHeaders(w, urlPath)
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}

// setCacheHeaders keeps HTML pages fresh and lets scripts and styles be
// cached briefly.
func setCacheHeaders(w http.ResponseWriter, urlPath string) {
	if strings.HasSuffix(urlPath, ".html") {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
}
