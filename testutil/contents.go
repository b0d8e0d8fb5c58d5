package testutil

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
)

// Paths served by ContentsBackend.
const (
	ContentsPrefix = "/contents"
	rawPrefix      = "/raw/"
	lfsPrefix      = "/raw_lfs/"
)

// ContentsBackend serves a file tree the way a repository contents API
// does: GET /contents/<dir> returns a JSON listing, GET /contents/<file>
// returns metadata with base64 content, and download URLs point at
// /raw/<file> or, for large-object files, /raw_lfs/<file>.
type ContentsBackend struct {
	mu    sync.Mutex
	files map[string][]byte
	lfs   map[string]bool
	fail  map[string]int
	hits  map[string]int
}

// NewContentsBackend serves files, keyed by slash-separated relative path.
// Directories are implied by the keys.
func NewContentsBackend(files map[string][]byte) *ContentsBackend {
	return &ContentsBackend{
		files: files,
		lfs:   make(map[string]bool),
		fail:  make(map[string]int),
		hits:  make(map[string]int),
	}
}

// MarkLargeObject makes the metadata of file point into the large-object
// store.
func (b *ContentsBackend) MarkLargeObject(file string) {
	b.mu.Lock()
	b.lfs[file] = true
	b.mu.Unlock()
}

// FailRequests makes requests for the exact request path p answer status.
func (b *ContentsBackend) FailRequests(p string, status int) {
	b.mu.Lock()
	b.fail[p] = status
	b.mu.Unlock()
}

// Hits returns how often the request path p was served.
func (b *ContentsBackend) Hits(p string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.hits[p]
}

type contentsEntry struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
	Content     string `json:"content,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

func (b *ContentsBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path

	b.mu.Lock()
	b.hits[p]++
	status, failing := b.fail[p]
	b.mu.Unlock()

	if failing {
		http.Error(w, "injected failure", status)
		return
	}

	switch {
	case strings.HasPrefix(p, rawPrefix):
		b.serveRaw(w, strings.TrimPrefix(p, rawPrefix))
	case strings.HasPrefix(p, lfsPrefix):
		b.serveRaw(w, strings.TrimPrefix(p, lfsPrefix))
	case p == ContentsPrefix || strings.HasPrefix(p, ContentsPrefix+"/"):
		b.serveContents(w, strings.Trim(strings.TrimPrefix(p, ContentsPrefix), "/"))
	default:
		http.NotFound(w, r)
	}
}

func (b *ContentsBackend) serveRaw(w http.ResponseWriter, rel string) {
	b.mu.Lock()
	data, ok := b.files[rel]
	b.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (b *ContentsBackend) serveContents(w http.ResponseWriter, rel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data, ok := b.files[rel]; ok {
		e := b.entryLocked(rel, data)
		e.Content = wrapBase64(data)
		e.Encoding = "base64"
		writeJSON(w, e)

		return
	}

	listing := b.listLocked(rel)
	if listing == nil {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, listing)
}

func (b *ContentsBackend) entryLocked(rel string, data []byte) contentsEntry {
	prefix := rawPrefix
	if b.lfs[rel] {
		prefix = lfsPrefix
	}

	return contentsEntry{
		Type:        "file",
		Name:        path.Base(rel),
		Path:        rel,
		Size:        int64(len(data)),
		DownloadURL: "https://" + BackendHost + prefix + rel,
	}
}

// listLocked returns the direct children of dir sorted by name, or nil if
// dir does not exist.
func (b *ContentsBackend) listLocked(dir string) []contentsEntry {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	seenDirs := make(map[string]bool)

	var out []contentsEntry

	for rel, data := range b.files {
		rest, ok := strings.CutPrefix(rel, prefix)
		if !ok {
			continue
		}

		if child, _, nested := strings.Cut(rest, "/"); nested {
			if !seenDirs[child] {
				seenDirs[child] = true
				out = append(out, contentsEntry{Type: "dir", Name: child, Path: prefix + child})
			}

			continue
		}

		e := b.entryLocked(rel, data)
		out = append(out, e)
	}

	if out == nil {
		if dir == "" {
			return []contentsEntry{}
		}

		return nil
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// wrapBase64 encodes data with a newline every 60 characters.
func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)

	var sb strings.Builder

	for len(enc) > 60 {
		sb.WriteString(enc[:60])
		sb.WriteByte('\n')
		enc = enc[60:]
	}

	sb.WriteString(enc)

	return sb.String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
