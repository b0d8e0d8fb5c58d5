package mirror

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Entry types in a listing.
const (
	TypeFile = "file"
	TypeDir  = "dir"
)

// RemoteEntry is one element of a directory listing, or the metadata
// document of a single file.
type RemoteEntry struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
}

func parseListing(body []byte) ([]RemoteEntry, error) {
	var entries []RemoteEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("mirror: decoding listing: %w", err)
	}

	return entries, nil
}

func parseMetadata(body []byte) (*RemoteEntry, error) {
	var e RemoteEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("mirror: decoding file metadata: %w", err)
	}

	return &e, nil
}

// decodeContent decodes inline base64 content. Line breaks and other
// whitespace inside the payload are ignored.
func decodeContent(e *RemoteEntry) ([]byte, error) {
	if e.Encoding != "" && e.Encoding != "base64" {
		return nil, fmt.Errorf("mirror: %s: unsupported content encoding %q", e.Name, e.Encoding)
	}

	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return r
	}, e.Content)

	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("mirror: %s: decoding content: %w", e.Name, err)
	}

	return data, nil
}

// streamPath turns a download URL into the path, plus query, to request
// through the destination. The URL's scheme and host are discarded.
func streamPath(downloadURL string) (string, error) {
	if downloadURL == "" {
		return "", errors.New("mirror: entry has no download_url")
	}

	u, err := url.Parse(downloadURL)
	if err != nil {
		return "", fmt.Errorf("mirror: invalid download_url %q: %w", downloadURL, err)
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}

	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}

	return p, nil
}

// safeName NFC-normalizes name and rejects anything that could escape the
// directory it is written into.
func safeName(name string) (string, error) {
	n := norm.NFC.String(name)

	switch {
	case n == "", n == ".", n == "..":
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(n, `/\`), strings.ContainsRune(n, 0):
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}

	return n, nil
}
