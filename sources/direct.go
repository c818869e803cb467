package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Media file extensions accepted without probing.
var directExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".oga":  true,
	".opus": true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".webm": true,
	".mp4":  true,
	".mkv":  true,
}

// DirectSource passes already-direct media URLs through. A URL with
// a known media extension is accepted as-is; anything else gets a
// HEAD probe to check the content type.
type DirectSource struct {
	client *http.Client
}

func NewDirectSource() *DirectSource {
	return &DirectSource{client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *DirectSource) Name() string     { return "direct" }
func (s *DirectSource) Kind() SourceKind { return KindDirect }

func (s *DirectSource) IsValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return directExtensions[strings.ToLower(path.Ext(u.Path))]
}

// Search is unsupported: there is nothing to search.
func (s *DirectSource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	return nil, nil
}

func (s *DirectSource) Resolve(ctx context.Context, rawURL string) (Item, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Item{}, ErrUnsupportedURL
	}

	if !directExtensions[strings.ToLower(path.Ext(u.Path))] {
		if err := s.probe(ctx, rawURL); err != nil {
			return Item{}, err
		}
	}

	title := path.Base(u.Path)
	if title == "." || title == "/" || title == "" {
		title = u.Hostname()
	}
	if unescaped, err := url.PathUnescape(title); err == nil {
		title = unescaped
	}
	return Item{
		ID:        rawURL,
		Title:     title,
		URL:       rawURL,
		StreamURL: rawURL,
		Source:    s.Name(),
	}, nil
}

// probe confirms the URL serves media.
func (s *DirectSource) probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &UnavailableError{Backend: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &UnavailableError{Backend: s.Name(), Err: fmt.Errorf("probe returned %d", resp.StatusCode)}
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "video/") ||
		ct == "application/ogg" || strings.HasPrefix(ct, "application/octet-stream") {
		return nil
	}
	return &ProtocolError{Backend: s.Name(), Detail: "not a media URL: " + ct}
}
