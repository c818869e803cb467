package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// YtdlpSource shells out to yt-dlp for search, metadata and stream
// URL extraction. The heaviest backend, but the most reliable one.
type YtdlpSource struct {
	proxy string
}

func NewYtdlpSource(proxy string) *YtdlpSource {
	return &YtdlpSource{proxy: proxy}
}

func (s *YtdlpSource) Name() string     { return "ytdlp" }
func (s *YtdlpSource) Kind() SourceKind { return KindExtractor }

func (s *YtdlpSource) IsValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be":
		return true
	}
	return false
}

// cmd builds a preconfigured yt-dlp invocation.
func (s *YtdlpSource) cmd() *ytdlp.Command {
	dl := ytdlp.New().Quiet().NoWarnings().IgnoreConfig()
	if s.proxy != "" {
		dl = dl.Proxy(s.proxy)
	}
	return dl
}

func (s *YtdlpSource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	dl := s.cmd().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(channel)s\t%(duration)s\t%(webpage_url)s")

	res, err := dl.Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
	if err != nil {
		return nil, classifyYtdlpError(s.Name(), err)
	}

	items := parseYtdlpLines(res.Stdout)
	if len(items) == 0 && strings.TrimSpace(res.Stderr) != "" {
		return nil, &ProtocolError{Backend: s.Name(), Detail: firstLine(res.Stderr)}
	}
	return items, nil
}

func (s *YtdlpSource) Resolve(ctx context.Context, rawURL string) (Item, error) {
	dl := s.cmd().
		NoPlaylist().
		Format("bestaudio/best").
		Print("%(id)s\t%(title)s\t%(channel)s\t%(duration)s\t%(webpage_url)s\t%(url)s")

	res, err := dl.Run(ctx, rawURL)
	if err != nil {
		return Item{}, classifyYtdlpError(s.Name(), err)
	}

	items := parseYtdlpLines(res.Stdout)
	if len(items) == 0 {
		return Item{}, &ProtocolError{Backend: s.Name(), Detail: "empty extractor output"}
	}
	return items[0], nil
}

// ExtractPlaylist lists up to max entries of a playlist URL without
// resolving stream URLs.
func (s *YtdlpSource) ExtractPlaylist(ctx context.Context, playlistURL string, max int) ([]Item, error) {
	if max <= 0 {
		max = 50
	}
	dl := s.cmd().
		FlatPlaylist().
		PlaylistItems(fmt.Sprintf("1-%d", max)).
		Print("%(id)s\t%(title)s\t%(channel)s\t%(duration)s\t%(url)s")

	res, err := dl.Run(ctx, playlistURL)
	if err != nil {
		return nil, classifyYtdlpError(s.Name(), err)
	}
	return parseYtdlpLines(res.Stdout), nil
}

// parseYtdlpLines decodes tab-separated print output. Fields:
// id, title, channel, duration, url[, streamURL].
func parseYtdlpLines(stdout string) []Item {
	var items []Item
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 5 {
			continue
		}
		item := Item{
			ID:      cleanField(parts[0]),
			Title:   cleanField(parts[1]),
			Channel: cleanField(parts[2]),
			URL:     cleanField(parts[4]),
			Source:  "ytdlp",
		}
		if secs, err := strconv.ParseFloat(cleanField(parts[3]), 64); err == nil {
			item.Duration = time.Duration(secs * float64(time.Second))
		}
		if len(parts) >= 6 {
			item.StreamURL = cleanField(parts[5])
		}
		if item.ID == "" || item.Title == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

// cleanField normalizes yt-dlp's "NA" placeholder to empty.
func cleanField(v string) string {
	v = strings.TrimSpace(v)
	if v == "NA" || v == "null" {
		return ""
	}
	return v
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func classifyYtdlpError(backend string, err error) error {
	if ctxErr := contextCause(err); ctxErr != nil {
		return ctxErr
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Unsupported URL"), strings.Contains(msg, "is not a valid URL"):
		return &ProtocolError{Backend: backend, Detail: firstLine(msg)}
	default:
		return &UnavailableError{Backend: backend, Err: err}
	}
}

// contextCause extracts a context cancellation buried in a wrapped
// subprocess error so the resolver can tell timeouts apart.
func contextCause(err error) error {
	msg := err.Error()
	if strings.Contains(msg, context.DeadlineExceeded.Error()) {
		return context.DeadlineExceeded
	}
	if strings.Contains(msg, context.Canceled.Error()) {
		return context.Canceled
	}
	return nil
}
