package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// APISource queries the official YouTube Data API v3. Requires an
// API key; cheap and fast but quota-limited.
type APISource struct {
	service *youtube.Service
}

// NewAPISource builds the API client. Returns an error when the key
// is empty or the client cannot be constructed.
func NewAPISource(ctx context.Context, apiKey string) (*APISource, error) {
	if apiKey == "" {
		return nil, errors.New("missing API key")
	}
	service, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &APISource{service: service}, nil
}

func (s *APISource) Name() string     { return "ytapi" }
func (s *APISource) Kind() SourceKind { return KindAPI }

func (s *APISource) IsValidURL(rawURL string) bool {
	return extractVideoID(rawURL) != ""
}

func (s *APISource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	call := s.service.Search.List([]string{"id", "snippet"}).
		Q(query).
		Type("video").
		MaxResults(int64(limit)).
		Context(ctx)

	resp, err := call.Do()
	if err != nil {
		return nil, classifyAPIError(s.Name(), err)
	}

	var ids []string
	byID := make(map[string]Item)
	for _, result := range resp.Items {
		if result.Id == nil || result.Id.Kind != "youtube#video" || result.Id.VideoId == "" {
			continue
		}
		id := result.Id.VideoId
		ids = append(ids, id)
		byID[id] = Item{
			ID:        id,
			Title:     result.Snippet.Title,
			Channel:   result.Snippet.ChannelTitle,
			URL:       "https://www.youtube.com/watch?v=" + id,
			Thumbnail: thumbnailURL(result.Snippet.Thumbnails),
			Source:    s.Name(),
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Search results carry no durations; a second call fills them in.
	if err := s.fillDurations(ctx, ids, byID); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, byID[id])
	}
	return items, nil
}

func (s *APISource) Resolve(ctx context.Context, rawURL string) (Item, error) {
	id := extractVideoID(rawURL)
	if id == "" {
		return Item{}, ErrUnsupportedURL
	}
	resp, err := s.service.Videos.List([]string{"snippet", "contentDetails"}).
		Id(id).
		Context(ctx).
		Do()
	if err != nil {
		return Item{}, classifyAPIError(s.Name(), err)
	}
	if len(resp.Items) == 0 {
		return Item{}, &ProtocolError{Backend: s.Name(), Detail: "video not found: " + id}
	}
	v := resp.Items[0]
	return Item{
		ID:        v.Id,
		Title:     v.Snippet.Title,
		Channel:   v.Snippet.ChannelTitle,
		URL:       "https://www.youtube.com/watch?v=" + v.Id,
		Thumbnail: thumbnailURL(v.Snippet.Thumbnails),
		Duration:  parseISO8601Duration(v.ContentDetails.Duration),
		Source:    s.Name(),
	}, nil
}

// thumbnailURL picks the medium thumbnail, falling back to the
// default size.
func thumbnailURL(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	if t.Medium != nil {
		return t.Medium.Url
	}
	if t.Default != nil {
		return t.Default.Url
	}
	return ""
}

func (s *APISource) fillDurations(ctx context.Context, ids []string, byID map[string]Item) error {
	resp, err := s.service.Videos.List([]string{"contentDetails"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return classifyAPIError(s.Name(), err)
	}
	for _, v := range resp.Items {
		if item, ok := byID[v.Id]; ok {
			item.Duration = parseISO8601Duration(v.ContentDetails.Duration)
			byID[v.Id] = item
		}
	}
	return nil
}

var iso8601Re = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseISO8601Duration decodes the API's "PT3M20S" duration format.
func parseISO8601Duration(s string) time.Duration {
	m := iso8601Re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		min, _ := strconv.Atoi(m[2])
		d += time.Duration(min) * time.Minute
	}
	if m[3] != "" {
		sec, _ := strconv.Atoi(m[3])
		d += time.Duration(sec) * time.Second
	}
	return d
}

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// extractVideoID pulls the 11-character video ID out of watch,
// shorts and youtu.be URLs.
func extractVideoID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.TrimPrefix(u.Path, "/")
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		}
	}
	id = strings.Trim(id, "/")
	if videoIDRe.MatchString(id) {
		return id
	}
	return ""
}

func classifyAPIError(backend string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "quotaExceeded") || strings.Contains(msg, "403") {
		return &UnavailableError{Backend: backend, Err: err}
	}
	if strings.Contains(msg, "400") || strings.Contains(msg, "invalid") {
		return &ProtocolError{Backend: backend, Detail: firstLine(msg)}
	}
	return &UnavailableError{Backend: backend, Err: err}
}
