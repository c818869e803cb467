package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const feedBaseURL = "https://www.youtube.com/feeds/videos.xml"

// FeedSource reads channel upload feeds over RSS. Last-resort
// backend: free and unblockable, but only answers channel queries
// and carries no durations.
type FeedSource struct {
	client  *http.Client
	baseURL string
}

func NewFeedSource() *FeedSource {
	return &FeedSource{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: feedBaseURL,
	}
}

func (s *FeedSource) Name() string     { return "feed" }
func (s *FeedSource) Kind() SourceKind { return KindFeed }

var channelIDRe = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

func (s *FeedSource) IsValidURL(rawURL string) bool {
	return extractChannelID(rawURL) != ""
}

// feedDocument is the Atom upload-feed shape.
type feedDocument struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []feedEntry `xml:"entry"`
}

type feedEntry struct {
	VideoID string `xml:"videoId"`
	Title   string `xml:"title"`
	Author  struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

// Search treats the query as a channel ID and lists that channel's
// recent uploads. Free-text queries return nothing.
func (s *FeedSource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	channelID := strings.TrimSpace(query)
	if !channelIDRe.MatchString(channelID) {
		return nil, nil
	}
	return s.fetchFeed(ctx, channelID, limit)
}

// Resolve fetches the newest upload of a channel URL.
func (s *FeedSource) Resolve(ctx context.Context, rawURL string) (Item, error) {
	channelID := extractChannelID(rawURL)
	if channelID == "" {
		return Item{}, ErrUnsupportedURL
	}
	items, err := s.fetchFeed(ctx, channelID, 1)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, &ProtocolError{Backend: s.Name(), Detail: "channel feed is empty"}
	}
	return items[0], nil
}

func (s *FeedSource) fetchFeed(ctx context.Context, channelID string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	endpoint := fmt.Sprintf("%s?channel_id=%s", s.baseURL, url.QueryEscape(channelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Backend: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{Backend: s.Name(), Err: fmt.Errorf("feed returned %d", resp.StatusCode)}
	}

	var doc feedDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &ProtocolError{Backend: s.Name(), Detail: fmt.Sprintf("bad feed XML: %v", err)}
	}

	var items []Item
	for _, e := range doc.Entries {
		if e.VideoID == "" || e.Title == "" {
			continue
		}
		items = append(items, Item{
			ID:      e.VideoID,
			Title:   e.Title,
			Channel: e.Author.Name,
			URL:     "https://www.youtube.com/watch?v=" + e.VideoID,
			Source:  s.Name(),
		})
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

// extractChannelID accepts channel page URLs and raw feed URLs.
func extractChannelID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "youtube.com" && host != "m.youtube.com" {
		return ""
	}
	var id string
	switch {
	case strings.HasPrefix(u.Path, "/channel/"):
		id = strings.TrimPrefix(u.Path, "/channel/")
		id = strings.SplitN(id, "/", 2)[0]
	case u.Path == "/feeds/videos.xml":
		id = u.Query().Get("channel_id")
	}
	if channelIDRe.MatchString(id) {
		return id
	}
	return ""
}
