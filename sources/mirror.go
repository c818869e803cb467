package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ppalone/ytsearch"
	"golang.org/x/time/rate"
)

// Public Invidious instances tried in rotation. Overridable for tests.
var defaultMirrorInstances = []string{
	"https://yewtu.be",
	"https://inv.nadeko.net",
	"https://invidious.nerdvpn.de",
}

// MirrorSource queries Invidious mirror instances over their JSON
// API, rotating between them and falling back to a direct result
// page scrape when every instance is down.
type MirrorSource struct {
	instances []string
	next      atomic.Uint64
	client    *http.Client
	limiter   *rate.Limiter
	scraper   *ytsearch.Client
}

func NewMirrorSource(instances []string) *MirrorSource {
	if len(instances) == 0 {
		instances = defaultMirrorInstances
	}
	return &MirrorSource{
		instances: instances,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		scraper:   ytsearch.NewClient(nil),
	}
}

func (s *MirrorSource) Name() string     { return "mirror" }
func (s *MirrorSource) Kind() SourceKind { return KindMirror }

func (s *MirrorSource) IsValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, inst := range s.instances {
		if iu, err := url.Parse(inst); err == nil && strings.EqualFold(iu.Hostname(), host) {
			return true
		}
	}
	return false
}

// mirrorVideo is the Invidious API's video shape, trimmed to what we
// consume.
type mirrorVideo struct {
	VideoID       string `json:"videoId"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	LengthSeconds int    `json:"lengthSeconds"`
	Type          string `json:"type"`
	Thumbnails    []struct {
		Quality string `json:"quality"`
		URL     string `json:"url"`
	} `json:"videoThumbnails"`
}

func (v mirrorVideo) thumbnail() string {
	for _, t := range v.Thumbnails {
		if t.Quality == "medium" {
			return t.URL
		}
	}
	if len(v.Thumbnails) > 0 {
		return v.Thumbnails[0].URL
	}
	return ""
}

func (s *MirrorSource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	var lastErr error
	for range s.instances {
		instance := s.pickInstance()
		items, err := s.searchInstance(ctx, instance, query, limit)
		if err == nil {
			return items, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
	}

	// Every instance failed; scrape the public results page instead.
	items, err := s.scrapeSearch(ctx, query, limit)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return items, nil
}

func (s *MirrorSource) Resolve(ctx context.Context, rawURL string) (Item, error) {
	id := extractVideoID(rewriteMirrorURL(rawURL))
	if id == "" {
		return Item{}, ErrUnsupportedURL
	}
	var lastErr error
	for range s.instances {
		instance := s.pickInstance()
		item, err := s.resolveInstance(ctx, instance, id)
		if err == nil {
			return item, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Item{}, err
		}
		lastErr = err
	}
	return Item{}, lastErr
}

func (s *MirrorSource) pickInstance() string {
	n := s.next.Add(1)
	return s.instances[int(n-1)%len(s.instances)]
}

func (s *MirrorSource) searchInstance(ctx context.Context, instance, query string, limit int) ([]Item, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/api/v1/search?q=%s&type=video", instance, url.QueryEscape(query))
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
		return nil, &UnavailableError{Backend: s.Name(), Err: fmt.Errorf("%s returned %d", instance, resp.StatusCode)}
	}

	var videos []mirrorVideo
	if err := json.NewDecoder(resp.Body).Decode(&videos); err != nil {
		return nil, &ProtocolError{Backend: s.Name(), Detail: fmt.Sprintf("bad JSON from %s: %v", instance, err)}
	}

	var items []Item
	for _, v := range videos {
		if v.VideoID == "" || v.Title == "" {
			continue
		}
		if v.Type != "" && v.Type != "video" {
			continue
		}
		items = append(items, Item{
			ID:        v.VideoID,
			Title:     v.Title,
			Channel:   v.Author,
			URL:       "https://www.youtube.com/watch?v=" + v.VideoID,
			Thumbnail: v.thumbnail(),
			Duration:  time.Duration(v.LengthSeconds) * time.Second,
			Source:    s.Name(),
		})
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *MirrorSource) resolveInstance(ctx context.Context, instance, id string) (Item, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Item{}, err
	}
	endpoint := fmt.Sprintf("%s/api/v1/videos/%s", instance, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Item{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Item{}, &UnavailableError{Backend: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Item{}, &UnavailableError{Backend: s.Name(), Err: fmt.Errorf("%s returned %d", instance, resp.StatusCode)}
	}

	var v mirrorVideo
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Item{}, &ProtocolError{Backend: s.Name(), Detail: fmt.Sprintf("bad JSON from %s: %v", instance, err)}
	}
	if v.VideoID == "" {
		return Item{}, &ProtocolError{Backend: s.Name(), Detail: "video payload missing id"}
	}
	return Item{
		ID:        v.VideoID,
		Title:     v.Title,
		Channel:   v.Author,
		URL:       "https://www.youtube.com/watch?v=" + v.VideoID,
		Thumbnail: v.thumbnail(),
		Duration:  time.Duration(v.LengthSeconds) * time.Second,
		Source:    s.Name(),
	}, nil
}

// scrapeSearch is the last-ditch path: parse the public results page
// when the mirror pool is entirely down.
func (s *MirrorSource) scrapeSearch(ctx context.Context, query string, limit int) ([]Item, error) {
	if s.scraper == nil {
		return nil, &UnavailableError{Backend: s.Name(), Err: errors.New("scrape fallback disabled")}
	}
	r, err := s.scraper.Search(ctx, query)
	if err != nil {
		return nil, &UnavailableError{Backend: s.Name(), Err: err}
	}
	var items []Item
	for _, v := range r.Results {
		if v.VideoID == "" || v.Title == "" {
			continue
		}
		items = append(items, Item{
			ID:       v.VideoID,
			Title:    v.Title,
			Channel:  v.Channel,
			URL:      "https://www.youtube.com/watch?v=" + v.VideoID,
			Duration: parseColonDuration(v.Duration),
			Source:   s.Name(),
		})
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

// rewriteMirrorURL maps an instance-hosted watch URL onto the
// canonical host so ID extraction applies.
func rewriteMirrorURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = "www.youtube.com"
	u.Scheme = "https"
	return u.String()
}

// parseColonDuration parses "3:20" or "1:02:45" style durations.
func parseColonDuration(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	var total time.Duration
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return 0
		}
		total = total*60 + time.Duration(n)*time.Second
	}
	return total
}
