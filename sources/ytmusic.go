package sources

import (
	"context"
	"time"

	"github.com/raitonoberu/ytmusic"
)

// MusicSource searches through the YouTube Music internal API. No
// key needed, music-biased results, no URL resolution support.
type MusicSource struct{}

func NewMusicSource() *MusicSource { return &MusicSource{} }

func (s *MusicSource) Name() string     { return "ytmusic" }
func (s *MusicSource) Kind() SourceKind { return KindAPI }

// IsValidURL always returns false: this backend is search-only.
func (s *MusicSource) IsValidURL(rawURL string) bool { return false }

func (s *MusicSource) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}

	type result struct {
		items []Item
		err   error
	}
	ch := make(chan result, 1)

	// The client has no context support, so the call runs in a
	// goroutine and the deadline is enforced here.
	go func() {
		search := ytmusic.TrackSearch(query)
		r, err := search.Next()
		if err != nil {
			ch <- result{err: &UnavailableError{Backend: s.Name(), Err: err}}
			return
		}
		var items []Item
		for _, t := range r.Tracks {
			if t.VideoID == "" || t.Title == "" {
				continue
			}
			channel := ""
			if len(t.Artists) > 0 {
				channel = t.Artists[0].Name
			}
			items = append(items, Item{
				ID:       t.VideoID,
				Title:    t.Title,
				Channel:  channel,
				URL:      "https://music.youtube.com/watch?v=" + t.VideoID,
				Duration: time.Duration(t.Duration) * time.Second,
				Source:   s.Name(),
			})
			if len(items) >= limit {
				break
			}
		}
		ch <- result{items: items}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.items, r.err
	}
}

// Resolve is unsupported; the resolver never routes URLs here.
func (s *MusicSource) Resolve(ctx context.Context, rawURL string) (Item, error) {
	return Item{}, ErrUnsupportedURL
}
