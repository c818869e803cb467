package player

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leeineian/aria/cache"
	"github.com/leeineian/aria/queue"
	"github.com/leeineian/aria/sources"
)

// stubSource serves canned items and scripted extraction failures.
type stubSource struct {
	mu           sync.Mutex
	items        map[string]sources.Item // query or URL -> item
	failFirstN   int
	resolveCalls int
}

func (s *stubSource) Name() string             { return "stub" }
func (s *stubSource) Kind() sources.SourceKind { return sources.KindExtractor }

func (s *stubSource) IsValidURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://stub/")
}

func (s *stubSource) Search(ctx context.Context, query string, limit int) ([]sources.Item, error) {
	if item, ok := s.items[query]; ok {
		return []sources.Item{item}, nil
	}
	return nil, nil
}

func (s *stubSource) Resolve(ctx context.Context, rawURL string) (sources.Item, error) {
	s.mu.Lock()
	s.resolveCalls++
	call := s.resolveCalls
	s.mu.Unlock()
	if call <= s.failFirstN {
		return sources.Item{}, &sources.UnavailableError{Backend: "stub", Err: errors.New("extraction down")}
	}
	if item, ok := s.items[rawURL]; ok {
		return item, nil
	}
	return sources.Item{}, sources.ErrUnsupportedURL
}

func testManager(stub *stubSource) *Manager {
	registry := sources.NewRegistry()
	registry.Register(stub, sources.BackendConfig{
		Enabled:    true,
		Priority:   1,
		Timeout:    time.Second,
		MaxRetries: 1,
	})
	media := cache.New(cache.Options{MemoryLimitMB: 16})
	resolver := sources.NewResolverWithOptions(registry, media, sources.ResolverOptions{
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
	return NewManager(resolver, media, queue.Options{
		MaxPending:       10,
		MaxHistory:       5,
		MaxRetries:       2,
		RecoveryCooldown: time.Minute,
	})
}

func TestSessionReuse(t *testing.T) {
	m := testManager(&stubSource{})
	a := m.Session("room-1")
	b := m.Session("room-1")
	c := m.Session("room-2")
	if a != b {
		t.Fatal("same key produced different sessions")
	}
	if a == c {
		t.Fatal("different keys share a session")
	}
	if m.SessionCount() != 2 {
		t.Fatalf("SessionCount = %d", m.SessionCount())
	}

	m.CloseSession("room-1")
	if m.SessionCount() != 1 {
		t.Fatalf("SessionCount after close = %d", m.SessionCount())
	}
}

func TestEnqueueSearchThenPlay(t *testing.T) {
	stub := &stubSource{items: map[string]sources.Item{
		"some song": {
			ID: "trk1", Title: "Some Song", URL: "https://stub/trk1", Source: "stub",
		},
		"https://stub/trk1": {
			ID: "trk1", Title: "Some Song", URL: "https://stub/trk1",
			StreamURL: "https://cdn.stub/trk1.webm", Source: "stub",
		},
	}}
	m := testManager(stub)
	s := m.Session("test")

	item, err := s.Enqueue(context.Background(), "some song")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.ID != "trk1" {
		t.Fatalf("enqueued %+v", item)
	}

	playing, ok, err := s.PlayNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("PlayNext = %v, %v", ok, err)
	}
	if playing.StreamURL != "https://cdn.stub/trk1.webm" {
		t.Fatalf("stream not prepared: %+v", playing)
	}
}

func TestEnqueueURLDirect(t *testing.T) {
	stub := &stubSource{items: map[string]sources.Item{
		"https://stub/direct": {
			ID: "d1", Title: "Direct", URL: "https://stub/direct",
			StreamURL: "https://cdn.stub/d1", Source: "stub",
		},
	}}
	m := testManager(stub)
	s := m.Session("test")

	item, err := s.Enqueue(context.Background(), "https://stub/direct")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.ID != "d1" {
		t.Fatalf("resolved %+v", item)
	}
}

func TestPlayNextSkipsFailingTrack(t *testing.T) {
	stub := &stubSource{
		failFirstN: 2, // both retries of the bad track fail
		items: map[string]sources.Item{
			"https://stub/good": {
				ID: "good", Title: "Good", URL: "https://stub/good",
				StreamURL: "https://cdn.stub/good", Source: "stub",
			},
		},
	}
	m := testManager(stub)
	s := m.Session("test")

	bad := sources.Item{ID: "bad", Title: "Bad", URL: "https://stub/bad", Source: "stub"}
	good := sources.Item{ID: "good", Title: "Good", URL: "https://stub/good", Source: "stub"}
	if err := s.Queue().Add(bad); err != nil {
		t.Fatal(err)
	}
	if err := s.Queue().Add(good); err != nil {
		t.Fatal(err)
	}

	playing, ok, err := s.PlayNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("PlayNext = %v, %v", ok, err)
	}
	if playing.ID != "good" {
		t.Fatalf("played %s, want good", playing.ID)
	}
	failed := s.Queue().Failed()
	if len(failed) != 1 || failed[0].Item.ID != "bad" {
		t.Fatalf("quarantine = %+v", failed)
	}
}

func TestPlayNextUsesStreamCache(t *testing.T) {
	stub := &stubSource{items: map[string]sources.Item{
		"https://stub/trk": {
			ID: "trk", Title: "Track", URL: "https://stub/trk",
			StreamURL: "https://cdn.stub/trk", Source: "stub",
		},
	}}
	m := testManager(stub)
	s := m.Session("test")

	item := sources.Item{ID: "trk", Title: "Track", URL: "https://stub/trk", Source: "stub"}
	m.media.PutStream("trk", "https://cdn.stub/cached")
	if err := s.Queue().Add(item); err != nil {
		t.Fatal(err)
	}

	playing, ok, err := s.PlayNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("PlayNext = %v, %v", ok, err)
	}
	if playing.StreamURL != "https://cdn.stub/cached" {
		t.Fatalf("cache not used: %s", playing.StreamURL)
	}
	if stub.resolveCalls != 0 {
		t.Fatalf("resolver called %d times despite cache hit", stub.resolveCalls)
	}
}

func TestPlayNextEmptyQueue(t *testing.T) {
	m := testManager(&stubSource{})
	s := m.Session("test")
	_, ok, err := s.PlayNext(context.Background())
	if err != nil || ok {
		t.Fatalf("empty queue PlayNext = %v, %v", ok, err)
	}
}
