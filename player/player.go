package player

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/leeineian/aria/cache"
	"github.com/leeineian/aria/queue"
	"github.com/leeineian/aria/sources"
	"github.com/leeineian/aria/sys"
)

// Manager tracks one playback session per consumer.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	resolver  *sources.Resolver
	media     *cache.MediaCache
	queueOpts queue.Options
}

var (
	managerInstance *Manager
	managerOnce     sync.Once
)

// InitManager wires the singleton manager. First call wins.
func InitManager(resolver *sources.Resolver, media *cache.MediaCache, queueOpts queue.Options) *Manager {
	managerOnce.Do(func() {
		managerInstance = &Manager{
			sessions:  make(map[string]*Session),
			resolver:  resolver,
			media:     media,
			queueOpts: queueOpts,
		}
	})
	return managerInstance
}

// GetManager returns the singleton; nil before InitManager.
func GetManager() *Manager {
	return managerInstance
}

// NewManager builds a standalone manager, bypassing the singleton.
func NewManager(resolver *sources.Resolver, media *cache.MediaCache, queueOpts queue.Options) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		resolver:  resolver,
		media:     media,
		queueOpts: queueOpts,
	}
}

// Session returns the session for key, creating it on first use.
func (m *Manager) Session(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{
		ID:       uuid.NewString(),
		Key:      key,
		queue:    queue.New(m.queueOpts),
		resolver: m.resolver,
		media:    m.media,
	}
	m.sessions[key] = s
	sys.LogPlayer("Session created: %s (%s)", key, s.ID)
	return s
}

// CloseSession drops a session and its queue.
func (m *Manager) CloseSession(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		delete(m.sessions, key)
		sys.LogPlayer("Session closed: %s", key)
	}
}

// SessionCount reports how many sessions are live.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Resolve runs a search through the shared resolver without touching
// any session's queue.
func (m *Manager) Resolve(ctx context.Context, query string, limit int) ([]sources.Item, error) {
	return m.resolver.Search(ctx, query, limit)
}

// Session is one consumer's playback state: a resilient queue plus
// the resolution machinery to keep it fed.
type Session struct {
	ID  string
	Key string

	queue    *queue.Queue
	resolver *sources.Resolver
	media    *cache.MediaCache
}

// Queue exposes the session's queue for direct manipulation.
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// Enqueue resolves a user input (URL or search text) and appends the
// result to the queue.
func (s *Session) Enqueue(ctx context.Context, input string) (sources.Item, error) {
	item, err := s.resolveInput(ctx, input)
	if err != nil {
		return sources.Item{}, err
	}
	if err := s.queue.Add(item); err != nil {
		return sources.Item{}, err
	}
	return item, nil
}

// EnqueueFront resolves an input and inserts it at the queue head.
func (s *Session) EnqueueFront(ctx context.Context, input string) (sources.Item, error) {
	item, err := s.resolveInput(ctx, input)
	if err != nil {
		return sources.Item{}, err
	}
	if err := s.queue.AddFront(item); err != nil {
		return sources.Item{}, err
	}
	return item, nil
}

func (s *Session) resolveInput(ctx context.Context, input string) (sources.Item, error) {
	item, err := s.resolver.Resolve(ctx, input)
	if err != nil {
		return sources.Item{}, err
	}
	if item.ID == "" {
		return sources.Item{}, fmt.Errorf("nothing resolvable for %q", input)
	}
	item.RequestedBy = s.Key
	if s.media != nil {
		s.media.PutMetadata(item)
		if item.StreamURL != "" {
			s.media.PutStream(item.ID, item.StreamURL)
		}
	}
	return item, nil
}

// PlayNext advances the queue and prepares the next track's stream
// URL, reporting the outcome back to the queue's failure machinery.
// A false second return means the queue is empty.
func (s *Session) PlayNext(ctx context.Context) (sources.Item, bool, error) {
	for {
		item, ok := s.queue.Next()
		if !ok {
			return sources.Item{}, false, nil
		}

		prepared, err := s.prepare(ctx, item)
		if err != nil {
			s.queue.ReportFailure(item, err)
			if dbErr := sys.RecordFailure(item.ID, item.Title); dbErr != nil {
				sys.LogError("Failed to record failure: %v", dbErr)
			}
			if ctx.Err() != nil {
				return sources.Item{}, false, ctx.Err()
			}
			continue
		}

		s.queue.ReportSuccess(prepared)
		if dbErr := sys.RecordPlay(prepared.ID, prepared.Title, prepared.Channel, prepared.Source, prepared.Duration); dbErr != nil {
			sys.LogError("Failed to record play: %v", dbErr)
		}
		return prepared, true, nil
	}
}

// Skip advances past the current track even under loop-track, then
// prepares the replacement through the same failure-aware path.
func (s *Session) Skip(ctx context.Context) (sources.Item, bool, error) {
	item, ok := s.queue.Skip()
	if !ok {
		return sources.Item{}, false, nil
	}
	prepared, err := s.prepare(ctx, item)
	if err != nil {
		s.queue.ReportFailure(item, err)
		if dbErr := sys.RecordFailure(item.ID, item.Title); dbErr != nil {
			sys.LogError("Failed to record failure: %v", dbErr)
		}
		if ctx.Err() != nil {
			return sources.Item{}, false, ctx.Err()
		}
		return s.PlayNext(ctx)
	}
	s.queue.ReportSuccess(prepared)
	if dbErr := sys.RecordPlay(prepared.ID, prepared.Title, prepared.Channel, prepared.Source, prepared.Duration); dbErr != nil {
		sys.LogError("Failed to record play: %v", dbErr)
	}
	return prepared, true, nil
}

// prepare makes sure the item carries a playable stream URL, using
// the cache before re-resolving.
func (s *Session) prepare(ctx context.Context, item sources.Item) (sources.Item, error) {
	if item.StreamURL != "" {
		return item, nil
	}
	if s.media != nil {
		if streamURL, ok := s.media.GetStream(item.ID); ok {
			item.StreamURL = streamURL
			return item, nil
		}
	}
	if item.URL == "" {
		return sources.Item{}, fmt.Errorf("track %q has no URL to extract from", item.Title)
	}
	resolved, err := s.resolver.Resolve(ctx, item.URL)
	if err != nil {
		return sources.Item{}, err
	}
	if resolved.StreamURL == "" {
		return sources.Item{}, fmt.Errorf("no stream URL extracted for %q", item.Title)
	}
	item.StreamURL = resolved.StreamURL
	if resolved.Duration > 0 {
		item.Duration = resolved.Duration
	}
	if s.media != nil {
		s.media.PutStream(item.ID, item.StreamURL)
	}
	return item, nil
}
