package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/aria/sources"
	"github.com/leeineian/aria/sys"
)

// Per-class entry ceilings.
const (
	maxStreamEntries   = 200
	maxMetadataEntries = 500
	maxSearchEntries   = 300
)

// Options configure the cache TTLs and ceilings.
type Options struct {
	StreamTTL       time.Duration
	MetadataTTL     time.Duration
	SearchTTL       time.Duration
	CleanupInterval time.Duration
	MemoryLimitMB   uint64
}

func DefaultOptions() Options {
	return Options{
		StreamTTL:       time.Hour,
		MetadataTTL:     2 * time.Hour,
		SearchTTL:       30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MemoryLimitMB:   256,
	}
}

// entry is one cached value with its bookkeeping.
type entry[V any] struct {
	value      V
	size       uint64
	expiresAt  time.Time
	lastAccess time.Time
	hits       uint64
}

// store is one cache class: bounded entry count, TTL, LRU insert
// eviction, approximate byte accounting.
type store[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	maxEntries int
	ttl        time.Duration
	sizer      func(V) uint64
	bytes      uint64

	hits      uint64
	misses    uint64
	evictions uint64
}

func newStore[V any](maxEntries int, ttl time.Duration, sizer func(V) uint64) *store[V] {
	return &store[V]{
		entries:    make(map[string]*entry[V]),
		maxEntries: maxEntries,
		ttl:        ttl,
		sizer:      sizer,
	}
}

func (s *store[V]) get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero V
	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		s.removeLocked(key)
		s.misses++
		return zero, false
	}
	e.lastAccess = time.Now()
	e.hits++
	s.hits++
	return e.value, true
}

// put inserts a value, first evicting least-recently-used entries
// from this class until both the entry ceiling and the byte budget
// admit the insertion.
func (s *store[V]) put(key string, value V, budget uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	if len(s.entries) >= s.maxEntries {
		s.evictLRULocked()
	}
	size := s.sizer(value)
	for s.bytes+size > budget && len(s.entries) > 0 {
		s.evictLRULocked()
	}
	now := time.Now()
	s.entries[key] = &entry[V]{
		value:      value,
		size:       size,
		expiresAt:  now.Add(s.ttl),
		lastAccess: now,
	}
	s.bytes += size
}

func (s *store[V]) removeLocked(key string) {
	if e, ok := s.entries[key]; ok {
		s.bytes -= e.size
		delete(s.entries, key)
	}
}

// evictLRULocked drops the least-recently-accessed entry.
func (s *store[V]) evictLRULocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range s.entries {
		if oldestKey == "" || e.lastAccess.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.lastAccess
		}
	}
	if oldestKey != "" {
		s.removeLocked(oldestKey)
		s.evictions++
	}
}

// evictLFU drops the n least-frequently-used entries.
func (s *store[V]) evictLFU(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for evicted < n && len(s.entries) > 0 {
		var coldKey string
		var coldHits uint64
		for key, e := range s.entries {
			if coldKey == "" || e.hits < coldHits {
				coldKey = key
				coldHits = e.hits
			}
		}
		s.removeLocked(coldKey)
		s.evictions++
		evicted++
	}
	return evicted
}

// evictFraction drops the given share of entries, oldest-access
// first.
func (s *store[V]) evictFraction(frac float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := int(float64(len(s.entries)) * frac)
	evicted := 0
	for evicted < target && len(s.entries) > 0 {
		s.evictLRULocked()
		evicted++
	}
	return evicted
}

// sweep removes every expired entry and returns counts before/after.
func (s *store[V]) sweep() (before, after int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = len(s.entries)
	now := time.Now()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			s.removeLocked(key)
		}
	}
	return before, len(s.entries)
}

func (s *store[V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *store[V]) sizeBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *store[V]) counters() (hits, misses, evictions uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses, s.evictions
}

// MediaCache is the three-class adaptive cache: stream URLs,
// resolved metadata and search result lists, each with its own TTL,
// under a shared memory ceiling policed by host pressure.
type MediaCache struct {
	stream   *store[string]
	metadata *store[sources.Item]
	search   *store[[]sources.Item]
	monitor  *MemoryMonitor
	opts     Options

	stopOnce sync.Once
	stop     chan struct{}
}

func New(opts Options) *MediaCache {
	def := DefaultOptions()
	if opts.StreamTTL <= 0 {
		opts.StreamTTL = def.StreamTTL
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = def.MetadataTTL
	}
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = def.SearchTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.MemoryLimitMB == 0 {
		opts.MemoryLimitMB = def.MemoryLimitMB
	}
	return &MediaCache{
		stream:   newStore(maxStreamEntries, opts.StreamTTL, sizeOfString),
		metadata: newStore(maxMetadataEntries, opts.MetadataTTL, sizeOfItem),
		search:   newStore(maxSearchEntries, opts.SearchTTL, sizeOfItems),
		monitor:  NewMemoryMonitor(),
		opts:     opts,
		stop:     make(chan struct{}),
	}
}

// --- Stream URLs ---

func (c *MediaCache) GetStream(trackID string) (string, bool) {
	return c.stream.get(trackID)
}

func (c *MediaCache) PutStream(trackID, streamURL string) {
	if trackID == "" || streamURL == "" {
		return
	}
	c.stream.put(trackID, streamURL, c.classBudget(c.metadata.sizeBytes(), c.search.sizeBytes()))
}

// --- Metadata ---

func (c *MediaCache) GetMetadata(trackID string) (sources.Item, bool) {
	return c.metadata.get(trackID)
}

func (c *MediaCache) PutMetadata(item sources.Item) {
	if item.ID == "" {
		return
	}
	c.metadata.put(item.ID, item, c.classBudget(c.stream.sizeBytes(), c.search.sizeBytes()))
}

// --- Search results ---

func (c *MediaCache) GetSearch(query string) ([]sources.Item, bool) {
	return c.search.get(NormalizeQuery(query))
}

func (c *MediaCache) PutSearch(query string, items []sources.Item) {
	if len(items) == 0 {
		return
	}
	c.search.put(NormalizeQuery(query), items, c.classBudget(c.stream.sizeBytes(), c.metadata.sizeBytes()))
}

// NormalizeQuery canonicalizes a search query for cache keying.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// --- Lifecycle ---

// Start launches the background maintenance loop. Returns
// immediately; the loop stops when ctx is done or Stop is called.
func (c *MediaCache) Start(ctx context.Context) {
	sys.LogCache(sys.MsgCacheStarted, c.opts.MemoryLimitMB)
	go func() {
		ticker := time.NewTicker(c.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

func (c *MediaCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Cleanup runs one maintenance pass: TTL sweep first, then a
// pressure-proportional eviction across every class.
func (c *MediaCache) Cleanup() {
	sb, sa := c.stream.sweep()
	mb, ma := c.metadata.sweep()
	qb, qa := c.search.sweep()
	sys.LogCache(sys.MsgCacheCleanup, sb, sa, mb, ma, qb, qa)

	switch pressure := c.monitor.Pressure(); pressure {
	case PressureLow:
		// Nothing beyond the TTL sweep.
	case PressureMedium:
		sys.LogCache(sys.MsgCachePressureLFU)
		c.stream.evictLFU(lfuShare(c.stream.len(), c.totalEntries()))
		c.metadata.evictLFU(lfuShare(c.metadata.len(), c.totalEntries()))
		c.search.evictLFU(lfuShare(c.search.len(), c.totalEntries()))
	case PressureHigh:
		sys.LogCache(sys.MsgCachePressure, pressure, 25)
		c.evictEverywhere(0.25)
	case PressureCritical:
		sys.LogCache(sys.MsgCachePressure, pressure, 50)
		c.evictEverywhere(0.50)
	}
}

// Under medium pressure a fixed batch of cold entries goes, split
// proportionally by class population.
const mediumEvictionBatch = 10

func lfuShare(classLen, total int) int {
	if total == 0 || classLen == 0 {
		return 0
	}
	n := mediumEvictionBatch * classLen / total
	if n == 0 {
		n = 1
	}
	return n
}

func (c *MediaCache) evictEverywhere(frac float64) {
	c.stream.evictFraction(frac)
	c.metadata.evictFraction(frac)
	c.search.evictFraction(frac)
}

// classBudget is the share of the memory ceiling left to one class
// given what the other two already hold. Each class only ever evicts
// its own entries to fit.
func (c *MediaCache) classBudget(otherA, otherB uint64) uint64 {
	limit := c.opts.MemoryLimitMB * 1024 * 1024
	if other := otherA + otherB; other < limit {
		return limit - other
	}
	return 0
}

func (c *MediaCache) estimatedBytes() uint64 {
	return c.stream.sizeBytes() + c.metadata.sizeBytes() + c.search.sizeBytes()
}

func (c *MediaCache) totalEntries() int {
	return c.stream.len() + c.metadata.len() + c.search.len()
}

// Stats reports entry counts, hit ratios and the estimated
// footprint.
type Stats struct {
	StreamEntries   int
	MetadataEntries int
	SearchEntries   int
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	EstimatedBytes  uint64
	Pressure        PressureLevel
}

func (c *MediaCache) Stats() Stats {
	s := Stats{
		StreamEntries:   c.stream.len(),
		MetadataEntries: c.metadata.len(),
		SearchEntries:   c.search.len(),
		EstimatedBytes:  c.estimatedBytes(),
		Pressure:        c.monitor.Pressure(),
	}
	for _, counters := range []func() (uint64, uint64, uint64){
		c.stream.counters, c.metadata.counters, c.search.counters,
	} {
		h, m, e := counters()
		s.Hits += h
		s.Misses += m
		s.Evictions += e
	}
	return s
}

// --- Size estimation ---

const entryOverhead = 96

func sizeOfString(s string) uint64 {
	return uint64(len(s)) + entryOverhead
}

func sizeOfItem(item sources.Item) uint64 {
	return uint64(len(item.ID)+len(item.Title)+len(item.Channel)+
		len(item.URL)+len(item.StreamURL)+len(item.Thumbnail)+
		len(item.Source)+len(item.RequestedBy)) + entryOverhead
}

func sizeOfItems(items []sources.Item) uint64 {
	var total uint64 = entryOverhead
	for _, item := range items {
		total += sizeOfItem(item)
	}
	return total
}
