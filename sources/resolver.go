package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/leeineian/aria/sys"
)

// SearchCache is the resolver's view of the search-result cache.
type SearchCache interface {
	GetSearch(query string) ([]Item, bool)
	PutSearch(query string, items []Item)
}

// ResolverOptions tune the hierarchical fallback behavior.
type ResolverOptions struct {
	DefaultLimit int           // results per search when caller passes 0
	BackoffBase  time.Duration // first retry delay, doubled per attempt
	BackoffCap   time.Duration // upper bound on a single delay
}

func defaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		DefaultLimit: 5,
		BackoffBase:  500 * time.Millisecond,
		BackoffCap:   5 * time.Second,
	}
}

// Resolver walks the backend hierarchy: direct URL dispatch first,
// then cached searches, then each enabled backend in priority order
// with per-backend retries, then one corrected-query pass.
type Resolver struct {
	registry *Registry
	cache    SearchCache
	opts     ResolverOptions
}

func NewResolver(registry *Registry, cache SearchCache) *Resolver {
	return &Resolver{
		registry: registry,
		cache:    cache,
		opts:     defaultResolverOptions(),
	}
}

// NewResolverWithOptions is NewResolver with explicit tuning.
func NewResolverWithOptions(registry *Registry, cache SearchCache, opts ResolverOptions) *Resolver {
	def := defaultResolverOptions()
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = def.BackoffCap
	}
	return &Resolver{registry: registry, cache: cache, opts: opts}
}

// Resolve handles a single user input. URLs dispatch straight to the
// backend that claims them; anything else is a text search whose
// best match is returned.
func (r *Resolver) Resolve(ctx context.Context, input string) (Item, error) {
	input = strings.TrimSpace(input)
	if looksLikeURL(input) {
		return r.resolveURL(ctx, input)
	}
	items, err := r.Search(ctx, input, 0)
	if err != nil {
		return Item{}, err
	}
	return SelectBest(items, input), nil
}

func (r *Resolver) resolveURL(ctx context.Context, rawURL string) (Item, error) {
	// Direct media URLs have no backend hierarchy to walk.
	for _, slot := range r.registry.all() {
		if !slot.config.Enabled || !slot.source.IsValidURL(rawURL) {
			continue
		}
		sys.LogResolver(sys.MsgResolverDirectURL, slot.source.Name(), rawURL)
		item, err := r.resolveWithRetry(ctx, slot, rawURL)
		if err != nil {
			return Item{}, err
		}
		return item, nil
	}
	return Item{}, ErrUnsupportedURL
}

// Search runs the full backend hierarchy for a text query.
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = r.opts.DefaultLimit
	}
	query = strings.TrimSpace(query)

	if r.cache != nil {
		if items, ok := r.cache.GetSearch(query); ok {
			sys.LogResolver(sys.MsgResolverCacheHit, query)
			return cappedCopy(items, limit), nil
		}
	}

	backends := r.registry.enabled()
	if len(backends) == 0 {
		sys.LogResolver(sys.MsgResolverAllDisabled, query)
		return nil, &NoResultsError{Query: query}
	}

	started := time.Now()
	tried := make([]string, 0, len(backends))

	items, lastErr, err := r.searchBackends(ctx, backends, query, limit, &tried)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		r.storeSearch(query, items)
		return items, nil
	}

	// One corrected-query pass before giving up, under a combined
	// budget of one timeout per backend.
	if corrected := CorrectQuery(query); corrected != "" && corrected != query {
		sys.LogResolver(sys.MsgResolverCorrection, query, corrected)
		passCtx, cancel := context.WithTimeout(ctx, correctedPassBudget(backends))
		var retryErr error
		items, retryErr, err = r.searchBackends(passCtx, backends, corrected, limit, &tried)
		cancel()
		if err != nil {
			// Only the caller's cancellation aborts the walk; our own
			// budget expiring falls through to exhaustion.
			if ctx.Err() != nil {
				return nil, err
			}
			err = nil
		}
		if retryErr != nil {
			lastErr = retryErr
		}
		if len(items) > 0 {
			r.storeSearch(query, items)
			return items, nil
		}
	}

	sys.LogResolver(sys.MsgResolverExhausted, time.Since(started).Round(time.Millisecond))
	if lastErr != nil {
		return nil, fmt.Errorf("all backends failed (tried %s): %w",
			strings.Join(dedupeStrings(tried), ", "), lastErr)
	}
	return nil, &NoResultsError{Query: query, Tried: dedupeStrings(tried)}
}

// searchBackends tries every backend in priority order and returns
// the first non-empty result set. lastErr carries the most recent
// backend failure; a fatal error (context expiry) comes back in err.
// Everything nil means every backend came up empty.
func (r *Resolver) searchBackends(ctx context.Context, backends []backendSlot, query string, limit int, tried *[]string) (results []Item, lastErr, err error) {
	for _, slot := range backends {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		*tried = append(*tried, slot.source.Name())

		started := time.Now()
		items, searchErr := r.searchWithRetry(ctx, slot, query, limit)
		if searchErr != nil {
			if errors.Is(searchErr, context.Canceled) || errors.Is(searchErr, context.DeadlineExceeded) {
				return nil, nil, searchErr
			}
			sys.LogResolver(sys.MsgResolverBackendFail, slot.source.Name(), searchErr)
			lastErr = searchErr
			continue
		}
		if len(items) == 0 {
			sys.LogResolver(sys.MsgResolverEmpty, slot.source.Name())
			continue
		}
		sys.LogResolver(sys.MsgResolverSuccess, slot.source.Name(), len(items), time.Since(started).Round(time.Millisecond))
		return cappedCopy(items, limit), nil, nil
	}
	return nil, lastErr, nil
}

// searchWithRetry runs one backend with its configured deadline and
// retry budget. Protocol errors abort immediately; the backend is
// considered broken for this call.
func (r *Resolver) searchWithRetry(ctx context.Context, slot backendSlot, query string, limit int) ([]Item, error) {
	retries := slot.config.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, slot.config.Timeout)
		items, err := slot.source.Search(attemptCtx, query, limit)
		cancel()
		if err == nil {
			return items, nil
		}
		lastErr = normalizeAttemptError(slot.source.Name(), slot.config.Timeout, ctx, err)
		if !IsRetryable(lastErr) {
			sys.LogResolver(sys.MsgResolverProtocolSkip, slot.source.Name())
			return nil, lastErr
		}
		if errors.Is(lastErr, context.Canceled) || (errors.Is(lastErr, context.DeadlineExceeded) && ctx.Err() != nil) {
			return nil, ctx.Err()
		}
		if attempt < retries {
			if err := r.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (r *Resolver) resolveWithRetry(ctx context.Context, slot backendSlot, rawURL string) (Item, error) {
	retries := slot.config.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, slot.config.Timeout)
		item, err := slot.source.Resolve(attemptCtx, rawURL)
		cancel()
		if err == nil {
			return item, nil
		}
		lastErr = normalizeAttemptError(slot.source.Name(), slot.config.Timeout, ctx, err)
		if !IsRetryable(lastErr) {
			return Item{}, lastErr
		}
		if errors.Is(lastErr, context.Canceled) || (errors.Is(lastErr, context.DeadlineExceeded) && ctx.Err() != nil) {
			return Item{}, ctx.Err()
		}
		if attempt < retries {
			if err := r.backoff(ctx, attempt); err != nil {
				return Item{}, err
			}
		}
	}
	return Item{}, lastErr
}

// backoff sleeps base*2^(attempt-1), capped, honoring cancellation.
func (r *Resolver) backoff(ctx context.Context, attempt int) error {
	delay := r.opts.BackoffBase << (attempt - 1)
	if delay > r.opts.BackoffCap {
		delay = r.opts.BackoffCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// normalizeAttemptError converts a per-attempt deadline blow into a
// TimeoutError so only parent-context expiry aborts the whole walk.
func normalizeAttemptError(backend string, timeout time.Duration, parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &TimeoutError{Backend: backend, Elapsed: timeout}
	}
	return err
}

func (r *Resolver) storeSearch(query string, items []Item) {
	if r.cache != nil && len(items) > 0 {
		r.cache.PutSearch(query, items)
	}
}

func cappedCopy(items []Item, limit int) []Item {
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// correctedPassBudget bounds the fallback pass to a single attempt's
// worth of every backend's deadline.
func correctedPassBudget(backends []backendSlot) time.Duration {
	var budget time.Duration
	for _, slot := range backends {
		budget += slot.config.Timeout
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return budget
}

func looksLikeURL(input string) bool {
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return false
	}
	u, err := url.Parse(input)
	return err == nil && u.Host != ""
}

// --- Result selection ---

// SelectBest picks the item whose title best matches the query.
// Titles containing the query as a folded substring outrank merely
// fuzzy matches, fuzzy matches outrank non-matches, and a lower edit
// rank wins among equals, with the duration band as a tiebreaker.
// Falls back to the best duration fit when nothing matches.
func SelectBest(items []Item, query string) Item {
	if len(items) == 0 {
		return Item{}
	}
	type ranked struct {
		item    Item
		exact   bool
		matched bool
		rank    int
		band    float64
	}
	folded := foldLower(query)
	candidates := make([]ranked, 0, len(items))
	for _, item := range items {
		rank := fuzzy.RankMatchNormalizedFold(query, item.Title)
		candidates = append(candidates, ranked{
			item:    item,
			exact:   strings.Contains(foldLower(item.Title), folded),
			matched: rank >= 0,
			rank:    rank,
			band:    durationBandScore(item.Duration),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.exact != b.exact {
			return a.exact
		}
		if a.matched != b.matched {
			return a.matched
		}
		if a.matched && a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.band > b.band
	})
	return candidates[0].item
}

// foldLower lowercases and strips Latin diacritics for substring
// comparison.
func foldLower(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if folded, ok := diacriticFold[r]; ok {
			r = folded
		}
		b.WriteRune(r)
	}
	return b.String()
}

// durationBandScore favors typical track lengths: full score inside
// the 1-10 minute window, decaying smoothly outside it. Unknown
// durations score zero.
func durationBandScore(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	min := time.Minute
	max := 10 * time.Minute
	switch {
	case d >= min && d <= max:
		return 1
	case d < min:
		return float64(d) / float64(min)
	default:
		return float64(max) / float64(d)
	}
}

// --- Query correction ---

// Latin diacritic fold table for the corrective pass.
var diacriticFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ä': 'a', 'ã': 'a', 'å': 'a', 'ā': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e', 'ē': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i', 'ī': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'ö': 'o', 'õ': 'o', 'ø': 'o', 'ō': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u', 'ū': 'u',
	'ç': 'c', 'ñ': 'n', 'ý': 'y', 'ÿ': 'y', 'ß': 's',
}

const maxCorrectedKeywords = 6

// CorrectQuery produces the fallback form of a failed query: folded
// diacritics, stripped punctuation, truncated to the leading
// keywords. Empty when nothing survives.
func CorrectQuery(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		if folded, ok := diacriticFold[r]; ok {
			r = folded
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		default:
			// Punctuation drops entirely.
		}
	}
	words := strings.Fields(b.String())
	if len(words) > maxCorrectedKeywords {
		words = words[:maxCorrectedKeywords]
	}
	return strings.Join(words, " ")
}
