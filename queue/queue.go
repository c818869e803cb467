package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/leeineian/aria/sources"
	"github.com/leeineian/aria/sys"
)

// LoopMode controls what happens when the current track finishes.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	}
	return "off"
}

// FullError is returned when the pending list is at capacity.
type FullError struct {
	Max int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue is full (max %d tracks)", e.Max)
}

// QuarantinedError is returned when a track has failed out of
// rotation.
type QuarantinedError struct {
	Title   string
	Retries int
}

func (e *QuarantinedError) Error() string {
	return fmt.Sprintf("%q quarantined after %d failed attempts", e.Title, e.Retries)
}

// FailedItem is a quarantined track with its failure bookkeeping.
type FailedItem struct {
	Item      sources.Item
	Retries   int
	LastError string
	FailedAt  time.Time
}

// Options bound the queue's sizes and failure policy.
type Options struct {
	MaxPending       int
	MaxHistory       int
	MaxRetries       int
	RecoveryCooldown time.Duration
	// RecoveryBackoff doubles the cooldown after each recovery round
	// that re-admits nothing successfully.
	RecoveryBackoff bool
}

func DefaultOptions() Options {
	return Options{
		MaxPending:       500,
		MaxHistory:       50,
		MaxRetries:       3,
		RecoveryCooldown: 5 * time.Minute,
		RecoveryBackoff:  false,
	}
}

// Queue is a playback queue that survives track failures: flaky
// tracks are retried a bounded number of times, then quarantined,
// and a recovery pass re-admits them once things calm down.
type Queue struct {
	mu sync.Mutex

	pending []sources.Item
	current *sources.Item
	history []sources.Item
	failed  []FailedItem

	retryCounts map[string]int
	loopMode    LoopMode
	shuffle     bool

	consecutiveFailures int
	recoveryMode        bool
	lastFailure         time.Time
	cooldown            time.Duration

	opts Options
	rng  *rand.Rand
}

func New(opts Options) *Queue {
	def := DefaultOptions()
	if opts.MaxPending <= 0 {
		opts.MaxPending = def.MaxPending
	}
	if opts.MaxHistory < 0 {
		opts.MaxHistory = def.MaxHistory
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RecoveryCooldown <= 0 {
		opts.RecoveryCooldown = def.RecoveryCooldown
	}
	return &Queue{
		retryCounts: make(map[string]int),
		opts:        opts,
		cooldown:    opts.RecoveryCooldown,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add appends a track to the pending list.
func (q *Queue) Add(item sources.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.opts.MaxPending {
		sys.LogQueue(sys.MsgQueueFull, q.opts.MaxPending)
		return &FullError{Max: q.opts.MaxPending}
	}
	if q.isQuarantinedLocked(item.ID) {
		retries := q.retryCounts[item.ID]
		return &QuarantinedError{Title: item.Title, Retries: retries}
	}
	q.pending = append(q.pending, item)
	sys.LogQueue(sys.MsgQueueAdded, item.Title)
	return nil
}

// AddFront inserts a track at the head of the pending list.
func (q *Queue) AddFront(item sources.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.opts.MaxPending {
		return &FullError{Max: q.opts.MaxPending}
	}
	if q.isQuarantinedLocked(item.ID) {
		return &QuarantinedError{Title: item.Title, Retries: q.retryCounts[item.ID]}
	}
	q.pending = append([]sources.Item{item}, q.pending...)
	return nil
}

// Next advances the queue respecting the loop mode and returns the
// new current track. A false second return means the queue ran dry.
func (q *Queue) Next() (sources.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.advanceLocked(false)
}

// advanceLocked moves to the next track. force bypasses loop-track
// repetition (used by Skip).
func (q *Queue) advanceLocked(force bool) (sources.Item, bool) {
	// Loop-track repeats the current item unless it has failed out.
	if !force && q.loopMode == LoopTrack && q.current != nil {
		if q.isQuarantinedLocked(q.current.ID) {
			sys.LogQueue(sys.MsgQueueLoopBad)
		} else {
			return *q.current, true
		}
	}

	// Retire the finished track.
	if q.current != nil {
		if q.loopMode == LoopQueue && !q.isQuarantinedLocked(q.current.ID) {
			q.pending = append(q.pending, *q.current)
		} else {
			q.pushHistoryLocked(*q.current)
		}
		q.current = nil
	}

	if item, ok := q.popLocked(); ok {
		return item, true
	}

	// Nothing playable left. One re-admission round may refill
	// pending from the quarantine.
	if q.readmitLocked() {
		if item, ok := q.popLocked(); ok {
			return item, true
		}
	}

	sys.LogQueue(sys.MsgQueueEmpty)
	return sources.Item{}, false
}

// popLocked selects the next playable track. Shuffle mode draws a
// uniformly random index; FIFO pops the head. Quarantined carryovers
// are diverted to the failed list so no track is lost. The scan is
// bounded by the pending length.
func (q *Queue) popLocked() (sources.Item, bool) {
	for len(q.pending) > 0 {
		i := 0
		if q.shuffle {
			i = q.rng.Intn(len(q.pending))
		}
		item := q.pending[i]
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		if q.isQuarantinedLocked(item.ID) {
			sys.LogQueue(sys.MsgQueueSkippingBad, item.Title)
			q.failed = append(q.failed, FailedItem{
				Item:     item,
				Retries:  q.retryCounts[item.ID],
				FailedAt: time.Now(),
			})
			continue
		}
		q.current = &item
		sys.LogQueue(sys.MsgQueueNext, item.Title)
		return item, true
	}
	return sources.Item{}, false
}

// ReportFailure records that the current attempt on a track failed.
// The track is retried until it exhausts its retry budget, then
// quarantined.
func (q *Queue) ReportFailure(item sources.Item, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retryCounts[item.ID]++
	attempts := q.retryCounts[item.ID]
	q.consecutiveFailures++
	q.lastFailure = time.Now()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	sys.LogQueue(sys.MsgQueueFailure, attempts, item.Title, reason)

	if q.current != nil && q.current.ID == item.ID {
		q.current = nil
	}

	if attempts >= q.opts.MaxRetries {
		sys.LogQueue(sys.MsgQueueQuarantined, item.Title)
		q.failed = append(q.failed, FailedItem{
			Item:      item,
			Retries:   attempts,
			LastError: reason,
			FailedAt:  time.Now(),
		})
	} else {
		// Another chance, at the head so the retry is immediate.
		q.pending = append([]sources.Item{item}, q.pending...)
	}

	if q.consecutiveFailures >= recoveryTriggerThreshold && !q.recoveryMode {
		q.enterRecoveryLocked()
	}
}

// ReportSuccess records a successful playback start: the track's
// retry budget refills and the failure streak resets.
func (q *Queue) ReportSuccess(item sources.Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.retryCounts, item.ID)
	q.consecutiveFailures = 0
	if q.recoveryMode {
		q.exitRecoveryLocked(true)
	}
}

// Skip advances past the current track even under loop-track.
func (q *Queue) Skip() (sources.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.advanceLocked(true)
}

// SkipN advances past the current track and the next n-1 pending
// tracks. Stops early if the queue runs dry.
func (q *Queue) SkipN(n int) (sources.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var item sources.Item
	var ok bool
	for i := 0; i < n; i++ {
		item, ok = q.advanceLocked(true)
		if !ok {
			return sources.Item{}, false
		}
	}
	return item, ok
}

// Shuffle randomizes the pending order by repeated random removal.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	shuffled := make([]sources.Item, 0, len(q.pending))
	for len(q.pending) > 0 {
		i := q.rng.Intn(len(q.pending))
		shuffled = append(shuffled, q.pending[i])
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
	}
	q.pending = shuffled
}

// Remove deletes the pending track at index.
func (q *Queue) Remove(index int) (sources.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.pending) {
		return sources.Item{}, false
	}
	item := q.pending[index]
	q.pending = append(q.pending[:index], q.pending[index+1:]...)
	return item, true
}

// RemoveDuplicates drops repeated track IDs from pending, keeping
// first occurrences.
func (q *Queue) RemoveDuplicates() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool, len(q.pending))
	kept := q.pending[:0]
	removed := 0
	for _, item := range q.pending {
		if seen[item.ID] {
			removed++
			continue
		}
		seen[item.ID] = true
		kept = append(kept, item)
	}
	q.pending = kept
	if removed > 0 {
		sys.LogQueue(sys.MsgQueueDupesRemoved, removed)
	}
	return removed
}

// Clear empties the pending list. Current, history and quarantine
// are untouched.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	sys.LogQueue(sys.MsgQueueCleared, n)
	return n
}

// SetShuffle toggles random-order dequeueing. Tracks enqueued while
// shuffle is on take part in the draw.
func (q *Queue) SetShuffle(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuffle = on
}

func (q *Queue) ShuffleMode() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuffle
}

// SetLoopMode switches the loop behavior.
func (q *Queue) SetLoopMode(mode LoopMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loopMode = mode
}

func (q *Queue) LoopModeState() LoopMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loopMode
}

// Current returns the playing track, if any.
func (q *Queue) Current() (sources.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return sources.Item{}, false
	}
	return *q.current, true
}

// Pending returns a copy of the pending list.
func (q *Queue) Pending() []sources.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]sources.Item, len(q.pending))
	copy(out, q.pending)
	return out
}

// History returns a copy of the playback history, newest last.
func (q *Queue) History() []sources.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]sources.Item, len(q.history))
	copy(out, q.history)
	return out
}

// Failed returns a copy of the quarantine list.
func (q *Queue) Failed() []FailedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedItem, len(q.failed))
	copy(out, q.failed)
	return out
}

// Len reports the pending count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats is a point-in-time snapshot of the queue's state.
type Stats struct {
	Pending             int
	History             int
	Quarantined         int
	LoopMode            LoopMode
	Shuffle             bool
	ConsecutiveFailures int
	InRecovery          bool
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:             len(q.pending),
		History:             len(q.history),
		Quarantined:         len(q.failed),
		LoopMode:            q.loopMode,
		Shuffle:             q.shuffle,
		ConsecutiveFailures: q.consecutiveFailures,
		InRecovery:          q.recoveryMode,
	}
}

func (q *Queue) pushHistoryLocked(item sources.Item) {
	if q.opts.MaxHistory == 0 {
		return
	}
	q.history = append(q.history, item)
	if len(q.history) > q.opts.MaxHistory {
		q.history = q.history[len(q.history)-q.opts.MaxHistory:]
	}
}

func (q *Queue) isQuarantinedLocked(id string) bool {
	return q.retryCounts[id] >= q.opts.MaxRetries
}
