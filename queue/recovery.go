package queue

import (
	"time"

	"github.com/leeineian/aria/sys"
)

// Consecutive failures that flip the queue into recovery mode.
const recoveryTriggerThreshold = 3

// Quarantined tracks re-admitted per recovery round.
const recoveryBatchSize = 3

// Upper bound on a backed-off cooldown.
const maxRecoveryCooldown = time.Hour

func (q *Queue) enterRecoveryLocked() {
	q.recoveryMode = true
	sys.LogQueue(sys.MsgQueueRecoveryOn, q.consecutiveFailures)
}

func (q *Queue) exitRecoveryLocked(success bool) {
	q.recoveryMode = false
	if success {
		q.cooldown = q.opts.RecoveryCooldown
	}
}

// readmitLocked runs when a dequeue finds nothing playable: once the
// cooldown since the last failure has elapsed, a small batch of
// quarantined tracks gets its retry budget back and rejoins the
// pending list. Reports whether anything was re-admitted.
func (q *Queue) readmitLocked() bool {
	if len(q.failed) == 0 {
		return false
	}
	if time.Since(q.lastFailure) < q.cooldown {
		sys.LogQueue(sys.MsgQueueRecoveryNotYet)
		return false
	}

	sys.LogQueue(sys.MsgQueueRecoveryTry)
	batch := recoveryBatchSize
	if batch > len(q.failed) {
		batch = len(q.failed)
	}
	for i := 0; i < batch; i++ {
		f := q.failed[i]
		delete(q.retryCounts, f.Item.ID)
		q.pending = append(q.pending, f.Item)
		sys.LogQueue(sys.MsgQueueRecovered, f.Item.Title)
	}
	q.failed = q.failed[batch:]
	// Restart the window so the next batch waits its turn.
	q.lastFailure = time.Now()

	if q.opts.RecoveryBackoff {
		q.cooldown *= 2
		if q.cooldown > maxRecoveryCooldown {
			q.cooldown = maxRecoveryCooldown
		}
	}
	return true
}

// InRecovery reports whether the queue is in recovery mode.
func (q *Queue) InRecovery() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recoveryMode
}

// ConsecutiveFailures reports the current failure streak.
func (q *Queue) ConsecutiveFailures() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consecutiveFailures
}
