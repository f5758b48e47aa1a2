// Package jobqueue holds admitted jobs in memory until a worker takes them:
// one FIFO per canonical backend under a shared byte budget.
package jobqueue

import (
	"context"
	"sync"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// DefaultMaxQueueBytes bounds in-flight program bytes when no limit is
// configured.
const DefaultMaxQueueBytes = 100 * 1024 * 1024

// Queue is the in-flight job queue. FIFO order holds within one backend;
// nothing is promised across backends.
type Queue struct {
	mu           sync.Mutex
	fifos        map[string][]models.QueueEntry
	index        map[string]string // job_id -> backend, for Drop
	waiters      map[string][]chan struct{}
	pendingBytes int64
	maxBytes     int64
	logger       *common.Logger
}

var _ interfaces.JobQueue = (*Queue)(nil)

// NewQueue creates a queue bounded to maxBytes of queued program bytes.
func NewQueue(maxBytes int64, logger *common.Logger) *Queue {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxQueueBytes
	}
	return &Queue{
		fifos:    make(map[string][]models.QueueEntry),
		index:    make(map[string]string),
		waiters:  make(map[string][]chan struct{}),
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Enqueue appends the entry to its backend's FIFO, rejecting it when the
// byte budget would overflow. Blocked takers for that backend are woken.
func (q *Queue) Enqueue(entry models.QueueEntry) error {
	q.mu.Lock()
	if q.pendingBytes+entry.ProgramSizeBytes > q.maxBytes {
		pending := q.pendingBytes
		q.mu.Unlock()
		return common.Ef(common.KindResourceExhausted,
			"queue full: %d bytes in flight, %d requested, budget %d", pending, entry.ProgramSizeBytes, q.maxBytes)
	}

	backend := entry.BackendCanonical
	q.fifos[backend] = append(q.fifos[backend], entry)
	q.index[entry.JobID] = backend
	q.pendingBytes += entry.ProgramSizeBytes

	// Wake every taker for this backend; each re-checks the FIFO, so a
	// waiter that cancelled in the meantime cannot strand the entry.
	woken := q.waiters[backend]
	delete(q.waiters, backend)
	q.mu.Unlock()

	for _, ch := range woken {
		close(ch)
	}
	return nil
}

// Take removes and returns the oldest entry for the backend, blocking until
// one is available or ctx is done. Cancellation is honored on entry and on
// every wake.
func (q *Queue) Take(ctx context.Context, backendCanonical string) (models.QueueEntry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.QueueEntry{}, err
		}

		q.mu.Lock()
		if fifo := q.fifos[backendCanonical]; len(fifo) > 0 {
			entry := fifo[0]
			q.fifos[backendCanonical] = fifo[1:]
			if len(q.fifos[backendCanonical]) == 0 {
				delete(q.fifos, backendCanonical)
			}
			delete(q.index, entry.JobID)
			q.pendingBytes -= entry.ProgramSizeBytes
			q.mu.Unlock()
			return entry, nil
		}

		wake := make(chan struct{})
		q.waiters[backendCanonical] = append(q.waiters[backendCanonical], wake)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.removeWaiter(backendCanonical, wake)
			return models.QueueEntry{}, ctx.Err()
		case <-wake:
		}
	}
}

// Drop removes a queued entry by job id, reporting whether it was present.
func (q *Queue) Drop(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	backend, ok := q.index[jobID]
	if !ok {
		return false
	}

	fifo := q.fifos[backend]
	for i, entry := range fifo {
		if entry.JobID == jobID {
			q.fifos[backend] = append(fifo[:i], fifo[i+1:]...)
			if len(q.fifos[backend]) == 0 {
				delete(q.fifos, backend)
			}
			delete(q.index, jobID)
			q.pendingBytes -= entry.ProgramSizeBytes
			return true
		}
	}

	delete(q.index, jobID)
	return false
}

// Depth returns the number of entries waiting for a backend.
func (q *Queue) Depth(backendCanonical string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifos[backendCanonical])
}

// PendingBytes returns the bytes currently counted against the budget.
func (q *Queue) PendingBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingBytes
}

func (q *Queue) removeWaiter(backend string, ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ws := q.waiters[backend]
	for i, w := range ws {
		if w == ch {
			q.waiters[backend] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(q.waiters[backend]) == 0 {
		delete(q.waiters, backend)
	}
}
