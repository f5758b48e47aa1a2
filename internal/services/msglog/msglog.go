// Package msglog keeps a short in-memory narration of each job's lifecycle
// for operators. Losing it is acceptable; the job record stays authoritative.
package msglog

import (
	"sync"
	"time"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

const (
	// DefaultPerJob is the ring size per job; older messages fall off.
	DefaultPerJob = 64
	// DefaultMaxJobs bounds how many jobs hold a ring at once. The least
	// recently appended job is evicted when the bound is hit.
	DefaultMaxJobs = 4096
)

type jobLog struct {
	buf   []models.JobMessage
	next  int
	count int
	seq   int64
}

// Log is the in-memory message log shared by the scheduler's services.
type Log struct {
	mu      sync.Mutex
	perJob  int
	maxJobs int
	jobs    map[string]*jobLog
	seq     int64
	logger  *common.Logger
}

var _ interfaces.MessageLog = (*Log)(nil)

// NewLog creates a message log. Non-positive capacities fall back to the
// defaults.
func NewLog(perJob, maxJobs int, logger *common.Logger) *Log {
	if perJob <= 0 {
		perJob = DefaultPerJob
	}
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &Log{
		perJob:  perJob,
		maxJobs: maxJobs,
		jobs:    make(map[string]*jobLog),
		logger:  logger,
	}
}

// Append records a message against the job. It never fails; when the job
// bound is reached the stalest job's ring is evicted to make room.
func (l *Log) Append(jobID, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	jl, ok := l.jobs[jobID]
	if !ok {
		if len(l.jobs) >= l.maxJobs {
			l.evictStalest()
		}
		jl = &jobLog{buf: make([]models.JobMessage, l.perJob)}
		l.jobs[jobID] = jl
	}

	jl.buf[jl.next] = models.JobMessage{At: time.Now().UTC(), Text: text}
	jl.next = (jl.next + 1) % l.perJob
	if jl.count < l.perJob {
		jl.count++
	}
	l.seq++
	jl.seq = l.seq
}

// Tail returns up to n of the job's most recent messages, oldest first.
// Unknown jobs yield an empty slice.
func (l *Log) Tail(jobID string, n int) []models.JobMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	jl, ok := l.jobs[jobID]
	if !ok || n <= 0 {
		return nil
	}
	if n > jl.count {
		n = jl.count
	}

	out := make([]models.JobMessage, 0, n)
	start := (jl.next - n + l.perJob) % l.perJob
	for i := 0; i < n; i++ {
		out = append(out, jl.buf[(start+i)%l.perJob])
	}
	return out
}

func (l *Log) evictStalest() {
	var (
		victim string
		oldest int64 = -1
	)
	for id, jl := range l.jobs {
		if oldest < 0 || jl.seq < oldest {
			victim = id
			oldest = jl.seq
		}
	}
	if victim != "" {
		delete(l.jobs, victim)
		if l.logger != nil {
			l.logger.Debug().Str("job_id", victim).Msg("Evicted message log for stale job")
		}
	}
}
