package pool

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gompsolo/internal/node"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/log"
)

type jobEntry struct {
	job      *validation.Job
	retained bool
	timer    *time.Timer
	// submissions already seen for this job, keyed by extra-nonce and solution
	seen map[string]struct{}
}

// JobManager issues jobs from node templates and tracks their lifetime
type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]*jobEntry
	node    node.Client
	timeout time.Duration
	logger  *log.Logger
	now     func() time.Time
	// reward of the most recent template, in coins
	reward float64
}

// NewJobManager creates a job manager whose jobs expire after timeout
func NewJobManager(client node.Client, timeout time.Duration, logger *log.Logger) *JobManager {
	return &JobManager{
		jobs:    make(map[string]*jobEntry),
		node:    client,
		timeout: timeout,
		logger:  logger.WithComponent("jobs"),
		now:     time.Now,
	}
}

// Issue fetches a template and stores a new job for it. The node call runs
// without the store lock.
func (m *JobManager) Issue(ctx context.Context) (*validation.Job, error) {
	tmpl, err := m.node.GetBlockTemplate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "issue_job", "block template unavailable")
	}

	bits, err := tmpl.CompactBits()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "issue_job", "invalid template bits").
			WithContext("bits", tmpl.Bits)
	}
	if len(tmpl.HeaderData) < 2*validation.ReservedBytes {
		return nil, errors.New(errors.ErrorTypeUpstream, "issue_job", "header template too short").
			WithContext("length", len(tmpl.HeaderData))
	}

	id, err := randomHex(8)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "issue_job", "failed to mint job id")
	}

	job := &validation.Job{
		ID:        id,
		CreatedAt: m.now(),
		HeaderHex: tmpl.HeaderData,
		Target:    validation.CompactToTarget(bits),
		Bits:      bits,
	}

	m.mu.Lock()
	m.jobs[id] = &jobEntry{job: job, seen: make(map[string]struct{})}
	m.reward = tmpl.RewardCoins()
	m.mu.Unlock()

	return job, nil
}

// BlockReward returns the reward of the last template a job was issued from
func (m *JobManager) BlockReward() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reward
}

// Get returns the job or a JobNotFound error
func (m *JobManager) Get(jobID string) (*validation.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.New(errors.ErrorTypeJobNotFound, "get_job", "job not found").
			WithContext("job_id", jobID)
	}
	return e.job, nil
}

// Expire deletes the job when it has outlived the job timeout
func (m *JobManager) Expire(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok || e.job.Age(m.now()) <= m.timeout {
		return false
	}
	m.deleteLocked(jobID)
	return true
}

// Delete removes the job immediately
func (m *JobManager) Delete(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(jobID)
}

func (m *JobManager) deleteLocked(jobID string) bool {
	e, ok := m.jobs[jobID]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.jobs, jobID)
	return true
}

// Retain keeps a solved job alive for window, then deletes it
func (m *JobManager) Retain(jobID string, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.retained = true
	e.timer = time.AfterFunc(window, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// the entry may have been replaced or re-retained meanwhile
		if cur, ok := m.jobs[jobID]; ok && cur == e {
			delete(m.jobs, jobID)
		}
	})
	return true
}

// MarkSeen records a submission for the job. It returns false when the same
// submission was seen before.
func (m *JobManager) MarkSeen(jobID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return true
	}
	if _, dup := e.seen[key]; dup {
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

// Sweep drops unretained jobs older than twice the job timeout and returns
// how many were removed
func (m *JobManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.jobs {
		if e.retained {
			continue
		}
		if e.job.Age(now) > 2*m.timeout {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept stale jobs", "removed", removed, "remaining", len(m.jobs))
	}
	return removed
}

// Len returns the number of stored jobs
func (m *JobManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Close stops pending retention timers
func (m *JobManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.jobs {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
