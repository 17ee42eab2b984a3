// Package delay schedules work to run after a delay and keeps the pending set
// inspectable. Pending work lives in memory only and is lost on Stop.
package delay

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/insider-one/notification-pipeline/internal/clock"
)

var ErrStopped = errors.New("delay queue stopped")

// Job describes one scheduled unit of work.
type Job struct {
	ID          uint64    `json:"id"`
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	ScheduledAt time.Time `json:"scheduledAt"`
	DueAt       time.Time `json:"dueAt"`
}

type entry struct {
	job   Job
	timer clock.Timer
}

type Queue struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	seq     uint64
	entries map[uint64]*entry
	stopped bool
	running sync.WaitGroup
}

func New(clk clock.Clock, logger *slog.Logger) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		clock:   clk,
		logger:  logger,
		entries: make(map[uint64]*entry),
	}
}

// Schedule runs fn once d has elapsed. Key and kind label the job for
// inspection only.
func (q *Queue) Schedule(key, kind string, d time.Duration, fn func()) (Job, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Job{}, ErrStopped
	}

	q.seq++
	now := q.clock.Now()
	e := &entry{job: Job{
		ID:          q.seq,
		Key:         key,
		Kind:        kind,
		ScheduledAt: now,
		DueAt:       now.Add(d),
	}}
	q.entries[e.job.ID] = e
	id := e.job.ID
	q.mu.Unlock()

	// A fake clock may fire synchronously, so the timer is created outside mu.
	timer := q.clock.AfterFunc(d, func() { q.fire(id, fn) })

	q.mu.Lock()
	if _, ok := q.entries[id]; ok {
		e.timer = timer
	}
	q.mu.Unlock()

	return e.job, nil
}

func (q *Queue) fire(id uint64, fn func()) {
	q.mu.Lock()
	if _, ok := q.entries[id]; !ok || q.stopped {
		q.mu.Unlock()
		return
	}
	delete(q.entries, id)
	q.running.Add(1)
	q.mu.Unlock()

	defer q.running.Done()
	fn()
}

// Pending returns the jobs not yet run, soonest first.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]Job, 0, len(q.entries))
	for _, e := range q.entries {
		jobs = append(jobs, e.job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].DueAt.Equal(jobs[j].DueAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].DueAt.Before(jobs[j].DueAt)
	})
	return jobs
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stop cancels every pending job, waits for jobs already running and returns
// how many were dropped.
func (q *Queue) Stop() int {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return 0
	}
	q.stopped = true
	dropped := len(q.entries)
	for id, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(q.entries, id)
	}
	q.mu.Unlock()

	q.running.Wait()

	if dropped > 0 {
		q.logger.Warn("dropped pending delayed jobs", "count", dropped)
	}
	return dropped
}
