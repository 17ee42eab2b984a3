package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/config"
	"github.com/insider-one/notification-pipeline/internal/delay"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/metrics"
)

// Schedules holds the cron specs of the janitor jobs. Empty disables a job.
type Schedules struct {
	Reclaim string
	Sweep   string
	Gauges  string
}

func SchedulesFromConfig(w config.WorkerConfig) Schedules {
	return Schedules{
		Reclaim: w.ReclaimSchedule,
		Sweep:   w.SweepSchedule,
		Gauges:  w.GaugeSchedule,
	}
}

type JanitorDependencies struct {
	Transport domain.Transport
	// Reclaimer is optional; transports with broker-side redelivery have none.
	Reclaimer domain.Reclaimer
	Cache     *IdempotencyCache
	Breakers  *breaker.Set
	Delays    *delay.Queue
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// Janitor runs periodic maintenance for the worker: lease reclaim,
// idempotency cache sweeping and gauge refresh.
type Janitor struct {
	deps      JanitorDependencies
	schedules Schedules
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
}

func NewJanitor(deps JanitorDependencies, schedules Schedules, logger *slog.Logger) *Janitor {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Janitor{
		deps:      deps,
		schedules: schedules,
		logger:    logger.With("component", "janitor"),
		timeout:   10 * time.Second,
	}
}

// Start registers the jobs and starts the cron runner.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"reclaim", j.schedules.Reclaim, func(ctx context.Context) { j.Reclaim(ctx) }},
		{"sweep", j.schedules.Sweep, func(context.Context) { j.Sweep() }},
		{"gauges", j.schedules.Gauges, j.RefreshGauges},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if job.name == "reclaim" && j.deps.Reclaimer == nil {
			continue
		}
		run := job.run
		if _, err := c.AddFunc(job.spec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, j.timeout)
			defer cancel()
			run(jobCtx)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s job %q: %w", job.name, job.spec, err)
		}
		j.logger.Info("janitor job scheduled", "job", job.name, "schedule", job.spec)
	}

	c.Start()
	j.cron = c
	j.running = true
	return nil
}

// Stop stops the runner and waits for running jobs.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("janitor stopped")
}

// Reclaim returns expired leases to the ready queue.
func (j *Janitor) Reclaim(ctx context.Context) int {
	if j.deps.Reclaimer == nil {
		return 0
	}
	n, err := j.deps.Reclaimer.Reclaim(ctx, j.deps.Clock.Now())
	if err != nil {
		j.logger.Error("failed to reclaim expired leases", "error", err)
		return 0
	}
	if n > 0 {
		j.logger.Warn("reclaimed expired deliveries", "count", n)
	}
	return n
}

// Sweep drops expired idempotency entries.
func (j *Janitor) Sweep() int {
	if j.deps.Cache == nil {
		return 0
	}
	n := j.deps.Cache.Sweep()
	if n > 0 {
		j.logger.Debug("idempotency cache swept", "removed", n)
	}
	j.deps.Metrics.SetIdempotencyEntries(j.deps.Cache.Len())
	return n
}

func (j *Janitor) RefreshGauges(ctx context.Context) {
	if j.deps.Transport != nil {
		stats, err := j.deps.Transport.Stats(ctx)
		if err != nil {
			j.logger.Warn("failed to read queue stats", "error", err)
		} else {
			j.deps.Metrics.SetQueueDepth("ready", stats.Ready)
			j.deps.Metrics.SetQueueDepth("in_flight", stats.InFlight)
			j.deps.Metrics.SetQueueDepth("dead_letter", stats.DeadLetter)
		}
	}
	if j.deps.Breakers != nil {
		for _, s := range j.deps.Breakers.Snapshots() {
			j.deps.Metrics.SetBreakerState(s.Name, string(s.State))
		}
	}
	if j.deps.Delays != nil {
		j.deps.Metrics.SetScheduled(j.deps.Delays.Len())
	}
	if j.deps.Cache != nil {
		j.deps.Metrics.SetIdempotencyEntries(j.deps.Cache.Len())
	}
}
