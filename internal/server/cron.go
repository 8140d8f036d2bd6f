package server

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"blockci/internal/logfields"
)

// Cron fires schedule events for the cron expressions of the active
// pipeline. Each distinct expression is one gocron job.
type Cron struct {
	scheduler gocron.Scheduler
	fire      func(schedule string)
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]uuid.UUID
}

// NewCron creates a stopped scheduler calling fire with the expression
// that came due.
func NewCron(fire func(schedule string), logger *slog.Logger) (*Cron, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cron{scheduler: s, fire: fire, logger: logger, jobs: make(map[string]uuid.UUID)}, nil
}

// Sync makes the registered jobs match schedules: new expressions are
// added, vanished ones removed. An invalid expression leaves the previous
// set untouched.
func (c *Cron) Sync(schedules []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := make(map[string]uuid.UUID)
	for _, expr := range schedules {
		if _, ok := c.jobs[expr]; ok {
			continue
		}
		if _, ok := added[expr]; ok {
			continue
		}
		job, err := c.scheduler.NewJob(
			gocron.CronJob(expr, false),
			gocron.NewTask(c.fire, expr),
			gocron.WithName("schedule "+expr),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			for _, id := range added {
				_ = c.scheduler.RemoveJob(id)
			}
			return fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
		added[expr] = job.ID()
	}

	for expr, id := range c.jobs {
		if slices.Contains(schedules, expr) {
			continue
		}
		if err := c.scheduler.RemoveJob(id); err != nil {
			c.logger.Warn("Failed to remove schedule", slog.String("schedule", expr), logfields.Error(err))
		}
		delete(c.jobs, expr)
	}
	for expr, id := range added {
		c.jobs[expr] = id
		c.logger.Debug("Schedule registered", slog.String("schedule", expr))
	}
	return nil
}

// Schedules lists the registered expressions, sorted.
func (c *Cron) Schedules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for expr := range c.jobs {
		out = append(out, expr)
	}
	slices.Sort(out)
	return out
}

// Start begins firing jobs.
func (c *Cron) Start() {
	c.logger.Info("Starting scheduler")
	c.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (c *Cron) Stop() error {
	return c.scheduler.Shutdown()
}
