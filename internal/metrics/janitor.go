package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"bi-gateway/internal/domain"
)

// DefaultJanitorSchedule runs retention hourly.
const DefaultJanitorSchedule = "@hourly"

// Janitor applies the retention window on a cron schedule, both to the
// in-memory views and to the persisted event store.
type Janitor struct {
	cron   *cron.Cron
	agg    *Aggregator
	repo   domain.MetricEventRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor creates a Janitor. repo may be nil when events are not
// persisted. An empty schedule means DefaultJanitorSchedule.
func NewJanitor(agg *Aggregator, repo domain.MetricEventRepository, schedule string, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	j := &Janitor{
		cron:   cron.New(),
		agg:    agg,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Warn("metrics retention failed", "error", err)
		}
	}); err != nil {
		return nil, domain.ErrConfig("env", "METRICS_JANITOR_SCHEDULE", "invalid cron schedule %q: %v", schedule, err)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("metrics janitor started", "retention", j.agg.Retention())
}

// Stop halts the schedule and waits for a running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("metrics janitor stopped")
}

// RunOnce prunes the views and deletes persisted events older than the
// retention window. It returns the number of persisted rows deleted.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	now := j.now()
	pruned := j.agg.Prune(now)
	var deleted int64
	if j.repo != nil {
		n, err := j.repo.DeleteBefore(ctx, now.Add(-j.agg.Retention()))
		if err != nil {
			return 0, fmt.Errorf("delete expired metric events: %w", err)
		}
		deleted = n
	}
	if pruned > 0 || deleted > 0 {
		j.logger.Info("metrics retention applied", "pruned", pruned, "deleted", deleted)
	}
	return deleted, nil
}
