package workspace

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/task"
	"pdftranslate-server/internal/types"
)

// Janitor evicts terminal tasks older than the retention period and removes
// their workspaces.
type Janitor struct {
	store     task.Store
	manager   *Manager
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

// NewJanitor schedules sweeps on schedule (standard cron or @every descriptors).
func NewJanitor(store task.Store, manager *Manager, retention time.Duration, schedule string) (*Janitor, error) {
	j := &Janitor{
		store:     store,
		manager:   manager,
		retention: retention,
		cron:      cron.New(),
		now:       time.Now,
	}

	if _, err := j.cron.AddFunc(schedule, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			logger.Error("task retention sweep failed", err)
		}
	}); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "invalid JANITOR_SCHEDULE", schedule, err)
	}
	return j, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	logger.Info("task janitor started", logger.Duration("retention", j.retention))
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	logger.Info("task janitor stopped")
}

// Sweep evicts expired tasks once and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	evicted, err := j.store.Evict(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, t := range evicted {
		if err := j.manager.Release(t.WorkDir); err != nil {
			logger.Warn("failed to remove task workspace",
				logger.String("taskID", t.TaskID),
				logger.String("dir", t.WorkDir),
				logger.Err(err))
		}
	}
	if len(evicted) > 0 {
		logger.Info("expired tasks evicted", logger.Int("count", len(evicted)))
	}
	return len(evicted), nil
}
