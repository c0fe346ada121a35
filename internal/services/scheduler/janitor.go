package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/testgen/internal/common"
	"github.com/ternarybob/testgen/internal/interfaces"
)

// Janitor prunes terminal generation jobs that have aged past the retention
// window. Completed jobs keep their generated files in storage, so without
// pruning the database grows without bound.
type Janitor struct {
	storage interfaces.GenerationStorage
	logger  arbor.ILogger
	maxAge  time.Duration
	cron    *cron.Cron
}

// NewJanitor creates a retention janitor from config
func NewJanitor(storage interfaces.GenerationStorage, config *common.RetentionConfig, logger arbor.ILogger) *Janitor {
	return &Janitor{
		storage: storage,
		logger:  logger,
		maxAge:  common.Duration(config.MaxAge, 7*24*time.Hour),
	}
}

// Start schedules the cleanup on the given cron expression
func (j *Janitor) Start(schedule string) error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(schedule, func() {
		if err := j.RunOnce(context.Background()); err != nil {
			j.logger.Warn().Err(err).Msg("Retention cleanup failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	j.cron.Start()

	j.logger.Info().
		Str("schedule", schedule).
		Str("max_age", j.maxAge.String()).
		Msg("Retention janitor started")
	return nil
}

// RunOnce deletes terminal jobs older than the retention window
func (j *Janitor) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-j.maxAge)
	deleted, err := j.storage.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.logger.Info().Int("deleted", deleted).Msg("Pruned finished generation jobs")
	}
	return nil
}

// Stop halts the scheduled cleanup
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}
