package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// DirectDispatcher runs triggers in-process, applying the retry policy
type DirectDispatcher struct {
	logger *zap.Logger
	defs   DefinitionSource
	runner Runner
}

// NewDirectDispatcher creates an in-process dispatcher
func NewDirectDispatcher(defs DefinitionSource, runner Runner, logger *zap.Logger) *DirectDispatcher {
	return &DirectDispatcher{
		logger: logger.Named("dispatcher"),
		defs:   defs,
		runner: runner,
	}
}

// Dispatch implements Dispatcher. It blocks until the last attempt finishes.
func (d *DirectDispatcher) Dispatch(ctx context.Context, trigger *model.JobTrigger) error {
	def, err := d.defs.Get(trigger.Slug)
	if err != nil {
		return err
	}
	_, err = RunWithRetry(ctx, d.runner, def, trigger.Input, trigger.Attempt, d.logger)
	return err
}
