package scheduler

import (
	"context"
	"encoding/json"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// Runner executes one attempt of a job
type Runner interface {
	Run(ctx context.Context, def *model.JobDefinition, input json.RawMessage, attempt int) (*model.JobResult, error)
}

// Dispatcher hands a fired trigger to whatever runs the job
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger *model.JobTrigger) error
}

// QueueInspector reports the backlog of each logical queue
type QueueInspector interface {
	QueueStats(ctx context.Context) ([]model.QueueStats, error)
}

// DefinitionSource resolves a slug to its current definition
type DefinitionSource interface {
	Get(slug string) (*model.JobDefinition, error)
}
