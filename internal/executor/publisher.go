package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/natsutil"
)

const (
	resultStreamName = "JOB_RESULTS"
	resultSubjects   = "job.result.*"
)

// JetStreamPublisher publishes run outcomes to job.result.<slug>
type JetStreamPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewJetStreamPublisher ensures the result stream exists
func NewJetStreamPublisher(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamPublisher, error) {
	logger = logger.Named("result-publisher")
	err := natsutil.EnsureStream(js, &nats.StreamConfig{
		Name:      resultStreamName,
		Subjects:  []string{resultSubjects},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &JetStreamPublisher{logger: logger, js: js}, nil
}

// PublishResult implements ResultPublisher
func (p *JetStreamPublisher) PublishResult(ctx context.Context, event *ResultEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	// JobID doubles as the dedup key so a republished result is stored once.
	_, err = p.js.Publish("job.result."+event.JobName, data,
		nats.Context(ctx),
		nats.MsgId(event.JobID))
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}
