package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/natsutil"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// EnsureJobStream creates the work-queue stream that carries triggers
func EnsureJobStream(js nats.JetStreamContext, logger *zap.Logger) error {
	return natsutil.EnsureStream(js, &nats.StreamConfig{
		Name:       jobStreamName,
		Subjects:   []string{jobSubjectRoot + ".>"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     jobStreamMaxAge,
		MaxMsgs:    -1,
		Replicas:   1,
		Duplicates: time.Hour,
	}, logger)
}

// JetStreamDispatcher publishes triggers to jobs.<queue>.<slug>
type JetStreamDispatcher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	queues []string
}

// NewJetStreamDispatcher creates a dispatcher for the given logical queues
func NewJetStreamDispatcher(js nats.JetStreamContext, queues []string, logger *zap.Logger) (*JetStreamDispatcher, error) {
	logger = logger.Named("jetstream-dispatcher")
	if err := EnsureJobStream(js, logger); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}
	return &JetStreamDispatcher{logger: logger, js: js, queues: queues}, nil
}

// Dispatch implements Dispatcher
func (d *JetStreamDispatcher) Dispatch(ctx context.Context, trigger *model.JobTrigger) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	// One message per slug and fire time even if two schedulers fire.
	msgID := trigger.Slug + "-" + strconv.FormatInt(trigger.TriggeredAt.UnixMilli(), 10) + "-" + strconv.Itoa(trigger.Attempt)
	if _, err := d.js.Publish(jobSubject(trigger.Queue, trigger.Slug), data,
		nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish trigger: %w", err)
	}

	d.logger.Debug("Published trigger",
		zap.String("job", trigger.Slug),
		zap.String("queue", trigger.Queue))
	return nil
}

// QueueStats implements QueueInspector
func (d *JetStreamDispatcher) QueueStats(ctx context.Context) ([]model.QueueStats, error) {
	return queueStats(ctx, d.js, d.queues)
}

func queueStats(ctx context.Context, js nats.JetStreamContext, queues []string) ([]model.QueueStats, error) {
	stats := make([]model.QueueStats, 0, len(queues))
	for _, queue := range queues {
		qs := model.QueueStats{Queue: queue}

		info, err := js.ConsumerInfo(jobStreamName, workerDurable(queue), nats.Context(ctx))
		switch {
		case err == nil:
			qs.Pending = info.NumPending
			qs.AckPending = info.NumAckPending
			qs.Redelivered = info.NumRedelivered
		case errors.Is(err, nats.ErrConsumerNotFound):
			// No worker yet; everything on the subject is backlog.
			si, err := js.StreamInfo(jobStreamName, &nats.StreamInfoRequest{SubjectsFilter: queueSubjects(queue)}, nats.Context(ctx))
			if err != nil {
				return nil, fmt.Errorf("failed to get stream info: %w", err)
			}
			for _, n := range si.State.Subjects {
				qs.Pending += n
			}
		default:
			return nil, fmt.Errorf("failed to get consumer info for %s: %w", queue, err)
		}

		telemetry.QueueBacklog.WithLabelValues(queue).Set(float64(qs.Pending) + float64(qs.AckPending))
		stats = append(stats, qs)
	}
	return stats, nil
}

// JetStreamWorker consumes triggers from each logical queue and runs them
type JetStreamWorker struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	defs   DefinitionSource
	runner Runner
	queues []string

	mu       sync.Mutex
	subs     []*nats.Subscription
	stopping bool
	wg       sync.WaitGroup
}

// NewJetStreamWorker creates a worker for the given logical queues
func NewJetStreamWorker(js nats.JetStreamContext, defs DefinitionSource, runner Runner, queues []string, logger *zap.Logger) *JetStreamWorker {
	return &JetStreamWorker{
		logger: logger.Named("jetstream-worker"),
		js:     js,
		defs:   defs,
		runner: runner,
		queues: queues,
	}
}

// Start subscribes one durable queue consumer per logical queue
func (w *JetStreamWorker) Start(ctx context.Context) error {
	if err := EnsureJobStream(w.js, w.logger); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopping = false

	for _, queue := range w.queues {
		durable := workerDurable(queue)
		sub, err := w.js.QueueSubscribe(
			queueSubjects(queue),
			durable,
			func(msg *nats.Msg) { w.handle(ctx, msg) },
			nats.Durable(durable),
			nats.BindStream(jobStreamName),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(workerAckWait),
			nats.MaxDeliver(3),
		)
		if err != nil {
			return fmt.Errorf("failed to subscribe to queue %s: %w", queue, err)
		}
		w.subs = append(w.subs, sub)
		w.logger.Info("Consuming queue", zap.String("queue", queue))
	}
	return nil
}

// Stop drains subscriptions and waits for in-flight jobs. Messages delivered
// after Stop begins are handed back to the stream.
func (w *JetStreamWorker) Stop() {
	w.mu.Lock()
	w.stopping = true
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil {
			w.logger.Error("Failed to drain subscription", zap.Error(err))
		}
	}
	w.subs = nil
	w.mu.Unlock()
	w.wg.Wait()
}

// QueueStats implements QueueInspector
func (w *JetStreamWorker) QueueStats(ctx context.Context) ([]model.QueueStats, error) {
	return queueStats(ctx, w.js, w.queues)
}

func (w *JetStreamWorker) handle(ctx context.Context, msg *nats.Msg) {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		if err := msg.Nak(); err != nil {
			w.logger.Debug("Failed to return message during shutdown", zap.Error(err))
		}
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	var trigger model.JobTrigger
	if err := json.Unmarshal(msg.Data, &trigger); err != nil {
		w.logger.Error("Failed to unmarshal trigger", zap.Error(err))
		msg.Term()
		return
	}

	def, err := w.defs.Get(trigger.Slug)
	if err != nil {
		w.logger.Error("Trigger for unknown job", zap.String("job", trigger.Slug), zap.Error(err))
		msg.Term()
		return
	}
	if !def.Enabled {
		w.logger.Info("Dropping trigger for disabled job", zap.String("job", trigger.Slug))
		msg.Ack()
		return
	}

	// Keep the message claimed while the job runs past AckWait.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(workerProgressPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					w.logger.Warn("Failed to extend ack deadline", zap.Error(err))
				}
			}
		}
	}()

	_, err = RunWithRetry(ctx, w.runner, def, trigger.Input, trigger.Attempt, w.logger)
	close(done)
	if err != nil {
		w.logger.Error("Job run failed", zap.String("job", trigger.Slug), zap.Error(err))
	}

	// Retries already happened in-process; redelivery would double them.
	if err := msg.Ack(); err != nil {
		w.logger.Error("Failed to acknowledge message", zap.Error(err))
	}
}
