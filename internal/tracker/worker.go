package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultTrackTimeout bounds one job's tracking when no timeout is configured.
const DefaultTrackTimeout = 10 * time.Minute

// TrackEvent is the message published on the tracking subject.
type TrackEvent struct {
	Header  events.EventHeader `json:"header"`
	Request core.TrackRequest  `json:"request"`
}

// JobTracker is the unit of work run per tracking message.
type JobTracker interface {
	Track(ctx context.Context, req core.TrackRequest)
}

// NatsWorker listens for track requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	tracker        JobTracker
	timeout        time.Duration
	log            *logger.Logger
	inflight       sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	tracker JobTracker,
	timeout time.Duration,
	log *logger.Logger,
) *NatsWorker {
	if timeout <= 0 {
		timeout = DefaultTrackTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		tracker:        tracker,
		timeout:        timeout,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is done. Jobs already being tracked keep
// running on their own deadlines; use Wait to block on them.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// Wait blocks until every spawned tracking goroutine has returned.
func (w *NatsWorker) Wait() {
	w.inflight.Wait()
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	var event TrackEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		w.log.Error("Failed to unmarshal track event: %v", err)

		return
	}

	w.log.Info("Tracking job %s (workflow %s)", event.Request.JobID, event.Header.WorkflowID)

	w.inflight.Add(1)

	go func() {
		defer w.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		w.tracker.Track(ctx, event.Request)
	}()
}

// Publisher dispatches track requests over NATS.
type Publisher struct {
	natsConnection *nats.Conn
	subject        string
}

// NewPublisher creates a publisher for the tracking subject.
func NewPublisher(natsConnection *nats.Conn, subject string) *Publisher {
	return &Publisher{natsConnection: natsConnection, subject: subject}
}

// Dispatch publishes req. Delivery is at-most-once; the orchestrator's own poll
// loop remains the primary path.
func (p *Publisher) Dispatch(ctx context.Context, req core.TrackRequest) error {
	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("dispatch job %s: %w", req.JobID, err)
	}

	event := TrackEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: req.ProjectID,
			EventID:    uuid.NewString(),
			UserID:     req.UserID,
			TenantID:   "",
		},
		Request: req,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal track event: %w", err)
	}

	err = p.natsConnection.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish track event for job %s: %w", req.JobID, err)
	}

	return nil
}
