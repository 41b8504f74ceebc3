// internal/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hainaria/tryon-pipeline/internal/bus"
	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

// defaultMaxInFlight bounds unacknowledged deliveries across the whole queue
// group when the policy does not set its own limit.
const defaultMaxInFlight = 64

// RetryPolicy is the queue-level redelivery policy. The worker itself never
// retries; a failed handler NAKs the message and the broker redelivers it
// after the backoff delay, up to MaxAttempts deliveries. After the final
// failed attempt the job is published to the dead-letter subject and removed
// from the pending set.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AckWait        time.Duration

	// MaxInFlight caps unacknowledged deliveries across the queue group as a
	// whole, not per instance: every group member binds the same durable
	// consumer, so this is the fleet-wide parallelism bound. Zero means
	// defaultMaxInFlight.
	MaxInFlight int
}

// DefaultRetryPolicy mirrors the production queue settings: three attempts
// with exponential backoff starting at five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		AckWait:        2 * time.Minute,
		MaxInFlight:    defaultMaxInFlight,
	}
}

// Backoff returns the redelivery delay after the given attempt (1-based),
// doubling per attempt. A positive MaxBackoff caps the delay; zero leaves it
// uncapped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether a failure on the given delivery attempt should
// go to the dead letter subject instead of being redelivered.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

func (p RetryPolicy) inFlightLimit() int {
	if p.MaxInFlight > 0 {
		return p.MaxInFlight
	}
	return defaultMaxInFlight
}

// Handler processes one claimed job. A nil return acknowledges the job; an
// error surfaces it to the retry policy.
type Handler func(ctx context.Context, job schema.Job) error

// Queue is one named durable work queue. Each queue owns a JetStream stream
// holding its subject plus the matching dead-letter subject.
type Queue struct {
	client  *bus.Client
	name    string
	subject string
	policy  RetryPolicy
	logger  *slog.Logger

	publishDead func(payload []byte) error
}

func New(client *bus.Client, name, subject string, policy RetryPolicy, logger *slog.Logger) (*Queue, error) {
	if err := client.EnsureStream(name, subject, subject+".dead"); err != nil {
		return nil, err
	}
	q := &Queue{
		client:  client,
		name:    name,
		subject: subject,
		policy:  policy,
		logger:  logger.With("queue", name),
	}
	q.publishDead = func(payload []byte) error {
		_, err := client.JetStream().Publish(subject+".dead", payload)
		return err
	}
	return q, nil
}

func (q *Queue) Subject() string { return q.subject }

// Enqueue durably hands the job to the broker. It returns once the stream
// has acknowledged the publish; there is no guarantee the job has started.
func (q *Queue) Enqueue(ctx context.Context, job schema.Job) error {
	if job.SessionID == "" {
		return fmt.Errorf("enqueue on %s: job missing session id", q.name)
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().Unix()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.client.JetStream().Publish(q.subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", q.subject, err)
	}
	q.logger.Info("job enqueued", "session_id", job.SessionID, "kind", job.Kind)
	return nil
}

// Consume binds a queue-group consumer to the subject. Messages are
// acknowledged explicitly: success ACKs, failure NAKs with the policy's
// backoff delay, and an exhausted job is moved to the dead-letter subject.
// Multiple worker instances sharing the group claim disjoint jobs; a crashed
// instance's unacked job is redelivered after AckWait elapses. Each instance
// processes one message at a time (subscription callbacks are serial);
// MaxInFlight bounds the group as a whole.
func (q *Queue) Consume(group string, handler Handler) (*nats.Subscription, error) {
	sub, err := q.client.JetStream().QueueSubscribe(q.subject, group, func(msg *nats.Msg) {
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		q.dispatch(msg.Data, attempt, msg, handler)
	},
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.Durable(group),
		nats.AckWait(q.policy.AckWait),
		// One delivery beyond the attempt budget, so a failed dead-letter
		// publish on the last attempt can be retried once.
		nats.MaxDeliver(q.policy.MaxAttempts+1),
		nats.MaxAckPending(q.policy.inFlightLimit()),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", q.subject, group, err)
	}
	q.logger.Info("consumer bound", "subject", q.subject, "group", group)
	return sub, nil
}

// ackMsg is the slice of *nats.Msg that dispatch settles messages through.
type ackMsg interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

func (q *Queue) dispatch(data []byte, attempt int, msg ackMsg, handler Handler) {
	var job schema.Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.logger.Error("malformed job payload, terminating delivery", "err", err)
		_ = msg.Term()
		return
	}

	err := handler(context.Background(), job)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Error("ack failed", "session_id", job.SessionID, "err", ackErr)
		}
		return
	}

	if q.policy.Exhausted(attempt) {
		q.logger.Error("job failed on final attempt, dead-lettering",
			"session_id", job.SessionID, "attempt", attempt, "err", err)
		if dlErr := q.publishDead(data); dlErr != nil {
			// Keep the message so the dead-letter publish itself gets retried;
			// terminating here would lose the job entirely.
			q.logger.Error("dead-letter publish failed, keeping message",
				"session_id", job.SessionID, "err", dlErr)
			if nakErr := msg.NakWithDelay(q.policy.Backoff(attempt)); nakErr != nil {
				q.logger.Error("nak failed", "session_id", job.SessionID, "err", nakErr)
			}
			return
		}
		_ = msg.Term()
		return
	}

	delay := q.policy.Backoff(attempt)
	q.logger.Warn("job failed, scheduling redelivery",
		"session_id", job.SessionID, "attempt", attempt, "retry_in", delay, "err", err)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		q.logger.Error("nak failed", "session_id", job.SessionID, "err", nakErr)
	}
}
