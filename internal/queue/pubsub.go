// Package queue provides job-queue backends for scheduled rule runs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// PubSubQueue implements watch.JobQueue and watch.Publisher on Google
// Cloud Pub/Sub. Logical queue names map one-to-one onto topic IDs.
type PubSubQueue struct {
	client *pubsub.Client
	log    *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub creates a Pub/Sub backed queue. It authenticates with
// Application Default Credentials.
func NewPubSub(ctx context.Context, projectID string, log *zap.Logger) (*PubSubQueue, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubQueue{
		client: client,
		log:    log,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Enqueue publishes one run job. Queue semantics that Pub/Sub does not
// model natively (attempts, backoff, retention) ride as message
// attributes for the consumer and the subscription's retry policy.
func (q *PubSubQueue) Enqueue(ctx context.Context, queueName string, payload watch.RunJobPayload, opts watch.EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal run job: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"queue":                queueName,
			"job_id":               opts.JobID,
			"attempts":             strconv.Itoa(opts.Attempts),
			"backoff_type":         opts.Backoff.Type,
			"backoff_initial_ms":   strconv.FormatInt(opts.Backoff.InitialDelay.Milliseconds(), 10),
			"retention_success_ms": strconv.FormatInt(opts.Retention.SucceededAge.Milliseconds(), 10),
			"retention_failed_ms":  strconv.FormatInt(opts.Retention.FailedAge.Milliseconds(), 10),
		},
	}

	result := q.topic(queueName).Publish(ctx, msg)
	serverID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish run job to %q: %w", queueName, err)
	}
	q.log.Debug("run job enqueued",
		zap.String("queue", queueName),
		zap.String("job_id", opts.JobID),
		zap.String("server_id", serverID),
	)
	return opts.JobID, nil
}

// Publish sends an arbitrary JSON payload to a topic and waits for the
// server acknowledgement.
func (q *PubSubQueue) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	result := q.topic(topic).Publish(ctx, &pubsub.Message{Data: data})
	serverID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event to %q: %w", topic, err)
	}
	return serverID, nil
}

// Close flushes outstanding publishes and closes the client.
func (q *PubSubQueue) Close() error {
	q.mu.Lock()
	for _, t := range q.topics {
		t.Stop()
	}
	q.mu.Unlock()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (q *PubSubQueue) topic(name string) *pubsub.Topic {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.topics[name]; ok {
		return t
	}
	t := q.client.Topic(topicID(name))
	q.topics[name] = t
	return t
}

// Subscriber adapts a Pub/Sub subscription into the Dequeue shape the
// worker loop expects.
type Subscriber struct {
	sub  *pubsub.Subscription
	log  *zap.Logger
	jobs chan Job
}

// Subscriber returns a consumer for the given subscription ID. Start
// must be called before Dequeue yields jobs.
func (q *PubSubQueue) Subscriber(subscriptionID string) *Subscriber {
	return &Subscriber{
		sub:  q.client.Subscription(subscriptionID),
		log:  q.log,
		jobs: make(chan Job, 16),
	}
}

// Start consumes the subscription until the context ends. Messages
// that do not decode as run jobs are acked and dropped.
func (s *Subscriber) Start(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		var payload watch.RunJobPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.log.Warn("dropping undecodable run job", zap.Error(err))
			msg.Ack()
			return
		}
		job := Job{
			Queue:   QueueNameFromAttributes(msg.Attributes),
			Payload: payload,
			Opts: watch.EnqueueOptions{
				JobID:    msg.Attributes["job_id"],
				Attempts: atoiAttribute(msg.Attributes["attempts"]),
			},
		}
		select {
		case s.jobs <- job:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive run jobs: %w", err)
	}
	return nil
}

// Dequeue blocks until a received job is available or the context ends.
func (s *Subscriber) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-s.jobs:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// QueueNameFromAttributes recovers the logical queue name carried on a
// message, defaulting to the run queue.
func QueueNameFromAttributes(attrs map[string]string) string {
	if name, ok := attrs["queue"]; ok && name != "" {
		return name
	}
	return "rules.run"
}

func atoiAttribute(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// topicID maps a logical queue name like "rules.run" onto a Pub/Sub
// topic ID, which cannot contain dots.
func topicID(queueName string) string {
	id := make([]byte, 0, len(queueName))
	for i := 0; i < len(queueName); i++ {
		c := queueName[i]
		if c == '.' || c == '/' {
			c = '-'
		}
		id = append(id, c)
	}
	return string(id)
}
