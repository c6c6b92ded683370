package watch

import (
	"context"
	"time"
)

// RuleStore persists monitoring rules and their run bookkeeping.
type RuleStore interface {
	FindDueRules(ctx context.Context, now time.Time, batchSize int) ([]Rule, error)
	UpdateNextRunAt(ctx context.Context, ruleID string, next time.Time) error
	CountEnabled(ctx context.Context) (int, error)
	GetRule(ctx context.Context, ruleID string) (Rule, error)
	UpdateRunResult(ctx context.Context, ruleID string, healthScore int, errCode ErrorCode, at time.Time) error
}

// ProfileSource provides read-only access to per-source fetch profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, sourceID string) (FetchProfile, error)
}

// JobQueue enqueues run jobs onto a named logical queue.
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, payload RunJobPayload, opts EnqueueOptions) (string, error)
}

// SnapshotStore writes raw page snapshots and returns a URI.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ProviderClient fetches a URL through one concrete provider backend.
type ProviderClient interface {
	Fetch(ctx context.Context, url string, geoCountry *string) (FetchResponse, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
