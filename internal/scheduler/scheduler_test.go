package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/watch"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeRuleStore struct {
	mu          sync.Mutex
	due         []watch.Rule
	queryCount  int
	queryErr    error
	nextRuns    map[string]time.Time
	updateCalls []string
}

func newFakeRuleStore(due ...watch.Rule) *fakeRuleStore {
	return &fakeRuleStore{due: due, nextRuns: make(map[string]time.Time)}
}

func (s *fakeRuleStore) FindDueRules(_ context.Context, _ time.Time, _ int) ([]watch.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCount++
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]watch.Rule{}, s.due...), nil
}

func (s *fakeRuleStore) UpdateNextRunAt(_ context.Context, ruleID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRuns[ruleID] = next
	s.updateCalls = append(s.updateCalls, ruleID)
	return nil
}

func (s *fakeRuleStore) CountEnabled(context.Context) (int, error) { return len(s.due), nil }

func (s *fakeRuleStore) GetRule(context.Context, string) (watch.Rule, error) {
	return watch.Rule{}, errors.New("not implemented")
}

func (s *fakeRuleStore) UpdateRunResult(context.Context, string, int, watch.ErrorCode, time.Time) error {
	return nil
}

func (s *fakeRuleStore) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCount
}

type enqueueCall struct {
	queue   string
	payload watch.RunJobPayload
	opts    watch.EnqueueOptions
}

type fakeQueue struct {
	mu      sync.Mutex
	calls   []enqueueCall
	failFor map[string]error
	block   chan struct{}
	started chan struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failFor: make(map[string]error)}
}

func (q *fakeQueue) Enqueue(_ context.Context, queue string, payload watch.RunJobPayload, opts watch.EnqueueOptions) (string, error) {
	if q.started != nil {
		close(q.started)
		q.started = nil
	}
	if q.block != nil {
		<-q.block
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, enqueueCall{queue: queue, payload: payload, opts: opts})
	if err, ok := q.failFor[payload.RuleID]; ok {
		return "", err
	}
	return opts.JobID, nil
}

func (q *fakeQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func dueRule(id, domain string) watch.Rule {
	return watch.Rule{
		ID:       id,
		SourceID: "src-" + id,
		URL:      "https://" + domain + "/product",
		Domain:   domain,
		Type:     watch.RuleTypePrice,
		Enabled:  true,
		Schedule: watch.Schedule{IntervalSeconds: 600},
	}
}

func newScheduler(store *fakeRuleStore, queue *fakeQueue, clock *fakeClock) *Scheduler {
	return New(store, queue, clock, Config{DomainDelay: time.Millisecond}, nil)
}

func TestScheduler_TriggerNow_EnqueuesDueRules(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	store := newFakeRuleStore(dueRule("r1", "example.com"), dueRule("r2", "other.com"))
	queue := newFakeQueue()
	s := newScheduler(store, queue, &fakeClock{now: now})

	count, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 2, queue.callCount())

	first := queue.calls[0]
	require.Equal(t, QueueName, first.queue)
	require.Equal(t, "r1", first.payload.RuleID)
	require.Equal(t, watch.TriggerSchedule, first.payload.Trigger)
	require.Equal(t, now, first.payload.RequestedAt)
	require.Equal(t, "rule:r1:1700000000", first.opts.JobID)
	require.Equal(t, 3, first.opts.Attempts)
	require.Equal(t, 2*time.Second, first.opts.Backoff.InitialDelay)
	require.Equal(t, 24*time.Hour, first.opts.Retention.SucceededAge)
	require.Equal(t, 7*24*time.Hour, first.opts.Retention.FailedAge)

	// nextRunAt persisted for both rules, in the future.
	require.Len(t, store.updateCalls, 2)
	require.True(t, store.nextRuns["r1"].After(now))
}

func TestScheduler_Tick_NoDueRulesNoQueueInteraction(t *testing.T) {
	t.Parallel()

	store := newFakeRuleStore()
	queue := newFakeQueue()
	s := newScheduler(store, queue, &fakeClock{now: time.Now()})

	s.Tick(context.Background())
	require.Equal(t, 1, store.queries())
	require.Zero(t, queue.callCount())
}

func TestScheduler_Tick_StoreFailureResetsState(t *testing.T) {
	t.Parallel()

	store := newFakeRuleStore()
	store.queryErr = errors.New("db down")
	queue := newFakeQueue()
	s := newScheduler(store, queue, &fakeClock{now: time.Now()})

	s.Tick(context.Background())
	require.Equal(t, 1, store.queries())

	// Not wedged: the next tick queries again.
	store.queryErr = nil
	s.Tick(context.Background())
	require.Equal(t, 2, store.queries())
}

func TestScheduler_OverlapPrevention(t *testing.T) {
	t.Parallel()

	store := newFakeRuleStore(dueRule("r1", "example.com"))
	queue := newFakeQueue()
	queue.block = make(chan struct{})
	queue.started = make(chan struct{})
	started := queue.started
	s := newScheduler(store, queue, &fakeClock{now: time.Now()})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.TriggerNow(context.Background())
	}()
	<-started

	// A tick while the trigger is mid-batch must not touch the store.
	s.Tick(context.Background())
	require.Equal(t, 1, store.queries())

	_, err := s.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrAlreadyProcessing)

	close(queue.block)
	<-done
	require.Equal(t, 1, store.queries())
}

func TestScheduler_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	store := newFakeRuleStore(
		dueRule("r1", "example.com"),
		dueRule("r2", "example.com"),
		dueRule("r3", "other.com"),
	)
	queue := newFakeQueue()
	queue.failFor["r2"] = errors.New("broker rejected job")
	s := newScheduler(store, queue, &fakeClock{now: time.Now()})

	count, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 3, queue.callCount())

	// nextRunAt persisted only for the rules whose enqueue succeeded.
	require.ElementsMatch(t, []string{"r1", "r3"}, store.updateCalls)
}

func TestScheduler_ShutdownStopsTicks(t *testing.T) {
	t.Parallel()

	store := newFakeRuleStore(dueRule("r1", "example.com"))
	queue := newFakeQueue()
	s := newScheduler(store, queue, &fakeClock{now: time.Now()})

	s.Shutdown()
	s.Tick(context.Background())
	require.Zero(t, store.queries())

	_, err := s.TriggerNow(context.Background())
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestScheduler_ActiveHoursReschedulesWithoutEnqueue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC)
	rule := dueRule("r1", "example.com")
	rule.Schedule.ActiveHours = &watch.ActiveHours{StartHour: 9, EndHour: 17}
	store := newFakeRuleStore(rule)
	queue := newFakeQueue()
	s := newScheduler(store, queue, &fakeClock{now: now})

	count, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, queue.callCount())
	require.Equal(t, time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC), store.nextRuns["r1"])
}

func TestScheduler_CalculateNextRunTime_JitterBounds(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	s := newScheduler(newFakeRuleStore(), newFakeQueue(), &fakeClock{now: now})
	schedule := watch.Schedule{IntervalSeconds: 3600, JitterSeconds: 600}

	lower := now.Add(3600 * time.Second)
	upper := now.Add(4200 * time.Second)
	for i := 0; i < 200; i++ {
		next := s.calculateNextRunTime(now, schedule)
		require.False(t, next.Before(lower), "next %v below %v", next, lower)
		require.False(t, next.After(upper), "next %v above %v", next, upper)
	}
}

func TestScheduler_CalculateNextRunTime_DefaultInterval(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	s := newScheduler(newFakeRuleStore(), newFakeQueue(), &fakeClock{now: now})
	next := s.calculateNextRunTime(now, watch.Schedule{})
	require.Equal(t, now.Add(time.Hour), next)
}

func TestGroupByDomain(t *testing.T) {
	t.Parallel()

	groups := GroupByDomain([]watch.Rule{
		dueRule("r1", "example.com"),
		dueRule("r2", "example.com"),
		dueRule("r3", "other.com"),
	})
	require.Len(t, groups, 2)
	require.Len(t, groups["example.com"], 2)
	require.Len(t, groups["other.com"], 1)
}

func TestGroupByDomain_DerivesDomainFromURL(t *testing.T) {
	t.Parallel()

	rule := dueRule("r1", "")
	rule.URL = "https://Shop.Example.com/item/42"
	groups := GroupByDomain([]watch.Rule{rule})
	require.Len(t, groups["shop.example.com"], 1)
}
