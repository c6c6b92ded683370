// Package scheduler finds due monitoring rules and enqueues run jobs.
package scheduler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pagewatch/pagewatch/internal/metrics"
	"github.com/pagewatch/pagewatch/internal/watch"
)

// QueueName is the logical queue scheduled run jobs are enqueued on.
const QueueName = "rules.run"

// Errors surfaced by on-demand triggering.
var (
	ErrAlreadyProcessing = errors.New("scheduler: tick already in progress")
	ErrShuttingDown      = errors.New("scheduler: shutting down")
)

const (
	stateIdle int32 = iota
	stateTicking
	stateShuttingDown
)

// Config controls Scheduler behavior.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
	DomainDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.DomainDelay <= 0 {
		c.DomainDelay = 200 * time.Millisecond
	}
	return c
}

// Scheduler polls the rule store on a fixed tick and enqueues a run job
// for every due rule. At most one tick body executes at a time; the state
// flag is a single-process guard, multi-instance deployments need an
// external lock in front of it.
type Scheduler struct {
	rules watch.RuleStore
	queue watch.JobQueue
	clock watch.Clock
	cfg   Config
	log   *zap.Logger
	state atomic.Int32
}

// New constructs a Scheduler.
func New(rules watch.RuleStore, queue watch.JobQueue, clock watch.Clock, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		rules: rules,
		queue: queue,
		clock: clock,
		cfg:   cfg.withDefaults(),
		log:   log,
	}
}

// Run blocks, ticking on the configured interval until the context
// finishes. The in-flight batch always drains before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Shutdown flips the scheduler into its terminal state. No new ticks
// start afterwards; an in-flight tick finishes its batch.
func (s *Scheduler) Shutdown() {
	for {
		current := s.state.Load()
		if current == stateShuttingDown {
			return
		}
		if current == stateIdle && s.state.CompareAndSwap(stateIdle, stateShuttingDown) {
			return
		}
		if current == stateTicking {
			// Let the batch drain; the releasing CAS below will observe
			// idle and we flip it on the next pass.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Tick runs one scheduling pass. A tick that arrives while another is in
// flight, or after shutdown, is a silent no-op.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.state.CompareAndSwap(stateIdle, stateTicking) {
		return
	}
	start := s.clock.Now()
	count, err := s.processDueRules(ctx)
	s.state.CompareAndSwap(stateTicking, stateIdle)

	if err != nil {
		metrics.ObserveSchedulerTick("error", time.Since(start))
		s.log.Error("scheduler tick failed", zap.Error(err))
		return
	}
	metrics.ObserveSchedulerTick("ok", time.Since(start))
	if count > 0 {
		s.log.Debug("scheduler tick complete", zap.Int("rules_enqueued", count))
	}
}

// TriggerNow runs one synchronous pass for manual/admin invocation. It
// does not queue behind an in-flight tick; callers get an explicit
// already-processing error and must retry.
func (s *Scheduler) TriggerNow(ctx context.Context) (int, error) {
	if s.state.Load() == stateShuttingDown {
		return 0, ErrShuttingDown
	}
	if !s.state.CompareAndSwap(stateIdle, stateTicking) {
		return 0, ErrAlreadyProcessing
	}
	defer s.state.CompareAndSwap(stateTicking, stateIdle)

	count, err := s.processDueRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("process due rules: %w", err)
	}
	return count, nil
}

// processDueRules queries one batch of due rules and enqueues a run job
// per rule, persisting each rule's next run time after its enqueue
// succeeds. Store query failures propagate; per-rule enqueue failures are
// logged and isolated.
func (s *Scheduler) processDueRules(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.rules.FindDueRules(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due rules: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	groups := GroupByDomain(due)
	s.log.Debug("processing due rules",
		zap.Int("rules", len(due)),
		zap.Int("domains", len(groups)),
	)

	processed := 0
	domainSeen := make(map[string]bool, len(groups))
	for _, rule := range due {
		domain := ruleDomain(rule)
		if domainSeen[domain] {
			// Placeholder for per-domain quota enforcement: a fixed pause
			// between same-domain enqueues.
			pause(ctx, s.cfg.DomainDelay)
		}
		domainSeen[domain] = true

		if window := rule.Schedule.ActiveHours; window != nil && !window.Contains(now) {
			next := nextWindowStart(now, *window)
			if err := s.rules.UpdateNextRunAt(ctx, rule.ID, next); err != nil {
				s.log.Error("reschedule outside active hours failed",
					zap.String("rule_id", rule.ID),
					zap.String("domain", domain),
					zap.Error(err),
				)
			}
			continue
		}

		if err := s.enqueueRun(ctx, rule, now); err != nil {
			metrics.ObserveRuleEnqueue("error")
			s.log.Error("enqueue run job failed",
				zap.String("rule_id", rule.ID),
				zap.String("domain", domain),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveRuleEnqueue("ok")
		processed++

		next := s.calculateNextRunTime(now, rule.Schedule)
		if err := s.rules.UpdateNextRunAt(ctx, rule.ID, next); err != nil {
			s.log.Error("persist next run time failed",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	}
	return processed, nil
}

func (s *Scheduler) enqueueRun(ctx context.Context, rule watch.Rule, now time.Time) error {
	payload := watch.RunJobPayload{
		RuleID:      rule.ID,
		Trigger:     watch.TriggerSchedule,
		RequestedAt: now,
	}
	opts := watch.EnqueueOptions{
		JobID:    fmt.Sprintf("rule:%s:%d", rule.ID, now.Unix()),
		Attempts: 3,
		Backoff: watch.Backoff{
			Type:         "exponential",
			InitialDelay: 2 * time.Second,
		},
		Retention: watch.Retention{
			SucceededAge:   24 * time.Hour,
			SucceededCount: 1000,
			FailedAge:      7 * 24 * time.Hour,
		},
	}
	if _, err := s.queue.Enqueue(ctx, QueueName, payload, opts); err != nil {
		return fmt.Errorf("enqueue %s: %w", opts.JobID, err)
	}
	return nil
}

// calculateNextRunTime returns now + interval plus a uniformly random
// jitter in [0, jitterSeconds]. Jitter spreads rules that share an
// interval so they stop re-fetching in lockstep.
func (s *Scheduler) calculateNextRunTime(now time.Time, schedule watch.Schedule) time.Time {
	interval := schedule.IntervalSeconds
	if interval <= 0 {
		interval = 3600
	}
	next := now.Add(time.Duration(interval) * time.Second)
	if schedule.JitterSeconds > 0 {
		next = next.Add(randomJitter(time.Duration(schedule.JitterSeconds) * time.Second))
	}
	return next
}

// GroupByDomain buckets rules by their source domain. Pure helper, also
// the hook point for future per-domain rate limiting.
func GroupByDomain(rules []watch.Rule) map[string][]watch.Rule {
	groups := make(map[string][]watch.Rule)
	for _, rule := range rules {
		domain := ruleDomain(rule)
		groups[domain] = append(groups[domain], rule)
	}
	return groups
}

func ruleDomain(rule watch.Rule) string {
	if rule.Domain != "" {
		return strings.ToLower(rule.Domain)
	}
	if u, err := url.Parse(rule.URL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return "unknown"
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit) + 1)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func nextWindowStart(now time.Time, window watch.ActiveHours) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), window.StartHour, 0, 0, 0, now.Location())
	if !start.After(now) {
		start = start.Add(24 * time.Hour)
	}
	return start
}

func pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
