// Package worker implements the run-job execution loop.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagewatch/pagewatch/internal/metrics"
	"github.com/pagewatch/pagewatch/internal/queue"
	"github.com/pagewatch/pagewatch/internal/tier"
	"github.com/pagewatch/pagewatch/internal/watch"
)

// Health score adjustments per run outcome.
const (
	maxHealthScore     = 100
	healthRewardOnOK   = 10
	healthPenaltyOnErr = 20
)

// Dequeuer hands out pending run jobs.
type Dequeuer interface {
	Dequeue(ctx context.Context) (queue.Job, error)
}

// Orchestrator walks the provider chain for one URL under a resolved
// policy.
type Orchestrator interface {
	Fetch(ctx context.Context, url string, policy watch.TierPolicy) watch.RunOutcome
}

// Config controls Worker behavior.
type Config struct {
	ContentType    string
	SnapshotPrefix string
	ChangeTopic    string
}

// Worker consumes run jobs and executes the fetch pipeline for each.
type Worker struct {
	jobs         Dequeuer
	rules        watch.RuleStore
	profiles     watch.ProfileSource
	resolver     *tier.Resolver
	orchestrator Orchestrator
	snapshots    watch.SnapshotStore
	publisher    watch.Publisher
	clock        watch.Clock
	cfg          Config
	log          *zap.Logger

	mu         sync.Mutex
	lastHashes map[string]string
}

// New constructs a Worker.
func New(
	jobs Dequeuer,
	rules watch.RuleStore,
	profiles watch.ProfileSource,
	resolver *tier.Resolver,
	orchestrator Orchestrator,
	snapshots watch.SnapshotStore,
	publisher watch.Publisher,
	clock watch.Clock,
	cfg Config,
	log *zap.Logger,
) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		jobs:         jobs,
		rules:        rules,
		profiles:     profiles,
		resolver:     resolver,
		orchestrator: orchestrator,
		snapshots:    snapshots,
		publisher:    publisher,
		clock:        clock,
		cfg:          cfg,
		log:          log,
		lastHashes:   make(map[string]string),
	}
}

// Run blocks, consuming run jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.log.Debug("dequeued run job",
			zap.String("job_id", job.Opts.JobID),
			zap.String("rule_id", job.Payload.RuleID),
		)
		w.processJob(ctx, job)
	}
}

// processJob executes one run: load the rule and profile, resolve the
// policy, fetch, persist the snapshot, and record the outcome.
func (w *Worker) processJob(ctx context.Context, job queue.Job) {
	ruleID := job.Payload.RuleID
	rule, err := w.rules.GetRule(ctx, ruleID)
	if err != nil {
		metrics.ObserveRun("rule_missing")
		w.log.Error("load rule failed", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	if !rule.Enabled {
		metrics.ObserveRun("skipped_disabled")
		w.log.Debug("rule disabled, skipping run", zap.String("rule_id", ruleID))
		return
	}

	policy := w.resolvePolicy(ctx, rule)
	outcome := w.orchestrator.Fetch(ctx, rule.URL, policy)

	if !outcome.Succeeded {
		w.recordOutcome(ctx, rule, outcome, false)
		metrics.ObserveRun("failed")
		w.log.Warn("run failed",
			zap.String("rule_id", ruleID),
			zap.String("error_code", string(outcome.ErrorCode)),
			zap.Int("attempts", len(outcome.Attempts)),
			zap.Float64("cost_units", outcome.TotalCost),
		)
		return
	}

	hash := contentHash(outcome.Body)
	changed := w.trackHash(ruleID, hash)

	uri, err := w.persistSnapshot(ctx, rule, hash, outcome.Body)
	if err != nil {
		w.log.Error("persist snapshot failed", zap.String("rule_id", ruleID), zap.Error(err))
	}

	w.recordOutcome(ctx, rule, outcome, true)
	if changed {
		w.publishChange(ctx, rule, outcome, hash, uri)
	}
	metrics.ObserveRun("succeeded")
	w.log.Info("run completed",
		zap.String("rule_id", ruleID),
		zap.String("provider", string(outcome.ProviderUsed)),
		zap.Bool("changed", changed),
		zap.Float64("cost_units", outcome.TotalCost),
	)
}

// resolvePolicy resolves the tier policy for the rule's source. A
// missing profile falls back to unknown-tier defaults keyed on the
// rule's own domain.
func (w *Worker) resolvePolicy(ctx context.Context, rule watch.Rule) watch.TierPolicy {
	profile, err := w.profiles.GetProfile(ctx, rule.SourceID)
	if err != nil {
		w.log.Debug("no fetch profile, using defaults",
			zap.String("rule_id", rule.ID),
			zap.String("source_id", rule.SourceID),
			zap.Error(err),
		)
		profile = watch.FetchProfile{
			SourceID:   rule.SourceID,
			Domain:     rule.Domain,
			DomainTier: watch.TierUnknown,
		}
	}
	return w.resolver.Resolve(profile)
}

func (w *Worker) recordOutcome(ctx context.Context, rule watch.Rule, outcome watch.RunOutcome, succeeded bool) {
	score := rule.HealthScore
	errCode := watch.ErrorCode("")
	if succeeded {
		score += healthRewardOnOK
		if score > maxHealthScore {
			score = maxHealthScore
		}
	} else {
		score -= healthPenaltyOnErr
		if score < 0 {
			score = 0
		}
		errCode = outcome.ErrorCode
	}
	if err := w.rules.UpdateRunResult(ctx, rule.ID, score, errCode, outcome.FinishedAt); err != nil {
		w.log.Error("update run result failed", zap.String("rule_id", rule.ID), zap.Error(err))
	}
}

func (w *Worker) persistSnapshot(ctx context.Context, rule watch.Rule, hash string, body []byte) (string, error) {
	if w.snapshots == nil {
		return "", nil
	}
	path := w.snapshotPath(rule.ID, hash)
	uri, err := w.snapshots.PutSnapshot(ctx, path, w.cfg.ContentType, body)
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return uri, nil
}

func (w *Worker) snapshotPath(ruleID, hash string) string {
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", ruleID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, ruleID, hash)
}

func (w *Worker) publishChange(ctx context.Context, rule watch.Rule, outcome watch.RunOutcome, hash, uri string) {
	if w.cfg.ChangeTopic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"rule_id":      rule.ID,
		"source_id":    rule.SourceID,
		"url":          rule.URL,
		"rule_type":    rule.Type,
		"content_hash": hash,
		"snapshot_uri": uri,
		"provider":     outcome.ProviderUsed,
		"status":       outcome.StatusCode,
		"timestamp":    outcome.FinishedAt.Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.ChangeTopic, payload); err != nil {
		w.log.Error("publish change event failed", zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}
	w.log.Info("change event published",
		zap.String("rule_id", rule.ID),
		zap.String("content_hash", hash),
	)
}

// trackHash remembers the latest content hash per rule and reports
// whether it differs from the previous run in this process.
func (w *Worker) trackHash(ruleID, hash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	previous, seen := w.lastHashes[ruleID]
	w.lastHashes[ruleID] = hash
	return !seen || previous != hash
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
