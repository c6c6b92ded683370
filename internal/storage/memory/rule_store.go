// Package memory provides in-process store implementations for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/watch"
)

// ErrNotFound is returned when a rule or profile does not exist.
var ErrNotFound = errors.New("not found")

// RuleStore implements watch.RuleStore and watch.ProfileSource in
// memory.
type RuleStore struct {
	mu       sync.RWMutex
	rules    map[string]watch.Rule
	profiles map[string]watch.FetchProfile
}

// NewRuleStore creates an empty in-memory store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		rules:    make(map[string]watch.Rule),
		profiles: make(map[string]watch.FetchProfile),
	}
}

// PutRule inserts or replaces a rule.
func (s *RuleStore) PutRule(rule watch.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
}

// PutProfile inserts or replaces a fetch profile.
func (s *RuleStore) PutProfile(profile watch.FetchProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.SourceID] = profile
}

// FindDueRules returns enabled rules due at or before now, oldest
// first, capped at batchSize.
func (s *RuleStore) FindDueRules(_ context.Context, now time.Time, batchSize int) ([]watch.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []watch.Rule
	for _, rule := range s.rules {
		if rule.Enabled && !rule.NextRunAt.After(now) {
			due = append(due, rule)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if batchSize > 0 && len(due) > batchSize {
		due = due[:batchSize]
	}
	return due, nil
}

// GetRule loads one rule by ID.
func (s *RuleStore) GetRule(_ context.Context, ruleID string) (watch.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return watch.Rule{}, fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	return rule, nil
}

// UpdateNextRunAt advances a rule's next scheduled run.
func (s *RuleStore) UpdateNextRunAt(_ context.Context, ruleID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	rule.NextRunAt = next
	s.rules[ruleID] = rule
	return nil
}

// UpdateRunResult records the outcome of one run on the rule.
func (s *RuleStore) UpdateRunResult(_ context.Context, ruleID string, healthScore int, errCode watch.ErrorCode, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return fmt.Errorf("rule %q: %w", ruleID, ErrNotFound)
	}
	rule.HealthScore = healthScore
	if errCode != "" {
		rule.LastErrorCode = errCode
		errorAt := at
		rule.LastErrorAt = &errorAt
	}
	s.rules[ruleID] = rule
	return nil
}

// CountEnabled returns how many rules are currently enabled.
func (s *RuleStore) CountEnabled(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rule := range s.rules {
		if rule.Enabled {
			count++
		}
	}
	return count, nil
}

// GetProfile loads the fetch profile for one source.
func (s *RuleStore) GetProfile(_ context.Context, sourceID string) (watch.FetchProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[sourceID]
	if !ok {
		return watch.FetchProfile{}, fmt.Errorf("fetch profile %q: %w", sourceID, ErrNotFound)
	}
	return profile, nil
}
