// Package forwarder owns the distribution rule state machine and the
// scheduler loop that moves content from source to destination chats in
// controlled batches.
package forwarder

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/rules"
	"relaybot/internal/services/deletion"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type Config struct {
	// ClaimLimit bounds how many due rules one tick picks up.
	ClaimLimit int
	// LockFor is how long a claimed rule stays invisible to other scheduler
	// instances.
	LockFor time.Duration
	// QueueDefaultSpan bounds the queue when a rule has no explicit end
	// item. Required; there is no built-in default.
	QueueDefaultSpan int

	RetryMax    int
	BackoffStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 50
	}
	if c.LockFor <= 0 {
		c.LockFor = 5 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 2 * time.Second
	}
	return c
}

type Service struct {
	cfg     Config
	store   storage.RuleStore
	bots    delivery.Registry
	deleter *deletion.Service
	log     logx.Logger

	exec *delivery.Executor
	now  func() time.Time
}

func New(cfg Config, store storage.RuleStore, bots delivery.Registry, deleter *deletion.Service, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		store:   store,
		bots:    bots,
		deleter: deleter,
		log:     log,
		exec: &delivery.Executor{
			MaxRetries:  cfg.RetryMax,
			BackoffStep: cfg.BackoffStep,
			Log:         log,
		},
		now: time.Now,
	}
}

// StartRule transitions a rule to running and seeds its queue.
func (s *Service) StartRule(ctx context.Context, id int64) error {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := r.Start(s.now()); err != nil {
		return err
	}
	if len(r.Queue) == 0 {
		q, err := rules.BuildQueue(r, s.cfg.QueueDefaultSpan)
		if err != nil {
			return fmt.Errorf("seed queue for rule %d: %w", id, err)
		}
		r.Queue = q
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return err
	}
	s.log.Info("rule started", logx.Int64("rule_id", id), logx.Int("queue_len", len(r.Queue)))
	return nil
}

// PauseRule stops ticking; cursor and queue survive.
func (s *Service) PauseRule(ctx context.Context, id int64) error {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := r.Pause(); err != nil {
		return err
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return err
	}
	s.log.Info("rule paused", logx.Int64("rule_id", id))
	return nil
}

// ResumeRule restarts a paused rule at its persisted cursor. A batch that
// was aborted mid-flight re-sends: delivery is at-least-once.
func (s *Service) ResumeRule(ctx context.Context, id int64) error {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := r.Resume(s.now()); err != nil {
		return err
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return err
	}
	s.log.Info("rule resumed", logx.Int64("rule_id", id))
	return nil
}

// ResetRule returns the cursor to the start item and drops the queue.
func (s *Service) ResetRule(ctx context.Context, id int64) error {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	r.Reset()
	if err := s.store.SaveRule(ctx, r); err != nil {
		return err
	}
	s.log.Info("rule reset", logx.Int64("rule_id", id))
	return nil
}

// DeleteRule removes the rule entirely.
func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.log.Info("rule deleted", logx.Int64("rule_id", id))
	return nil
}
