// Package ondemand serves per-user pull requests against a rule: a user
// asks for the next batch and receives it directly, throttled by the
// cooldown gate before any rate-limited API call happens.
package ondemand

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/rules"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

var ErrRuleInactive = errors.New("rule not available for on-demand requests")

type Config struct {
	QueueDefaultSpan int
	RetryMax         int
	BackoffStep      time.Duration
}

type Service struct {
	cfg       Config
	store     storage.RuleStore
	cooldowns CooldownStore
	bots      delivery.Registry
	log       logx.Logger

	exec *delivery.Executor
	now  func() time.Time
}

// Result reports what a single on-demand request produced.
type Result struct {
	Delivered         int
	CooldownRemaining time.Duration
}

func New(cfg Config, store storage.RuleStore, cooldowns CooldownStore, bots delivery.Registry, log logx.Logger) *Service {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = time.Second
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		cooldowns: cooldowns,
		bots:      bots,
		log:       log,
		exec: &delivery.Executor{
			MaxRetries:  cfg.RetryMax,
			BackoffStep: cfg.BackoffStep,
			Log:         log,
		},
		now: time.Now,
	}
}

// Handle serves one request: resolve the bot and the rule's queue, gate on
// the cooldown (no API traffic for rejected requests), then deliver the
// next batch to the user.
func (s *Service) Handle(ctx context.Context, ruleID, userID int64) (Result, error) {
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return Result{}, err
	}
	if !r.IsActive {
		return Result{}, ErrRuleInactive
	}

	client, ok := s.bots.Running(r.BotID)
	if !ok {
		return Result{}, errors.New("bot not running")
	}

	if len(r.Queue) == 0 {
		if !r.RepeatWhenDone && r.Status == rules.StatusCompleted {
			return Result{}, nil
		}
		r.CurrentItemID = r.StartItemID
		q, err := rules.BuildQueue(r, s.cfg.QueueDefaultSpan)
		if err != nil {
			return Result{}, err
		}
		r.Queue = q
	}

	// The cooldown window is consumed only once a deliverable batch exists.
	// A request that finds the bot down or the rule drained costs nothing.
	cooldown := time.Duration(r.CooldownSeconds) * time.Second
	if remaining := s.cooldowns.TryConsume(ruleID, userID, cooldown); remaining > 0 {
		return Result{CooldownRemaining: remaining}, nil
	}

	batch, rest := rules.PopBatch(r.Queue, r.BatchSize)
	delivered := 0
	for _, itemID := range batch {
		_, ok, err := s.exec.Attempt(ctx, s.deliverFn(client, r, userID, itemID))
		if err != nil {
			// Abort at the pre-batch queue; the next allowed request
			// re-attempts the same items.
			s.log.Warn("on-demand delivery aborted",
				logx.Int64("rule_id", ruleID), logx.Int64("user", userID), logx.Err(err))
			return Result{Delivered: delivered}, err
		}
		if ok {
			delivered++
			r.DeliveredCount++
			r.LastDeliveredAt = s.now()
		}
		if itemID > r.CurrentItemID {
			if err := r.Advance(itemID); err != nil {
				return Result{Delivered: delivered}, err
			}
		}
	}

	r.Queue = rest
	if len(rest) == 0 && !r.RepeatWhenDone {
		r.Complete()
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return Result{Delivered: delivered}, err
	}

	s.log.Info("on-demand batch served",
		logx.Int64("rule_id", ruleID),
		logx.Int64("user", userID),
		logx.Int("delivered", delivered))
	return Result{Delivered: delivered}, nil
}

func (s *Service) deliverFn(client delivery.Client, r *rules.Rule, userID int64, itemID int) delivery.AttemptFunc {
	return func(ctx context.Context) (int, error) {
		if r.CopyMode {
			return client.Copy(ctx, userID, r.SourceChatID, itemID, delivery.CopyOptions{
				Caption: r.Watermark,
			})
		}
		return client.Forward(ctx, userID, r.SourceChatID, itemID)
	}
}
