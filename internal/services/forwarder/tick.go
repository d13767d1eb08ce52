package forwarder

import (
	"context"
	"runtime/debug"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/rules"
	"relaybot/pkg/logx"
)

// Tick claims all due rules and processes one batch for each. Every rule is
// isolated: a panic or failure in one never stops the others.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ClaimDueRules(ctx, now, s.cfg.ClaimLimit, s.cfg.LockFor)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	s.log.Debug("tick", logx.Int("due", len(due)))

	for _, r := range due {
		s.runOne(ctx, r)
	}
	return nil
}

func (s *Service) runOne(ctx context.Context, r *rules.Rule) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic processing rule",
				logx.Int64("rule_id", r.ID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := s.processRule(ctx, r); err != nil {
		s.log.Warn("rule batch failed", logx.Int64("rule_id", r.ID), logx.Err(err))
	}
}

func (s *Service) processRule(ctx context.Context, r *rules.Rule) error {
	now := s.now()
	log := s.log.With(logx.Int64("rule_id", r.ID))

	client, ok := s.bots.Running(r.BotID)
	if !ok {
		// Bot is down; release the claim and try again next tick.
		r.LockedUntil = time.Time{}
		r.NextRunAt = now.Add(time.Minute)
		log.Warn("bot not running, rule deferred", logx.Int64("bot_id", r.BotID))
		return s.store.SaveRule(ctx, r)
	}

	if len(r.Queue) == 0 {
		if !r.RepeatWhenDone {
			r.Complete()
			r.LockedUntil = time.Time{}
			log.Info("rule completed", logx.Int64("delivered", r.DeliveredCount))
			return s.store.SaveRule(ctx, r)
		}
		r.CurrentItemID = r.StartItemID
		q, err := rules.BuildQueue(r, s.cfg.QueueDefaultSpan)
		if err != nil {
			r.Fail("queue rebuild: " + err.Error())
			r.LockedUntil = time.Time{}
			_ = s.store.SaveRule(ctx, r)
			return err
		}
		r.Queue = q
		log.Info("queue rebuilt", logx.Int("queue_len", len(q)))
	}

	// The rule mutates only after the whole batch lands. An aborted batch
	// leaves the persisted cursor and counters at their pre-batch values,
	// so the next tick re-attempts the same items (at-least-once) without
	// double-counting deliveries.
	batch, rest := rules.PopBatch(r.Queue, r.BatchSize)
	delivered := 0
	maxSeen := r.CurrentItemID
	for _, itemID := range batch {
		msgID, ok, err := s.exec.Attempt(ctx, s.deliverFn(client, r, itemID))
		if err != nil {
			return s.failBatch(ctx, r, itemID, err, log)
		}
		if ok {
			delivered++
			if delay := r.Deletion.Delay(); delay > 0 {
				s.deleter.Schedule(r.BotID, r.DestChatID, msgID, delay)
			}
		} else {
			log.Debug("item skipped", logx.Int("item_id", itemID))
		}
		// Skip-and-continue: the cursor advances past unforwardable items
		// too, so one bad message can never stall the rule. Shuffled queues
		// deliver out of id order; the cursor tracks the highest id seen.
		if itemID > maxSeen {
			maxSeen = itemID
		}
	}

	r.DeliveredCount += int64(delivered)
	if delivered > 0 {
		r.LastDeliveredAt = s.now()
	}
	if maxSeen > r.CurrentItemID {
		if err := r.Advance(maxSeen); err != nil {
			return err
		}
	}
	r.Queue = rest
	r.LockedUntil = time.Time{}
	if len(rest) == 0 && !r.RepeatWhenDone {
		r.Complete()
		log.Info("rule completed", logx.Int64("delivered", r.DeliveredCount))
	} else {
		r.NextRunAt = r.NextAfter(s.now())
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return err
	}

	log.Debug("batch done",
		logx.Int("attempted", len(batch)),
		logx.Int("delivered", delivered),
		logx.Int("remaining", len(r.Queue)),
		logx.Time("next_run", r.NextRunAt))

	if delivered > 0 && r.AnnounceText != "" {
		s.announce(ctx, client, r, log)
	}
	return nil
}

// failBatch records a batch abort. Permission and destination failures pause
// the rule with an operator-visible message; exhausted transient retries
// reschedule the same batch for the next interval.
func (s *Service) failBatch(ctx context.Context, r *rules.Rule, itemID int, err error, log logx.Logger) error {
	r.LockedUntil = time.Time{}
	switch delivery.Classify(err) {
	case delivery.ClassPermissionDenied, delivery.ClassFatal, delivery.ClassBlocked:
		r.Fail(err.Error())
		log.Warn("rule paused on delivery failure", logx.Int("item_id", itemID), logx.Err(err))
	default:
		r.NextRunAt = r.NextAfter(s.now())
		log.Warn("batch aborted, will retry at cursor", logx.Int("item_id", itemID), logx.Err(err))
	}
	if serr := s.store.SaveRule(ctx, r); serr != nil {
		return serr
	}
	return err
}

func (s *Service) deliverFn(client delivery.Client, r *rules.Rule, itemID int) delivery.AttemptFunc {
	return func(ctx context.Context) (int, error) {
		if r.CopyMode {
			opts := delivery.CopyOptions{Caption: r.Watermark}
			return client.Copy(ctx, r.DestChatID, r.SourceChatID, itemID, opts)
		}
		return client.Forward(ctx, r.DestChatID, r.SourceChatID, itemID)
	}
}

func (s *Service) announce(ctx context.Context, client delivery.Client, r *rules.Rule, log logx.Logger) {
	msgID, err := client.Send(ctx, r.DestChatID, delivery.Content{
		Kind:      delivery.ContentText,
		Text:      r.AnnounceText,
		NoPreview: r.StripLinks,
	})
	if err != nil {
		log.Debug("announcement failed", logx.Err(err))
		return
	}
	if delay := r.Deletion.Delay(); delay > 0 {
		s.deleter.Schedule(r.BotID, r.DestChatID, msgID, delay)
	}
}
