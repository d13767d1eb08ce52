// Package expiry implements the periodic sweep that revokes access for
// time-expired recipients. The platform's only kick primitive is
// ban-then-immediately-unban: it removes the member without a lasting block.
package expiry

import (
	"context"
	"runtime/debug"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type Config struct {
	// BatchLimit caps how many expired records one sweep processes.
	BatchLimit int
	// Stagger is the fixed delay between kicks within one destination.
	// It exists purely to avoid bursting the API, not as retry backoff.
	Stagger time.Duration
	// KickPause separates the ban call from the unban call.
	KickPause time.Duration
	// NotifyText, when non-empty, is sent to each removed user. Failure to
	// notify is swallowed.
	NotifyText string
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.Stagger <= 0 {
		c.Stagger = 500 * time.Millisecond
	}
	if c.KickPause <= 0 {
		c.KickPause = 300 * time.Millisecond
	}
	return c
}

type Service struct {
	cfg   Config
	store storage.MembershipStore
	bots  delivery.Registry
	log   logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store storage.MembershipStore, bots delivery.Registry, log logx.Logger) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		bots:  bots,
		log:   log,
		now:   time.Now,
		sleep: delivery.SleepCtx,
	}
}

// Sweep processes one batch of expired memberships, grouped by destination.
func (s *Service) Sweep(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in expiry sweep",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	now := s.now()
	expired, err := s.store.ExpiredMemberships(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	s.log.Info("expiry sweep", logx.Int("expired", len(expired)))

	byDest := map[int64][]*storage.Membership{}
	for _, m := range expired {
		byDest[m.DestinationID] = append(byDest[m.DestinationID], m)
	}

	for dest, members := range byDest {
		for i, m := range members {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.kickOne(ctx, m)
			if i+1 < len(members) {
				if err := s.sleep(ctx, s.cfg.Stagger); err != nil {
					return err
				}
			}
		}
		s.log.Debug("destination swept", logx.Int64("dest", dest), logx.Int("members", len(members)))
	}
	return nil
}

func (s *Service) kickOne(ctx context.Context, m *storage.Membership) {
	log := s.log.With(
		logx.Int64("membership_id", m.ID),
		logx.Int64("recipient", m.RecipientID),
		logx.Int64("dest", m.DestinationID))

	client, ok := s.bots.Running(m.BotID)
	if !ok {
		// Transient by definition: the record stays eligible for the next
		// sweep.
		log.Warn("bot not running, kick deferred", logx.Int64("bot_id", m.BotID))
		return
	}

	err := s.kick(ctx, client, m)
	switch delivery.Classify(err) {
	case delivery.ClassDelivered:
		s.markKicked(ctx, m, "")
		s.notify(ctx, client, m, log)
		log.Info("membership expired, recipient removed")

	case delivery.ClassPermissionDenied, delivery.ClassFatal, delivery.ClassBlocked:
		// Permanent: the bot lost admin, the chat is gone, or the user
		// already left. Mark kicked anyway so the sweep never retries this
		// record forever.
		s.markKicked(ctx, m, err.Error())
		log.Warn("kick failed permanently, marked kicked", logx.Err(err))

	default:
		m.FailCount++
		m.LastError = err.Error()
		if serr := s.store.SaveMembership(ctx, m); serr != nil {
			log.Warn("membership save failed", logx.Err(serr))
		}
		log.Warn("kick failed, will retry next sweep", logx.Int("fail_count", m.FailCount), logx.Err(err))
	}
}

func (s *Service) kick(ctx context.Context, client delivery.Client, m *storage.Membership) error {
	// A short ban window is enough; the unban right after clears it.
	until := s.now().Add(time.Minute)
	if err := client.Ban(ctx, m.DestinationID, m.RecipientID, until); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.cfg.KickPause); err != nil {
		return err
	}
	return client.Unban(ctx, m.DestinationID, m.RecipientID)
}

func (s *Service) markKicked(ctx context.Context, m *storage.Membership, lastError string) {
	m.IsActive = false
	m.KickedAt = s.now()
	if lastError != "" {
		m.LastError = lastError
	}
	if err := s.store.SaveMembership(ctx, m); err != nil {
		s.log.Warn("membership save failed", logx.Int64("membership_id", m.ID), logx.Err(err))
	}
}

func (s *Service) notify(ctx context.Context, client delivery.Client, m *storage.Membership, log logx.Logger) {
	if s.cfg.NotifyText == "" {
		return
	}
	_, err := client.Send(ctx, m.RecipientID, delivery.Content{
		Kind:      delivery.ContentText,
		Text:      s.cfg.NotifyText,
		NoPreview: true,
	})
	if err != nil {
		log.Debug("removal notice failed", logx.Err(err))
	}
}
