// Package deletion implements delayed, fire-and-forget removal of delivered
// messages. Failures are logged and swallowed: a message that is already
// gone is not an error worth surfacing.
package deletion

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/schedule"
	"relaybot/pkg/logx"
)

type Service struct {
	timers *schedule.Queue
	bots   delivery.Registry
	log    logx.Logger

	now func() time.Time
}

func New(timers *schedule.Queue, bots delivery.Registry, log logx.Logger) *Service {
	return &Service{timers: timers, bots: bots, log: log, now: time.Now}
}

// Schedule arms a delayed delete. Re-scheduling the same message replaces
// the earlier timer.
func (s *Service) Schedule(botID, chatID int64, messageID int, delay time.Duration) {
	at := s.now().Add(delay)
	s.timers.Schedule(key(chatID, messageID), at, func(ctx context.Context) {
		client, ok := s.bots.Running(botID)
		if !ok {
			s.log.Debug("delete skipped, bot not running",
				logx.Int64("bot_id", botID), logx.Int64("chat_id", chatID), logx.Int("message_id", messageID))
			return
		}
		if err := client.Delete(ctx, chatID, messageID); err != nil {
			s.log.Debug("delayed delete failed",
				logx.Int64("chat_id", chatID), logx.Int("message_id", messageID), logx.Err(err))
		}
	})
	s.log.Debug("delete scheduled",
		logx.Int64("chat_id", chatID), logx.Int("message_id", messageID), logx.Time("at", at))
}

// Cancel disarms a pending delete.
func (s *Service) Cancel(chatID int64, messageID int) bool {
	return s.timers.Cancel(key(chatID, messageID))
}

func key(chatID int64, messageID int) string {
	return fmt.Sprintf("del:%d:%d", chatID, messageID)
}
