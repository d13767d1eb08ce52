package broadcast

import (
	"context"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

func (s *Service) run(ctx context.Context, job *storage.Job, aj *activeJob) {
	start := s.now()
	log := s.log.With(logx.Int64("job_id", job.ID))

	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	s.mu.Unlock()

	// The bot can vanish between Queue and here. The job stays in_progress
	// with its counters untouched so a later Queue resumes it.
	client, ok := s.bots.Running(job.BotID)
	if !ok {
		log.Warn("bot not running, broadcast deferred", logx.Int64("bot_id", job.BotID))
		return
	}

	// Adaptive pacing: a flood hit widens the delay used for subsequent
	// recipients, a clean send narrows it back toward the floor.
	delay := cfg.MessageDelay
	widen := func(retryAfter time.Duration) {
		next := delay * 2
		if retryAfter > next {
			next = retryAfter
		}
		if next > cfg.MaxDelay {
			next = cfg.MaxDelay
		}
		delay = next
	}
	narrow := func() {
		next := delay / 2
		if next < cfg.MessageDelay {
			next = cfg.MessageDelay
		}
		delay = next
	}

	exec := &delivery.Executor{
		MaxRetries:  cfg.RetryMax,
		BackoffStep: cfg.BackoffStep,
		Log:         log,
		Sleep:       s.sleep,
		OnRateLimit: widen,
	}

	total := len(job.Recipients)
	sent, failed, blocked := job.Sent, job.Failed, job.Blocked
	// Counters already attempted on a previous run are skipped on resume.
	offset := sent + failed + blocked
	cancelled := false

	flush := func(status storage.JobStatus) {
		if err := s.store.UpdateJobProgress(ctx, job.ID, sent, failed, blocked, status); err != nil {
			log.Warn("progress flush failed", logx.Err(err))
		}
	}

chunks:
	for chunkStart := offset; chunkStart < total; chunkStart += cfg.ChunkSize {
		if aj.cancelled.Load() {
			cancelled = true
			break
		}
		chunkEnd := chunkStart + cfg.ChunkSize
		if chunkEnd > total {
			chunkEnd = total
		}

		for i := chunkStart; i < chunkEnd; i++ {
			if aj.cancelled.Load() {
				cancelled = true
				break chunks
			}
			if ctx.Err() != nil {
				flush(storage.JobInProgress)
				return
			}

			recipient := job.Recipients[i]
			if err := limiter.Wait(ctx); err != nil {
				flush(storage.JobInProgress)
				return
			}

			_, delivered, err := exec.Attempt(ctx, s.deliverFn(client, job, recipient))
			switch {
			case delivered:
				sent++
				narrow()
			case delivery.Classify(err) == delivery.ClassBlocked:
				blocked++
				if derr := s.store.DeactivateRecipient(ctx, recipient, s.now()); derr != nil {
					log.Warn("recipient deactivation failed", logx.Int64("recipient", recipient), logx.Err(derr))
				}
				s.recordError(ctx, job.ID, recipient, err, log)
			default:
				failed++
				s.recordError(ctx, job.ID, recipient, err, log)
			}

			if i+1 < chunkEnd {
				if serr := s.sleep(ctx, delay); serr != nil {
					flush(storage.JobInProgress)
					return
				}
			}
		}

		// Counters persist per chunk, not per message, to bound write
		// amplification.
		flush(storage.JobInProgress)

		if chunkEnd < total {
			if serr := s.sleep(ctx, cfg.ChunkDelay); serr != nil {
				return
			}
		}
	}

	status := storage.JobCompleted
	switch {
	case cancelled:
		status = storage.JobCancelled
	case failed+blocked == total && total > 0:
		status = storage.JobFailed
	}
	flush(status)

	fields := []logx.Field{
		logx.Int("total", total),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Int("blocked", blocked),
		logx.String("status", string(status)),
		logx.Duration("dur", s.now().Sub(start)),
	}
	if failed+blocked > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
}

func (s *Service) deliverFn(client delivery.Client, job *storage.Job, recipient int64) delivery.AttemptFunc {
	return func(ctx context.Context) (int, error) {
		if job.SourceChatID != 0 && job.SourceItemID != 0 {
			return client.Copy(ctx, recipient, job.SourceChatID, job.SourceItemID, delivery.CopyOptions{})
		}
		return client.Send(ctx, recipient, job.Content)
	}
}

func (s *Service) recordError(ctx context.Context, jobID, recipient int64, err error, log logx.Logger) {
	if err == nil {
		return
	}
	if aerr := s.store.AppendJobError(ctx, jobID, recipient, err.Error()); aerr != nil {
		log.Debug("error log write failed", logx.Int64("recipient", recipient), logx.Err(aerr))
	}
}
