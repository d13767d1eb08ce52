// Package broadcast implements the one-shot fan-out manager: a persisted
// job is delivered to its full recipient list in paced chunks, with
// adaptive backoff against the platform's rate limits and a polled
// cancellation flag.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/delivery"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

var (
	ErrJobActive     = errors.New("broadcast job already active")
	ErrJobTerminal   = errors.New("broadcast job already finished")
	ErrNotStarted    = errors.New("broadcast service not started")
	ErrBotNotRunning = errors.New("no running bot for job")
)

func New(cfg Config, store JobStore, bots delivery.Registry, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		store:   store,
		bots:    bots,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		active:  map[int64]*activeJob{},
		now:     time.Now,
		sleep:   delivery.SleepCtx,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.log.Info("broadcast manager started",
		logx.Int("chunk_size", s.cfg.ChunkSize),
		logx.Int("rps", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("broadcast manager stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// Apply updates pacing live; in-flight jobs pick up the new limiter on
// their next send.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Queue starts processing a pending job. Idempotent: a job that is already
// in flight is rejected, a terminal job is never restarted.
func (s *Service) Queue(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return ErrNotStarted
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, job.Status)
	}
	if _, ok := s.bots.Running(job.BotID); !ok {
		return fmt.Errorf("%w: bot %d", ErrBotNotRunning, job.BotID)
	}

	s.activeMu.Lock()
	if _, ok := s.active[jobID]; ok {
		s.activeMu.Unlock()
		return ErrJobActive
	}
	aj := &activeJob{done: make(chan struct{})}
	s.active[jobID] = aj
	s.activeMu.Unlock()

	job.Status = storage.JobInProgress
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.release(jobID)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(jobID)
		defer close(aj.done)
		s.run(runCtx, job, aj)
	}()
	s.log.Info("broadcast queued", logx.Int64("job_id", jobID), logx.Int("total", len(job.Recipients)))
	return nil
}

// Cancel flips the job's cancellation flag. The flag is polled: delivery to
// the current recipient always completes first.
func (s *Service) Cancel(jobID int64) bool {
	s.activeMu.Lock()
	aj, ok := s.active[jobID]
	s.activeMu.Unlock()
	if !ok {
		return false
	}
	aj.cancelled.Store(true)
	s.log.Info("broadcast cancel requested", logx.Int64("job_id", jobID))
	return true
}

// maxStatusErrors bounds the per-recipient failure list in a snapshot.
const maxStatusErrors = 200

// Status is a point-in-time view of a job.
type Status struct {
	Job    *storage.Job
	Active bool
	Errors []storage.JobError
}

// Status snapshots a job's counters, liveness and recent failures.
func (s *Service) Status(ctx context.Context, jobID int64) (Status, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	errs, err := s.store.JobErrors(ctx, jobID, maxStatusErrors)
	if err != nil {
		return Status{}, err
	}
	return Status{Job: job, Active: s.Active(jobID), Errors: errs}, nil
}

// Active reports whether a job is currently in flight.
func (s *Service) Active(jobID int64) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

func (s *Service) release(jobID int64) {
	s.activeMu.Lock()
	delete(s.active, jobID)
	s.activeMu.Unlock()
}
