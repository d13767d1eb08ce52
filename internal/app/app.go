// Package app wires the distribution engine together and exposes the
// operations the command layer and dashboard call into.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/config"
	"relaybot/internal/schedule"
	"relaybot/internal/services/broadcast"
	"relaybot/internal/services/deletion"
	"relaybot/internal/services/expiry"
	"relaybot/internal/services/forwarder"
	"relaybot/internal/services/ondemand"
	"relaybot/internal/storage"
	"relaybot/internal/telegram"
	"relaybot/pkg/logx"
)

type App struct {
	log    logx.Logger
	cfgMgr *config.Manager

	store    storage.Store
	registry *telegram.Registry
	timers   *schedule.Queue
	deleter  *deletion.Service

	forwarder *forwarder.Service
	broadcast *broadcast.Service
	expiry    *expiry.Service
	ondemand  *ondemand.Service

	cron *cron.Cron

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	watchWG sync.WaitGroup
}

func New(cfgPath string, log logx.Logger) (*App, error) {
	mgr := config.NewManager(cfgPath, log)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry := telegram.NewRegistry(log.With(logx.String("svc", "registry")))
	timers := schedule.NewQueue(log.With(logx.String("svc", "timers")))
	deleter := deletion.New(timers, registry, log.With(logx.String("svc", "deletion")))

	a := &App{
		log:      log,
		cfgMgr:   mgr,
		store:    store,
		registry: registry,
		timers:   timers,
		deleter:  deleter,
		forwarder: forwarder.New(forwarder.Config{
			ClaimLimit:       cfg.Engine.ClaimLimit,
			LockFor:          cfg.Engine.LockFor.Std(),
			QueueDefaultSpan: cfg.Engine.QueueDefaultSpan,
			RetryMax:         cfg.Engine.RetryMax,
			BackoffStep:      cfg.Engine.BackoffStep.Std(),
		}, store, registry, deleter, log.With(logx.String("svc", "forwarder"))),
		broadcast: broadcast.New(broadcastConfig(cfg), store, registry,
			log.With(logx.String("svc", "broadcast"))),
		expiry: expiry.New(expiry.Config{
			BatchLimit: cfg.Expiry.BatchLimit,
			Stagger:    cfg.Expiry.Stagger.Std(),
			KickPause:  cfg.Expiry.KickPause.Std(),
			NotifyText: cfg.Expiry.NotifyText,
		}, store, registry, log.With(logx.String("svc", "expiry"))),
		ondemand: ondemand.New(ondemand.Config{
			QueueDefaultSpan: cfg.Engine.QueueDefaultSpan,
			RetryMax:         cfg.OnDemand.RetryMax,
			BackoffStep:      cfg.OnDemand.BackoffStep.Std(),
		}, store, ondemand.NewMemoryCooldowns(), registry,
			log.With(logx.String("svc", "ondemand"))),
	}
	return a, nil
}

func broadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		ChunkSize:    cfg.Broadcast.ChunkSize,
		MessageDelay: cfg.Broadcast.MessageDelay.Std(),
		ChunkDelay:   cfg.Broadcast.ChunkDelay.Std(),
		MaxDelay:     cfg.Broadcast.MaxDelay.Std(),
		RatePerSec:   cfg.Broadcast.RatePerSec,
		RetryMax:     cfg.Broadcast.RetryMax,
		BackoffStep:  cfg.Broadcast.BackoffStep.Std(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.runCtx != nil {
		a.mu.Unlock()
		return nil
	}
	a.runCtx, a.cancel = context.WithCancel(ctx)
	runCtx := a.runCtx
	a.mu.Unlock()

	cfg := a.cfgMgr.Get()
	if err := a.registerBots(cfg); err != nil {
		return err
	}

	a.timers.Start(runCtx)
	a.broadcast.Start(runCtx)

	a.cron = cron.New()
	forwardEvery := tickSpec(cfg.Engine.TickInterval.Std())
	expireEvery := tickSpec(cfg.Expiry.TickInterval.Std())
	if _, err := a.cron.AddFunc(forwardEvery, func() {
		if err := a.forwarder.Tick(runCtx); err != nil {
			a.log.Warn("forward tick failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if _, err := a.cron.AddFunc(expireEvery, func() {
		if err := a.expiry.Sweep(runCtx); err != nil {
			a.log.Warn("expiry sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	a.cron.Start()

	// Live config: broadcast pacing applies without restart; everything
	// else picks up on daemon restart.
	updates := a.cfgMgr.Subscribe(1)
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.watchWG.Done()
		for {
			select {
			case <-runCtx.Done():
				a.cfgMgr.Unsubscribe(updates)
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.broadcast.Apply(broadcastConfig(next))
				a.log.Info("applied updated broadcast pacing")
			}
		}
	}()

	a.log.Info("engine started",
		logx.String("forward_tick", forwardEvery),
		logx.String("expiry_tick", expireEvery),
		logx.Int("bots", len(cfg.Bots)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.runCtx == nil {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	a.runCtx, a.cancel = nil, nil
	a.mu.Unlock()

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	cancel()
	a.broadcast.Stop(ctx)
	a.timers.Stop(ctx)
	a.watchWG.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("engine stopped")
	return nil
}

func (a *App) registerBots(cfg *config.Config) error {
	for _, b := range cfg.Bots {
		token := strings.TrimSpace(os.Getenv(b.TokenEnv))
		if token == "" {
			return fmt.Errorf("bot %d: environment variable %s is empty", b.ID, b.TokenEnv)
		}
		client, err := telegram.NewClient(token, a.log.With(logx.Int64("bot_id", b.ID)))
		if err != nil {
			return fmt.Errorf("bot %d: %w", b.ID, err)
		}
		a.registry.Register(b.ID, client)
	}
	return nil
}

// Registry exposes bot registration to the command layer, which owns bot
// connections.
func (a *App) Registry() *telegram.Registry { return a.registry }

func tickSpec(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}
