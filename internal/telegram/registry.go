package telegram

import (
	"sync"

	"relaybot/internal/delivery"
	"relaybot/pkg/logx"
)

// Registry tracks running bot handles by owner bot id. The engine never
// starts or stops connections itself; the command layer registers bots here
// as they come up and the engine only looks them up.
type Registry struct {
	log logx.Logger

	mu   sync.RWMutex
	bots map[int64]*Client
}

func NewRegistry(log logx.Logger) *Registry {
	return &Registry{log: log, bots: map[int64]*Client{}}
}

func (r *Registry) Register(botID int64, c *Client) {
	r.mu.Lock()
	r.bots[botID] = c
	r.mu.Unlock()
	r.log.Info("bot registered", logx.Int64("bot_id", botID))
}

func (r *Registry) Unregister(botID int64) {
	r.mu.Lock()
	delete(r.bots, botID)
	r.mu.Unlock()
	r.log.Info("bot unregistered", logx.Int64("bot_id", botID))
}

// Running returns the client for a bot id, or false if that bot is not up.
func (r *Registry) Running(botID int64) (delivery.Client, bool) {
	r.mu.RLock()
	c, ok := r.bots[botID]
	r.mu.RUnlock()
	if !ok || c == nil {
		return nil, false
	}
	return c, true
}
