package app

import (
	"context"

	"relaybot/internal/services/broadcast"
	"relaybot/internal/services/ondemand"
)

// The methods below are the engine surface the HTTP handlers and chat-bot
// command handlers call. Transport is an excluded concern.

func (a *App) StartRule(ctx context.Context, id int64) error {
	return a.forwarder.StartRule(ctx, id)
}

func (a *App) PauseRule(ctx context.Context, id int64) error {
	return a.forwarder.PauseRule(ctx, id)
}

func (a *App) ResumeRule(ctx context.Context, id int64) error {
	return a.forwarder.ResumeRule(ctx, id)
}

func (a *App) ResetRule(ctx context.Context, id int64) error {
	return a.forwarder.ResetRule(ctx, id)
}

func (a *App) DeleteRule(ctx context.Context, id int64) error {
	return a.forwarder.DeleteRule(ctx, id)
}

func (a *App) QueueBroadcast(ctx context.Context, jobID int64) error {
	return a.broadcast.Queue(ctx, jobID)
}

func (a *App) CancelBroadcast(jobID int64) bool {
	return a.broadcast.Cancel(jobID)
}

func (a *App) BroadcastStatus(ctx context.Context, jobID int64) (broadcast.Status, error) {
	return a.broadcast.Status(ctx, jobID)
}

func (a *App) HandleOnDemand(ctx context.Context, ruleID, userID int64) (ondemand.Result, error) {
	return a.ondemand.Handle(ctx, ruleID, userID)
}
