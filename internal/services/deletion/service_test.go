package deletion

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/schedule"
	"relaybot/pkg/logx"
)

type deleteCall struct {
	chatID    int64
	messageID int
}

type fakeClient struct {
	mu      sync.Mutex
	deletes []deleteCall
}

func (c *fakeClient) Delete(_ context.Context, chatID int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, deleteCall{chatID, messageID})
	return nil
}

func (c *fakeClient) Forward(context.Context, int64, int64, int) (int, error) { return 0, nil }
func (c *fakeClient) Copy(context.Context, int64, int64, int, delivery.CopyOptions) (int, error) {
	return 0, nil
}
func (c *fakeClient) Send(context.Context, int64, delivery.Content) (int, error) { return 0, nil }
func (c *fakeClient) Ban(context.Context, int64, int64, time.Time) error         { return nil }
func (c *fakeClient) Unban(context.Context, int64, int64) error                  { return nil }

type fakeRegistry struct{ client delivery.Client }

func (r *fakeRegistry) Running(int64) (delivery.Client, bool) {
	if r.client == nil {
		return nil, false
	}
	return r.client, true
}

func TestScheduleDeletesAfterDelay(t *testing.T) {
	t.Parallel()
	timers := schedule.NewQueue(logx.Nop())
	client := &fakeClient{}
	svc := New(timers, &fakeRegistry{client: client}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timers.Start(ctx)
	defer timers.Stop(context.Background())

	svc.Schedule(10, -200, 555, 10*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.deletes)
		client.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("delete never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.deletes[0] != (deleteCall{-200, 555}) {
		t.Fatalf("deletes = %+v", client.deletes)
	}
}

func TestCancelDisarmsPendingDelete(t *testing.T) {
	t.Parallel()
	timers := schedule.NewQueue(logx.Nop())
	client := &fakeClient{}
	svc := New(timers, &fakeRegistry{client: client}, logx.Nop())

	svc.Schedule(10, -200, 555, time.Hour)
	if timers.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", timers.Pending())
	}
	if !svc.Cancel(-200, 555) {
		t.Fatal("Cancel returned false for a pending delete")
	}
	if timers.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", timers.Pending())
	}
	if svc.Cancel(-200, 555) {
		t.Fatal("second Cancel should report nothing pending")
	}
}

func TestRescheduleReplacesTimer(t *testing.T) {
	t.Parallel()
	timers := schedule.NewQueue(logx.Nop())
	svc := New(timers, &fakeRegistry{client: &fakeClient{}}, logx.Nop())

	svc.Schedule(10, -200, 555, time.Hour)
	svc.Schedule(10, -200, 555, 2*time.Hour)
	if timers.Pending() != 1 {
		t.Fatalf("pending = %d, rescheduling must replace the earlier timer", timers.Pending())
	}
}
