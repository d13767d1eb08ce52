package expiry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type fakeMembershipStore struct {
	expired []*storage.Membership
	saved   []*storage.Membership
}

func (s *fakeMembershipStore) ExpiredMemberships(context.Context, time.Time, int) ([]*storage.Membership, error) {
	return s.expired, nil
}

func (s *fakeMembershipStore) SaveMembership(_ context.Context, m *storage.Membership) error {
	cp := *m
	s.saved = append(s.saved, &cp)
	return nil
}

type kickCall struct {
	chatID int64
	userID int64
}

type fakeClient struct {
	bans    []kickCall
	unbans  []kickCall
	notices []int64
	banErr  map[int64]error // userID -> error
}

func (c *fakeClient) Ban(_ context.Context, chatID, userID int64, _ time.Time) error {
	if err := c.banErr[userID]; err != nil {
		return err
	}
	c.bans = append(c.bans, kickCall{chatID, userID})
	return nil
}

func (c *fakeClient) Unban(_ context.Context, chatID, userID int64) error {
	c.unbans = append(c.unbans, kickCall{chatID, userID})
	return nil
}

func (c *fakeClient) Send(_ context.Context, dest int64, _ delivery.Content) (int, error) {
	c.notices = append(c.notices, dest)
	return 1, nil
}

func (c *fakeClient) Forward(context.Context, int64, int64, int) (int, error) { return 0, nil }
func (c *fakeClient) Copy(context.Context, int64, int64, int, delivery.CopyOptions) (int, error) {
	return 0, nil
}
func (c *fakeClient) Delete(context.Context, int64, int) error { return nil }

type fakeRegistry struct{ client delivery.Client }

func (r *fakeRegistry) Running(int64) (delivery.Client, bool) {
	if r.client == nil {
		return nil, false
	}
	return r.client, true
}

func newTestService(store *fakeMembershipStore, client delivery.Client, notify string) *Service {
	svc := New(Config{NotifyText: notify}, store, &fakeRegistry{client: client}, logx.Nop())
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func member(id, recipient, dest int64) *storage.Membership {
	return &storage.Membership{
		ID:            id,
		BotID:         10,
		RecipientID:   recipient,
		DestinationID: dest,
		ExpiresAt:     time.Now().Add(-time.Hour),
		IsActive:      true,
	}
}

func TestSweepKicksAndNotifies(t *testing.T) {
	t.Parallel()
	store := &fakeMembershipStore{expired: []*storage.Membership{
		member(1, 100, -500),
		member(2, 200, -500),
	}}
	client := &fakeClient{}
	svc := newTestService(store, client, "access expired")

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(client.bans) != 2 || len(client.unbans) != 2 {
		t.Fatalf("bans=%v unbans=%v, want ban+unban per member", client.bans, client.unbans)
	}
	if len(client.notices) != 2 {
		t.Fatalf("notices = %v, want both recipients notified", client.notices)
	}
	if len(store.saved) != 2 {
		t.Fatalf("saved %d records, want 2", len(store.saved))
	}
	for _, m := range store.saved {
		if m.IsActive || m.KickedAt.IsZero() {
			t.Fatalf("record %d not marked kicked: %+v", m.ID, m)
		}
	}
}

func TestSweepPermanentFailureMarksKicked(t *testing.T) {
	t.Parallel()
	store := &fakeMembershipStore{expired: []*storage.Membership{member(1, 100, -500)}}
	client := &fakeClient{banErr: map[int64]error{
		100: fmt.Errorf("ban: %w", delivery.ErrPermissionDenied),
	}}
	svc := newTestService(store, client, "")

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d records, want 1", len(store.saved))
	}
	m := store.saved[0]
	if m.IsActive || m.KickedAt.IsZero() || m.LastError == "" {
		t.Fatalf("permanent failure should mark kicked with the error: %+v", m)
	}
}

func TestSweepTransientFailureDefersRecord(t *testing.T) {
	t.Parallel()
	store := &fakeMembershipStore{expired: []*storage.Membership{member(1, 100, -500)}}
	client := &fakeClient{banErr: map[int64]error{100: errors.New("timeout")}}
	svc := newTestService(store, client, "")

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d records, want 1", len(store.saved))
	}
	m := store.saved[0]
	if !m.IsActive || !m.KickedAt.IsZero() {
		t.Fatalf("transient failure must leave the record eligible: %+v", m)
	}
	if m.FailCount != 1 || m.LastError == "" {
		t.Fatalf("fail bookkeeping missing: %+v", m)
	}
}

func TestSweepBotDownLeavesRecordUntouched(t *testing.T) {
	t.Parallel()
	store := &fakeMembershipStore{expired: []*storage.Membership{member(1, 100, -500)}}
	svc := New(Config{}, store, &fakeRegistry{}, logx.Nop())
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("saved = %v, want nothing while the bot is down", store.saved)
	}
}

func TestSweepNoNotifyWhenUnconfigured(t *testing.T) {
	t.Parallel()
	store := &fakeMembershipStore{expired: []*storage.Membership{member(1, 100, -500)}}
	client := &fakeClient{}
	svc := newTestService(store, client, "")

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(client.notices) != 0 {
		t.Fatalf("notices = %v, want none", client.notices)
	}
}
