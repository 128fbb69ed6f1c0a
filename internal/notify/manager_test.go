package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/adapter/memory"
	"github.com/jun/docbrowser/internal/model"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

type countingConsumer struct {
	calls atomic.Int32
}

func (c *countingConsumer) SyncNow() { c.calls.Add(1) }

// shortLived grants channels a fixed lifetime regardless of the request.
type shortLived struct {
	adapter.RemoteStorage
	lifetime time.Duration
	now      time.Time
}

func (s shortLived) Watch(ctx context.Context, resourceID string, req adapter.WatchRequest) (*adapter.WatchResult, error) {
	res, err := s.RemoteStorage.Watch(ctx, resourceID, req)
	if err != nil {
		return nil, err
	}
	res.ExpiresAt = s.now.Add(s.lifetime)
	return res, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testWebhook = "https://example.com/drive/webhook"

type fixture struct {
	mgr      *Manager
	drive    *memory.MemoryAdapter
	store    *MemoryChannelStore
	sched    *fakeScheduler
	consumer *countingConsumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	drive := memory.NewMemoryAdapter("root")
	return newFixtureWith(t, drive, drive)
}

func newFixtureWith(t *testing.T, drive *memory.MemoryAdapter, storage adapter.RemoteStorage) *fixture {
	t.Helper()
	f := &fixture{
		drive:    drive,
		store:    NewMemoryChannelStore(),
		sched:    &fakeScheduler{},
		consumer: &countingConsumer{},
	}
	f.mgr = NewManager(adapter.StaticProvider{S: storage}, f.store, f.consumer, Options{
		ResourceID:  "root",
		TTL:         7 * 24 * time.Hour,
		RenewBefore: 24 * time.Hour,
		Scheduler:   f.sched,
	}, zap.NewNop())
	f.mgr.now = func() time.Time { return testNow }
	return f
}

func TestStart_Success(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Start(context.Background(), testWebhook))

	st := f.mgr.Status()
	assert.Equal(t, StateActive, st.State)
	require.NotNil(t, st.Channel)
	assert.Contains(t, st.Channel.ID, "channel-")
	assert.Equal(t, testNow.Add(7*24*time.Hour), st.Channel.ExpiresAt)

	persisted, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, st.Channel.ID, persisted.ID)

	pending := f.sched.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 6*24*time.Hour, pending[0].d)
}

func TestStart_RegistrationFailure(t *testing.T) {
	f := newFixture(t)
	f.drive.Fail(memory.OpWatch, "root", errors.New("address not verified"))

	err := f.mgr.Start(context.Background(), testWebhook)
	require.Error(t, err)

	var regErr *ChannelRegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, testWebhook, regErr.WebhookURL)

	st := f.mgr.Status()
	assert.Equal(t, StateUnregistered, st.State)
	assert.Nil(t, st.Channel)
	assert.Contains(t, st.LastError, "address not verified")
	assert.Empty(t, f.sched.pending())
}

func TestStart_NotAuthenticated(t *testing.T) {
	f := newFixture(t)
	f.mgr.provider = unauthenticated{}

	err := f.mgr.Start(context.Background(), testWebhook)
	var regErr *ChannelRegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.ErrorIs(t, err, adapter.ErrNotAuthenticated)
}

type unauthenticated struct{}

func (unauthenticated) Storage(context.Context) (adapter.RemoteStorage, error) {
	return nil, adapter.ErrNotAuthenticated
}

func TestStart_SupersedesActiveChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	first := f.mgr.Status().Channel.ID
	require.NoError(t, f.mgr.Start(ctx, testWebhook))

	assert.Equal(t, []string{first}, f.drive.Stopped())
	assert.NotEqual(t, first, f.mgr.Status().Channel.ID)
	assert.Len(t, f.sched.pending(), 1)
}

func TestHandleNotification_MismatchedChannelNeverSyncs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ChannelID: "channel-x", ResourceState: "change"}))

	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ChannelID: "channel-x", ResourceState: "change"}))
	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ResourceState: "sync"}))
	assert.Zero(t, f.consumer.calls.Load())
}

func TestHandleNotification_ResourceStates(t *testing.T) {
	tests := []struct {
		state string
		want  Disposition
		syncs int32
	}{
		{"change", Synced, 1},
		{"sync", Synced, 1},
		{"CHANGE", Synced, 1},
		{"add", Ignored, 0},
		{"remove", Ignored, 0},
		{"update", Ignored, 0},
		{"trash", Ignored, 0},
		{"untrash", Ignored, 0},
		{"something-new", Ignored, 0},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.mgr.Start(ctx, testWebhook))
			id := f.mgr.Status().Channel.ID

			got := f.mgr.HandleNotification(ctx, Notification{ChannelID: id, ResourceState: tt.state})
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.syncs, f.consumer.calls.Load())
		})
	}
}

func TestHandleNotification_ExpiredChannelRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	id := f.mgr.Status().Channel.ID

	f.mgr.now = func() time.Time { return testNow.Add(8 * 24 * time.Hour) }
	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ChannelID: id, ResourceState: "change"}))
	assert.Zero(t, f.consumer.calls.Load())
}

func TestRenewal_StopsThenStartsBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Start(context.Background(), testWebhook))
	old := f.mgr.Status().Channel

	timers := f.sched.pending()
	require.Len(t, timers, 1)
	assert.Less(t, timers[0].d, old.ExpiresAt.Sub(testNow))
	timers[0].f()

	st := f.mgr.Status()
	assert.Equal(t, StateActive, st.State)
	require.NotNil(t, st.Channel)
	assert.NotEqual(t, old.ID, st.Channel.ID)
	assert.Equal(t, testWebhook, st.Channel.WebhookURL)
	assert.Equal(t, []string{old.ID}, f.drive.Stopped())
	assert.Len(t, f.drive.Watches(), 2)
	assert.Len(t, f.sched.pending(), 1)

	persisted, _ := f.store.Load(context.Background())
	require.NotNil(t, persisted)
	assert.Equal(t, st.Channel.ID, persisted.ID)
}

func TestRenewal_FailedRestartEndsUnregistered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Start(context.Background(), testWebhook))
	old := f.mgr.Status().Channel

	f.drive.Fail(memory.OpWatch, "root", errors.New("quota exceeded"))
	f.sched.pending()[0].f()

	st := f.mgr.Status()
	assert.Equal(t, StateUnregistered, st.State)
	assert.Nil(t, st.Channel)
	assert.Contains(t, st.LastError, "quota exceeded")
	assert.Equal(t, []string{old.ID}, f.drive.Stopped())
	assert.Empty(t, f.sched.pending())

	assert.Equal(t, Rejected, f.mgr.HandleNotification(context.Background(), Notification{ChannelID: old.ID, ResourceState: "change"}))
}

func TestRenewal_ShortLifetimeRenewsAtHalf(t *testing.T) {
	drive := memory.NewMemoryAdapter("root")
	f := newFixtureWith(t, drive, shortLived{RemoteStorage: drive, lifetime: 2 * time.Hour, now: testNow})

	require.NoError(t, f.mgr.Start(context.Background(), testWebhook))

	pending := f.sched.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, time.Hour, pending[0].d)
}

func TestRenewal_StaleTimerIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	stale := f.sched.pending()[0]

	require.NoError(t, f.mgr.Stop(ctx))
	stale.f()

	assert.Equal(t, StateStopped, f.mgr.Status().State)
	assert.Len(t, f.drive.Watches(), 1)
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Start(ctx, testWebhook))

	require.NoError(t, f.mgr.Stop(ctx))
	require.NoError(t, f.mgr.Stop(ctx))

	assert.Len(t, f.drive.Stopped(), 1)
	assert.Equal(t, StateStopped, f.mgr.Status().State)
	assert.Empty(t, f.sched.pending())

	persisted, _ := f.store.Load(ctx)
	assert.Nil(t, persisted)
}

func TestStop_RemoteFailureStillClearsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	id := f.mgr.Status().Channel.ID
	f.drive.Fail(memory.OpStop, id, errors.New("unavailable"))

	err := f.mgr.Stop(ctx)
	require.Error(t, err)

	st := f.mgr.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.Channel)
	persisted, _ := f.store.Load(ctx)
	assert.Nil(t, persisted)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("unexpired channel becomes active", func(t *testing.T) {
		f := newFixture(t)
		ch := &model.Channel{ID: "channel-1", ResourceID: "res-root", WebhookURL: testWebhook, ExpiresAt: testNow.Add(48 * time.Hour)}
		require.NoError(t, f.store.Save(ctx, ch))

		assert.True(t, f.mgr.Restore(ctx))
		assert.Equal(t, StateActive, f.mgr.Status().State)
		assert.Equal(t, Synced, f.mgr.HandleNotification(ctx, Notification{ChannelID: "channel-1", ResourceState: "sync"}))

		pending := f.sched.pending()
		require.Len(t, pending, 1)
		assert.Equal(t, 24*time.Hour, pending[0].d)
	})

	t.Run("expired channel is discarded", func(t *testing.T) {
		f := newFixture(t)
		ch := &model.Channel{ID: "channel-1", ResourceID: "res-root", WebhookURL: testWebhook, ExpiresAt: testNow.Add(-time.Minute)}
		require.NoError(t, f.store.Save(ctx, ch))

		assert.False(t, f.mgr.Restore(ctx))
		assert.Equal(t, StateUnregistered, f.mgr.Status().State)
		persisted, _ := f.store.Load(ctx)
		assert.Nil(t, persisted)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		f := newFixture(t)
		assert.False(t, f.mgr.Restore(ctx))
	})
}

type peer struct {
	mgr      *Manager
	sched    *fakeScheduler
	consumer *countingConsumer
}

// peer builds a second manager sharing the fixture's drive and store, as a
// second process would.
func (f *fixture) peer() *peer {
	p := &peer{sched: &fakeScheduler{}, consumer: &countingConsumer{}}
	p.mgr = NewManager(adapter.StaticProvider{S: f.drive}, f.store, p.consumer, Options{
		ResourceID:  "root",
		TTL:         7 * 24 * time.Hour,
		RenewBefore: 24 * time.Hour,
		Scheduler:   p.sched,
	}, zap.NewNop())
	p.mgr.now = f.mgr.now
	return p
}

func TestHandleNotification_AdoptsChannelStartedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.peer()

	assert.False(t, f.mgr.Restore(ctx))
	require.NoError(t, other.mgr.Start(ctx, testWebhook))
	persisted, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, persisted)

	got := f.mgr.HandleNotification(ctx, Notification{ChannelID: persisted.ID, ResourceState: "change"})
	assert.Equal(t, Synced, got)
	assert.EqualValues(t, 1, f.consumer.calls.Load())

	st := f.mgr.Status()
	assert.Equal(t, StateActive, st.State)
	require.NotNil(t, st.Channel)
	assert.Equal(t, persisted.ID, st.Channel.ID)
	assert.Len(t, f.sched.pending(), 1)
	assert.Len(t, f.drive.Watches(), 1)
}

func TestHandleNotification_SupersededLocallyAdoptsNewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.peer()

	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	require.True(t, other.mgr.Restore(ctx))
	require.NoError(t, other.mgr.Start(ctx, testWebhook))
	newer := other.mgr.Status().Channel

	assert.Equal(t, Synced, f.mgr.HandleNotification(ctx, Notification{ChannelID: newer.ID, ResourceState: "sync"}))
	assert.Equal(t, newer.ID, f.mgr.Status().Channel.ID)
}

func TestHandleNotification_StoreReloadThrottled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.peer()

	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ChannelID: "channel-forged", ResourceState: "change"}))

	require.NoError(t, other.mgr.Start(ctx, testWebhook))
	id := other.mgr.Status().Channel.ID

	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ChannelID: id, ResourceState: "change"}))

	f.mgr.now = func() time.Time { return testNow.Add(reloadInterval) }
	assert.Equal(t, Synced, f.mgr.HandleNotification(ctx, Notification{ChannelID: id, ResourceState: "change"}))
	assert.EqualValues(t, 1, f.consumer.calls.Load())
}

func TestHandleNotification_ExpiredStoredChannelNotAdopted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := &model.Channel{ID: "channel-old", ResourceID: "res-root", WebhookURL: testWebhook, ExpiresAt: testNow.Add(-time.Minute)}
	require.NoError(t, f.store.Save(ctx, ch))

	assert.Equal(t, Rejected, f.mgr.HandleNotification(ctx, Notification{ChannelID: "channel-old", ResourceState: "change"}))
	assert.Equal(t, StateUnregistered, f.mgr.Status().State)
	assert.Zero(t, f.consumer.calls.Load())
}

func TestRenewal_AdoptsNewerChannelInsteadOfRegistering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.peer()

	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	old := f.mgr.Status().Channel
	require.True(t, other.mgr.Restore(ctx))
	require.NoError(t, other.mgr.Start(ctx, testWebhook))
	newer := other.mgr.Status().Channel

	timers := f.sched.pending()
	require.Len(t, timers, 1)
	timers[0].f()

	st := f.mgr.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, newer.ID, st.Channel.ID)
	assert.Len(t, f.drive.Watches(), 2)
	assert.Equal(t, []string{old.ID}, f.drive.Stopped())
	assert.Len(t, f.sched.pending(), 1)
}

func TestRenewIfDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.mgr.RenewIfDue(ctx))

	require.NoError(t, f.mgr.Start(ctx, testWebhook))
	old := f.mgr.Status().Channel

	assert.True(t, f.mgr.RenewIfDue(ctx))
	assert.Len(t, f.drive.Watches(), 1)

	f.mgr.now = func() time.Time { return testNow.Add(6*24*time.Hour + time.Minute) }
	assert.True(t, f.mgr.RenewIfDue(ctx))

	st := f.mgr.Status()
	require.NotNil(t, st.Channel)
	assert.NotEqual(t, old.ID, st.Channel.ID)
	assert.Len(t, f.drive.Watches(), 2)
	assert.Equal(t, []string{old.ID}, f.drive.Stopped())
}
